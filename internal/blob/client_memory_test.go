package blob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientRoundtrip(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()

	data := []byte("some bytes")
	_, err := client.PutObject(ctx, &PutObjectParams{
		Key:  "pfx/a/b.txt",
		Body: bytes.NewReader(data),
		Size: int64(len(data)),
	})
	require.NoError(t, err)

	resp, err := client.GetObject(ctx, "pfx/a/b.txt")
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), resp.Size)

	_, err = client.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryClientListPrefix(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()

	for _, key := range []string{"a/1", "a/2", "b/1"} {
		_, err := client.PutObject(ctx, &PutObjectParams{Key: key, Body: bytes.NewReader([]byte("x")), Size: 1})
		require.NoError(t, err)
	}

	objects, err := client.ListObjects(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "a/1", objects[0].Key)
	assert.Equal(t, "a/2", objects[1].Key)

	ok, err := client.DeleteObject(ctx, "a/1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, client.Exists("a/1"))
	assert.Equal(t, 2, client.Len())
}
