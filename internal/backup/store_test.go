package backup

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/dirvault/internal/blob"
)

func putRaw(t *testing.T, client *blob.MemoryClient, key string, data []byte) {
	t.Helper()
	_, err := client.PutObject(context.Background(), &blob.PutObjectParams{
		Key:  key,
		Body: bytes.NewReader(data),
		Size: int64(len(data)),
	})
	require.NoError(t, err)
}

func manifestFixture(snapshotID, previous string, createdAt time.Time) *Manifest {
	m := NewManifest(snapshotID, previous)
	m.CreatedAt = createdAt
	m.Records["a.txt"] = &FileRecord{
		Path:             "a.txt",
		Size:             3,
		ModifiedTime:     createdAt,
		ContentHash:      "abc123",
		RemoteKey:        ObjectKey(snapshotID, "abc123", "a.txt"),
		LastSeenSnapshot: snapshotID,
	}
	return m
}

func TestStoreSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	client := blob.NewMemoryClient()
	store := NewStore(client, "backups/host1")

	m := manifestFixture("snap-1", "", time.Now().UTC())
	id, err := store.Save(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "snap-1", id)

	loaded, err := store.Load(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, m.SnapshotID, loaded.SnapshotID)
	require.Contains(t, loaded.Records, "a.txt")
	assert.Equal(t, m.Records["a.txt"].ContentHash, loaded.Records["a.txt"].ContentHash)

	current, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snap-1", current.SnapshotID)
}

func TestStoreLoadCurrentNoPriorState(t *testing.T) {
	store := NewStore(blob.NewMemoryClient(), "")

	current, err := store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current, "missing pointer means no prior state, not an error")
}

func TestStoreCorruptPointer(t *testing.T) {
	ctx := context.Background()
	client := blob.NewMemoryClient()
	store := NewStore(client, "")

	putRaw(t, client, "manifests/current", []byte("{not json"))

	_, err := store.LoadCurrent(ctx)
	require.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestStoreCorruptManifest(t *testing.T) {
	ctx := context.Background()
	client := blob.NewMemoryClient()
	store := NewStore(client, "")

	m := manifestFixture("snap-1", "", time.Now().UTC())
	_, err := store.Save(ctx, m)
	require.NoError(t, err)

	// Overwrite the manifest object with garbage; the pointer still
	// references it.
	putRaw(t, client, "manifests/snap-1.json", []byte("garbage"))

	_, err = store.LoadCurrent(ctx)
	require.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestStoreDanglingPointer(t *testing.T) {
	ctx := context.Background()
	client := blob.NewMemoryClient()
	store := NewStore(client, "")

	putRaw(t, client, "manifests/current", []byte(`{"snapshot_id":"snap-missing","updated_at":"2026-01-01T00:00:00Z"}`))

	_, err := store.LoadCurrent(ctx)
	require.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestStoreHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	client := blob.NewMemoryClient()
	store := NewStore(client, "pfx")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"snap-1", "snap-2", "snap-3"} {
		prev := ""
		if i > 0 {
			prev = "snap-" + string(rune('0'+i))
		}
		_, err := store.Save(ctx, manifestFixture(id, prev, base.AddDate(0, 0, i)))
		require.NoError(t, err)
	}

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "snap-3", history[0].SnapshotID)
	assert.Equal(t, "snap-1", history[2].SnapshotID)
	assert.Equal(t, 1, history[0].FileCount)
}

func TestStorePointerAdvancesOnlyAfterManifestWrite(t *testing.T) {
	ctx := context.Background()
	client := blob.NewMemoryClient()
	store := NewStore(client, "")

	_, err := store.Save(ctx, manifestFixture("snap-1", "", time.Now().UTC()))
	require.NoError(t, err)

	// The manifest object must exist before the pointer references it.
	assert.True(t, client.Exists("manifests/snap-1.json"))
	assert.True(t, client.Exists("manifests/current"))

	current, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snap-1", current.SnapshotID)
}
