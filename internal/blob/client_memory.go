package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data         []byte
	etag         string
	lastModified time.Time
}

// MemoryClient is an in-memory Client used by tests and dry runs. It mirrors
// the visibility guarantees of the S3 client: a Put is immediately visible to
// Get and List from the same process.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]*memObject

	// PutCalls counts PutObject invocations per key, useful for asserting
	// idempotency and skip behavior.
	PutCalls map[string]int
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects:  make(map[string]*memObject),
		PutCalls: make(map[string]int),
	}
}

func (m *MemoryClient) PutObject(_ context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	obj := &memObject{
		data:         data,
		etag:         fmt.Sprintf("%x", md5.Sum(data)),
		lastModified: time.Now().UTC(),
	}

	m.mu.Lock()
	m.objects[params.Key] = obj
	m.PutCalls[params.Key]++
	m.mu.Unlock()

	return &PutObjectResponse{
		Key:          params.Key,
		ETag:         obj.etag,
		Size:         int64(len(data)),
		LastModified: obj.lastModified,
	}, nil
}

func (m *MemoryClient) GetObject(_ context.Context, key string) (*GetObjectResponse, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	return &GetObjectResponse{
		Body:         io.NopCloser(bytes.NewReader(obj.data)),
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		LastModified: obj.lastModified,
	}, nil
}

func (m *MemoryClient) DeleteObject(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryClient) ListObjects(_ context.Context, prefix string) ([]*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []*ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, &ObjectInfo{
			Key:          key,
			ETag:         obj.etag,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Exists reports whether a key is present.
func (m *MemoryClient) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Client = (*MemoryClient)(nil)
