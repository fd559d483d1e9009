package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/dirvault/internal/blob"
)

// flakyClient wraps a MemoryClient and fails PutObject for configured path
// suffixes a limited number of times, simulating transient transport errors.
type flakyClient struct {
	*blob.MemoryClient

	mu       sync.Mutex
	failures map[string]int // path suffix -> remaining failures; -1 fails forever
	onPut    func()
}

func newFlakyClient() *flakyClient {
	return &flakyClient{
		MemoryClient: blob.NewMemoryClient(),
		failures:     make(map[string]int),
	}
}

func (f *flakyClient) failTimes(pathSuffix string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[pathSuffix] = times
}

func (f *flakyClient) PutObject(ctx context.Context, params *blob.PutObjectParams) (*blob.PutObjectResponse, error) {
	f.mu.Lock()
	if f.onPut != nil {
		f.onPut()
	}
	for suffix, remaining := range f.failures {
		if strings.HasSuffix(params.Key, suffix) && remaining != 0 {
			if remaining > 0 {
				f.failures[suffix] = remaining - 1
			}
			f.mu.Unlock()
			return nil, errors.New("simulated transport error")
		}
	}
	f.mu.Unlock()
	return f.MemoryClient.PutObject(ctx, params)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestEngine(root string, client blob.Client, cfg Config) (*Engine, *Store) {
	store := NewStore(client, "")
	cfg.SourceRoot = root
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry()
	}
	return NewEngine(cfg, client, store), store
}

// objectKeysFor returns all content object keys ending in the given path.
func objectKeysFor(t *testing.T, client blob.Client, relPath string) []string {
	t.Helper()
	objects, err := client.ListObjects(context.Background(), "objects/")
	require.NoError(t, err)
	var keys []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/"+relPath) {
			keys = append(keys, obj.Key)
		}
	}
	return keys
}

func TestEngineIncrementalScenario(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", strings.Repeat("a", 1024))
	writeFile(t, root, "b.txt", strings.Repeat("b", 2048))

	client := blob.NewMemoryClient()
	engine, store := newTestEngine(root, client, Config{})

	// Run 1 uploads both and commits S1.
	res1, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res1.State)
	assert.Equal(t, 2, res1.Uploaded)
	assert.Equal(t, int64(3072), res1.UploadedBytes)

	s1, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	require.Len(t, s1.Records, 2)
	assert.Equal(t, res1.SnapshotID, s1.SnapshotID)
	assert.Empty(t, s1.PreviousSnapshot)

	// Edit A, delete B, add C.
	writeFile(t, root, "a.txt", strings.Repeat("A", 1500))
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))
	writeFile(t, root, "c.txt", "brand new")

	res2, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res2.State)
	assert.Equal(t, 2, res2.Uploaded, "new content of a.txt plus c.txt")
	assert.Equal(t, 1, res2.Deleted, "b.txt tombstoned")

	// S2 references S1 and holds the current view without B.
	s2, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, res2.SnapshotID, s2.SnapshotID)
	assert.Equal(t, s1.SnapshotID, s2.PreviousSnapshot)
	assert.Contains(t, s2.Records, "a.txt")
	assert.Contains(t, s2.Records, "c.txt")
	assert.NotContains(t, s2.Records, "b.txt")

	// B's record is retained in S1's history.
	s1Again, err := store.Load(ctx, s1.SnapshotID)
	require.NoError(t, err)
	assert.Contains(t, s1Again.Records, "b.txt")
	assert.True(t, client.Exists(s1Again.Records["b.txt"].RemoteKey))

	// A has two content objects now, one per snapshot.
	assert.Len(t, objectKeysFor(t, client, "a.txt"), 2)
}

func TestEngineSecondRunNoChanges(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "x.txt", "stable content")
	writeFile(t, root, "y/z.txt", "more stable content")

	client := blob.NewMemoryClient()
	engine, _ := newTestEngine(root, client, Config{})

	res1, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res1.Uploaded)
	objectsAfterFirst := client.Len()

	res2, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res2.State)
	assert.Equal(t, 0, res2.Uploaded, "no uploads when nothing changed")
	assert.Equal(t, 2, res2.Unchanged)

	// Only the new manifest object is added; content objects are untouched
	// and the carried-forward records still point at the originals.
	assert.Equal(t, objectsAfterFirst+1, client.Len())
}

func TestEngineUploadRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "flaky.txt", "eventually consistent")

	client := newFlakyClient()
	client.failTimes("/flaky.txt", 2) // two transient failures, then success

	engine, store := newTestEngine(root, client, Config{})

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 0, res.Failed)

	// Retries land on the same derived key: exactly one logical object.
	keys := objectKeysFor(t, client, "flaky.txt")
	require.Len(t, keys, 1)
	assert.Equal(t, 1, client.PutCalls[keys[0]])

	current, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[0], current.Records["flaky.txt"].RemoteKey)
}

func TestEngineDegradedRunStillCommits(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "good.txt", "fine")
	writeFile(t, root, "bad.txt", "doomed")

	client := newFlakyClient()
	client.failTimes("/bad.txt", -1) // fails every attempt

	engine, store := newTestEngine(root, client, Config{})

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, res.State)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad.txt", res.Failures[0].Path)

	// The manifest commits with the successful subset only.
	current, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Contains(t, current.Records, "good.txt")
	assert.NotContains(t, current.Records, "bad.txt")

	// Next run re-detects the failed path as Added and heals.
	client.failTimes("/bad.txt", 0)
	res2, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res2.State)
	assert.Equal(t, 1, res2.Uploaded)

	current, err = store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Contains(t, current.Records, "bad.txt")
}

func TestEngineCancellationLeavesPriorManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "one.txt", "first")

	client := newFlakyClient()
	engine, store := newTestEngine(root, client, Config{})

	res1, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateComplete, res1.State)

	// Second run gets cancelled during its first upload.
	writeFile(t, root, "two.txt", "second")
	ctx, cancel := context.WithCancel(context.Background())
	client.onPut = func() {
		// Cancel only for content uploads, not manifest writes.
		cancel()
	}

	_, err = engine.Run(ctx)
	require.Error(t, err)

	// The current pointer still references the first snapshot.
	client.onPut = nil
	current, err := store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res1.SnapshotID, current.SnapshotID)
	assert.NotContains(t, current.Records, "two.txt")

	// A fresh run recomputes the identical diff and commits normally.
	res3, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res3.State)
	assert.Equal(t, 1, res3.Uploaded)
	assert.Equal(t, 1, res3.Unchanged)
}

func TestEngineForceFullOnCorruptManifest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "f.txt", "data")

	client := blob.NewMemoryClient()
	engine, store := newTestEngine(root, client, Config{})

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// Corrupt the pointer. A normal run must abort without uploading.
	putRaw(t, client, "manifests/current", []byte("corrupt"))

	_, err = engine.Run(ctx)
	require.ErrorIs(t, err, ErrManifestCorrupt)

	// With ForceFull the run proceeds from empty prior state.
	engineForced, _ := newTestEngine(root, client, Config{ForceFull: true})
	res, err := engineForced.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.Uploaded, "everything re-uploads on a forced full run")

	current, err := store.LoadCurrent(ctx)
	require.NoError(t, err)
	assert.Contains(t, current.Records, "f.txt")
}
