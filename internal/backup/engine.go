package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openmined/dirvault/internal/blob"
)

// RunState tracks the run through its lifecycle. States only advance; a run
// never moves backward or skips ahead.
type RunState string

const (
	StateScanning   RunState = "scanning"
	StateDiffing    RunState = "diffing"
	StateUploading  RunState = "uploading"
	StateCommitting RunState = "committing"
	StateComplete   RunState = "complete"
	StateDegraded   RunState = "degraded"
)

const defaultUploadWorkers = 4

// Config holds everything one backup run needs.
type Config struct {
	// SourceRoot is the local directory to back up.
	SourceRoot string

	// Excludes are doublestar patterns matched against relative paths, in
	// addition to the root's .dirvaultignore file.
	Excludes []string

	// TrustTimestamps enables the (size, mtime) fast path in change
	// detection. Opt-in; the safe default hashes to verify.
	TrustTimestamps bool

	// ForceFull treats a corrupt prior manifest as empty prior state
	// instead of aborting.
	ForceFull bool

	// UploadWorkers bounds parallel uploads. Defaults to 4.
	UploadWorkers int

	// HashWorkers bounds parallel hashing during change detection.
	HashWorkers int

	// Retry bounds per-path upload retries.
	Retry RetryPolicy

	// Policy, when non-nil and non-empty, runs retention pruning after the
	// manifest commit.
	Policy *Policy
}

// RunResult is what one run reports back to its caller.
type RunResult struct {
	SnapshotID    string
	State         RunState
	Uploaded      int
	UploadedBytes int64
	Failed        int
	Deleted       int
	Unchanged     int
	Failures      []UploadFailure
	Skipped       []SkippedFile
	Pruned        []PruneEntry
	StartedAt     time.Time
	Duration      time.Duration
}

// uploadOutcome is the terminal per-path result collected from the worker
// pool before the single-writer manifest reduction.
type uploadOutcome struct {
	record  *FileRecord
	failure *UploadFailure
}

// Engine executes one backup run: scan, diff, upload, commit, prune.
type Engine struct {
	cfg    Config
	client blob.Client
	store  *Store
}

func NewEngine(cfg Config, client blob.Client, store *Store) *Engine {
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = defaultUploadWorkers
	}
	return &Engine{cfg: cfg, client: client, store: store}
}

// Run drives the state machine Scanning → Diffing → Uploading → Committing →
// {Complete, Degraded}. Cancellation at any point before Committing leaves
// the store's current pointer untouched; the next run recomputes the same
// diff from the last good manifest.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	started := time.Now()
	snapshotID := NewSnapshotID(started)
	result := &RunResult{
		SnapshotID: snapshotID,
		State:      StateScanning,
		StartedAt:  started.UTC(),
	}

	slog.Info("run started", "snapshot", snapshotID, "source", e.cfg.SourceRoot)

	// Scanning
	ignore := NewIgnoreList(e.cfg.SourceRoot, e.cfg.Excludes)
	ignore.Load()
	scan, err := NewScanner(e.cfg.SourceRoot, ignore).Scan(ctx)
	if err != nil {
		return result, err
	}
	result.Skipped = append(result.Skipped, scan.Skipped...)

	// Diffing
	result.State = StateDiffing
	prior, err := e.store.LoadCurrent(ctx)
	if err != nil {
		if errors.Is(err, ErrManifestCorrupt) && e.cfg.ForceFull {
			slog.Warn("prior manifest corrupt, forcing full backup", "error", err)
			prior = nil
		} else {
			return result, err
		}
	}

	diff, err := ComputeDiff(ctx, e.cfg.SourceRoot, scan, prior, DiffOptions{
		TrustTimestamps: e.cfg.TrustTimestamps,
		HashWorkers:     e.cfg.HashWorkers,
	})
	if err != nil {
		return result, err
	}
	result.Skipped = append(result.Skipped, diff.Skipped...)
	result.Deleted = len(diff.Deleted)
	result.Unchanged = len(diff.Unchanged)

	slog.Info("diff computed",
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"deleted", len(diff.Deleted),
		"unchanged", len(diff.Unchanged))

	// Uploading
	result.State = StateUploading
	outcomes := e.uploadAll(ctx, snapshotID, scan, diff)
	if err := ctx.Err(); err != nil {
		// Cancelled mid-upload: discard the run, commit nothing.
		return result, err
	}

	// Committing: single-writer reduction of per-path outcomes into the new
	// manifest. Paths in diff.Deleted are tombstoned by omission; their
	// records live on in prior snapshots.
	result.State = StateCommitting
	manifest := NewManifest(snapshotID, previousID(prior))

	for _, relPath := range diff.Unchanged {
		rec := prior.Records[relPath]
		manifest.Records[relPath] = &FileRecord{
			Path:             rec.Path,
			Size:             rec.Size,
			ModifiedTime:     rec.ModifiedTime,
			ContentHash:      rec.ContentHash,
			RemoteKey:        rec.RemoteKey,
			LastSeenSnapshot: snapshotID,
		}
	}

	for _, outcome := range outcomes {
		if outcome.failure != nil {
			result.Failed++
			result.Failures = append(result.Failures, *outcome.failure)
			continue
		}
		manifest.Records[outcome.record.Path] = outcome.record
		result.Uploaded++
		result.UploadedBytes += outcome.record.Size
	}

	if _, err := e.store.Save(ctx, manifest); err != nil {
		return result, fmt.Errorf("commit manifest: %w", err)
	}

	if result.Failed > 0 {
		result.State = StateDegraded
	} else {
		result.State = StateComplete
	}
	result.Duration = time.Since(started)

	slog.Info("run committed",
		"snapshot", snapshotID,
		"state", result.State,
		"uploaded", result.Uploaded,
		"failed", result.Failed,
		"deleted", result.Deleted)

	// Retention runs only after the commit is durable.
	if e.cfg.Policy != nil && !e.cfg.Policy.Empty() {
		pruner := NewPruner(e.client, e.store)
		entries, err := pruner.Prune(ctx, e.cfg.Policy, false)
		if err != nil {
			slog.Warn("retention prune failed", "error", err)
		} else {
			result.Pruned = entries
		}
	}

	return result, nil
}

// uploadAll pushes every added and modified path through a bounded worker
// pool and collects terminal per-path outcomes.
func (e *Engine) uploadAll(ctx context.Context, snapshotID string, scan *ScanResult, diff *Diff) []uploadOutcome {
	paths := make([]string, 0, len(diff.Added)+len(diff.Modified))
	paths = append(paths, diff.Added...)
	paths = append(paths, diff.Modified...)
	if len(paths) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		outcomes = make([]uploadOutcome, 0, len(paths))
	)

	pathChan := make(chan string, len(paths))

	var wg sync.WaitGroup
	wg.Add(e.cfg.UploadWorkers)
	for w := 0; w < e.cfg.UploadWorkers; w++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case relPath, ok := <-pathChan:
					if !ok {
						return
					}
					outcome := e.uploadOne(ctx, snapshotID, scan.Entries[relPath], diff.Hashes[relPath])
					mu.Lock()
					outcomes = append(outcomes, outcome)
					mu.Unlock()
				}
			}
		}()
	}

	for _, relPath := range paths {
		pathChan <- relPath
	}
	close(pathChan)
	wg.Wait()

	return outcomes
}

// uploadOne uploads a single file with bounded exponential backoff. The
// remote key is derived from (path, contentHash, snapshotID), so retries are
// idempotent: a duplicate put lands on the same logical object.
func (e *Engine) uploadOne(ctx context.Context, snapshotID string, entry *ScanEntry, contentHash string) uploadOutcome {
	key := e.store.Key(ObjectKey(snapshotID, contentHash, entry.Path))
	absPath := filepath.Join(e.cfg.SourceRoot, filepath.FromSlash(entry.Path))

	state := e.cfg.Retry.newState()
	var lastErr error
	for {
		delay, ok := state.next()
		if !ok {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}

		err := e.putFile(ctx, key, absPath, entry.Size)
		if err == nil {
			slog.Info("uploaded", "path", entry.Path, "key", key)
			return uploadOutcome{record: &FileRecord{
				Path:             entry.Path,
				Size:             entry.Size,
				ModifiedTime:     entry.ModifiedTime,
				ContentHash:      contentHash,
				RemoteKey:        key,
				LastSeenSnapshot: snapshotID,
			}}
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("upload retry", "path", entry.Path, "attempt", state.attempt, "error", err)
	}

	slog.Error("upload failed", "path", entry.Path, "error", lastErr)
	return uploadOutcome{failure: &UploadFailure{Path: entry.Path, Reason: lastErr.Error()}}
}

func (e *Engine) putFile(ctx context.Context, key, absPath string, size int64) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = e.client.PutObject(ctx, &blob.PutObjectParams{
		Key:  key,
		Body: f,
		Size: size,
	})
	return err
}

func previousID(prior *Manifest) string {
	if prior == nil {
		return ""
	}
	return prior.SnapshotID
}
