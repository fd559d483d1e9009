package backup

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultHashWorkers = 4

// DiffOptions tunes change detection.
type DiffOptions struct {
	// TrustTimestamps skips hash verification when size and modified time
	// match the prior record. Off by default: a matching (size, mtime) pair
	// on a clock-skewed filesystem can hide a real content change.
	TrustTimestamps bool

	// HashWorkers bounds parallel hashing. Defaults to 4.
	HashWorkers int
}

// Diff classifies every path from the scan and the prior manifest into
// exactly one of four disjoint sets. Hashes holds the content hash for every
// added or modified path (the engine needs it for key derivation) and for
// verified-unchanged paths.
type Diff struct {
	Added     []string
	Modified  []string
	Deleted   []string
	Unchanged []string

	Hashes  map[string]string
	Skipped []SkippedFile
}

// Empty reports whether the diff carries no work.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// hashJob is one file that must be hashed before classification or upload.
type hashJob struct {
	relPath string
	absPath string
	// verify is set when (size, mtime) matched the prior record and the
	// hash decides between Unchanged and Modified.
	verify    bool
	priorHash string
}

// ComputeDiff compares the scanned state against the prior manifest. It is a
// pure function of (scan, prior) apart from reading local file content for
// hashing; it performs no remote I/O and mutates neither input.
//
// A nil prior manifest means no prior state: every scanned path is Added.
func ComputeDiff(ctx context.Context, root string, scan *ScanResult, prior *Manifest, opts DiffOptions) (*Diff, error) {
	workers := opts.HashWorkers
	if workers <= 0 {
		workers = defaultHashWorkers
	}

	priorRecords := map[string]*FileRecord{}
	if prior != nil {
		priorRecords = prior.Records
	}

	diff := &Diff{Hashes: make(map[string]string)}
	var jobs []hashJob

	for relPath, entry := range scan.Entries {
		absPath := filepath.Join(root, filepath.FromSlash(relPath))

		rec, exists := priorRecords[relPath]
		switch {
		case !exists:
			// New path. Hash it for the upload key.
			jobs = append(jobs, hashJob{relPath: relPath, absPath: absPath})

		case entry.Size != rec.Size:
			// Cheap pre-filter: a size change is always a content change.
			jobs = append(jobs, hashJob{relPath: relPath, absPath: absPath})

		case entry.ModifiedTime.Equal(rec.ModifiedTime) && opts.TrustTimestamps:
			diff.Unchanged = append(diff.Unchanged, relPath)

		default:
			// Same size, and either the mtime moved or timestamps are not
			// trusted. The hash decides.
			jobs = append(jobs, hashJob{
				relPath:   relPath,
				absPath:   absPath,
				verify:    true,
				priorHash: rec.ContentHash,
			})
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			hash, err := HashFile(job.absPath)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				slog.Warn("hash skip", "path", job.relPath, "error", err)
				diff.Skipped = append(diff.Skipped, SkippedFile{Path: job.relPath, Reason: err.Error()})
				return nil
			}

			diff.Hashes[job.relPath] = hash
			_, exists := priorRecords[job.relPath]
			switch {
			case !exists:
				diff.Added = append(diff.Added, job.relPath)
			case job.verify && hash == job.priorHash:
				diff.Unchanged = append(diff.Unchanged, job.relPath)
			default:
				diff.Modified = append(diff.Modified, job.relPath)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for relPath := range priorRecords {
		if _, ok := scan.Entries[relPath]; !ok {
			diff.Deleted = append(diff.Deleted, relPath)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Deleted)
	sort.Strings(diff.Unchanged)

	return diff, nil
}
