package backup

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/dirvault/internal/utils"
)

// ScanEntry is the lazy per-file snapshot the scanner produces. Content
// hashes are deliberately not computed here; hashing happens in the change
// detector, and only for paths that need it.
type ScanEntry struct {
	Path         string
	Size         int64
	ModifiedTime time.Time
}

// ScanResult holds the current state of the source tree plus any per-file
// warnings accumulated during the walk.
type ScanResult struct {
	Entries map[string]*ScanEntry
	Skipped []SkippedFile
}

// Scanner walks a local tree and records metadata for every regular file.
// Symlinks are skipped, as are paths matched by the ignore list. A file that
// cannot be read is reported as a warning, not an error; only an unreadable
// root aborts the scan.
type Scanner struct {
	root   string
	ignore *IgnoreList
}

func NewScanner(root string, ignore *IgnoreList) *Scanner {
	return &Scanner{root: root, ignore: ignore}
}

func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	info, err := os.Stat(s.root)
	if err != nil {
		return nil, &ScanError{Root: s.root, Err: err}
	}
	if !info.IsDir() {
		return nil, &ScanError{Root: s.root, Err: fs.ErrInvalid}
	}

	result := &ScanResult{Entries: make(map[string]*ScanEntry)}

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			relPath = path
		}
		relPath = utils.NormPath(relPath)

		if walkErr != nil {
			if path == s.root {
				return &ScanError{Root: s.root, Err: walkErr}
			}
			slog.Warn("scan skip", "path", relPath, "error", walkErr)
			result.Skipped = append(result.Skipped, SkippedFile{Path: relPath, Reason: walkErr.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == s.root {
			return nil
		}

		if s.ignore != nil && s.ignore.ShouldIgnore(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		// Symlinks are never followed. A link pointing outside the root
		// would escape the backup scope, and a link inside it would
		// duplicate content already tracked under its real path.
		if !d.Type().IsRegular() {
			return nil
		}

		fi, infoErr := d.Info()
		if infoErr != nil {
			slog.Warn("scan skip", "path", relPath, "error", infoErr)
			result.Skipped = append(result.Skipped, SkippedFile{Path: relPath, Reason: infoErr.Error()})
			return nil
		}

		result.Entries[relPath] = &ScanEntry{
			Path:         relPath,
			Size:         fi.Size(),
			ModifiedTime: fi.ModTime(),
		}
		return nil
	})
	if err != nil {
		var scanErr *ScanError
		if errors.As(err, &scanErr) {
			return nil, scanErr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ScanError{Root: s.root, Err: err}
	}

	return result, nil
}
