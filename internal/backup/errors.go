package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestCorrupt means the prior manifest or current pointer exists
	// but cannot be decoded. Fatal unless the run is forced full.
	ErrManifestCorrupt = errors.New("manifest corrupt")

	// ErrNoHistory is returned when an operation requires at least one
	// committed snapshot and none exists.
	ErrNoHistory = errors.New("no snapshot history")
)

// ScanError means the source root itself is unreadable. It aborts the run
// before any upload happens.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// SkippedFile is a non-fatal per-file warning. The file is excluded from the
// snapshot and the run continues.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// UploadFailure records a path whose upload did not succeed after retries.
// The path stays out of the committed manifest and is retried on the next run.
type UploadFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}
