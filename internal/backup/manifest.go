package backup

import (
	"fmt"
	"time"

	"github.com/openmined/dirvault/internal/utils"
)

const snapshotIDFormat = "20060102T150405Z"

// FileRecord is one tracked path as of its last successful upload.
type FileRecord struct {
	Path             string    `json:"path"`
	Size             int64     `json:"size"`
	ModifiedTime     time.Time `json:"modified_time"`
	ContentHash      string    `json:"content_hash"`
	RemoteKey        string    `json:"remote_key"`
	LastSeenSnapshot string    `json:"last_seen_snapshot"`
}

// Manifest is the full set of FileRecords as of one completed run. Records
// are keyed by relative path; a path absent from Records but present in an
// older manifest is tombstoned in the current view.
type Manifest struct {
	SnapshotID       string                 `json:"snapshot_id"`
	PreviousSnapshot string                 `json:"previous_snapshot,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	Records          map[string]*FileRecord `json:"records"`
}

func NewManifest(snapshotID, previous string) *Manifest {
	return &Manifest{
		SnapshotID:       snapshotID,
		PreviousSnapshot: previous,
		CreatedAt:        time.Now().UTC(),
		Records:          make(map[string]*FileRecord),
	}
}

// TotalSize sums the size of all records.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, rec := range m.Records {
		total += rec.Size
	}
	return total
}

// Snapshot is the metadata of one committed manifest, the unit of retention.
type Snapshot struct {
	SnapshotID       string    `json:"snapshot_id"`
	PreviousSnapshot string    `json:"previous_snapshot,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	FileCount        int       `json:"file_count"`
	TotalSize        int64     `json:"total_size"`
}

// NewSnapshotID builds a timestamp-ordered snapshot identifier. The random
// suffix disambiguates runs started within the same second.
func NewSnapshotID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format(snapshotIDFormat), utils.TokenHex(3))
}

// ObjectKey derives the remote key for a file's content. It is a pure
// function of (snapshotID, contentHash, path), so a retried upload lands on
// the same key and re-uploads are idempotent.
func ObjectKey(snapshotID, contentHash, relPath string) string {
	hashPart := contentHash
	if len(hashPart) > 16 {
		hashPart = hashPart[:16]
	}
	return fmt.Sprintf("objects/%s/%s/%s", snapshotID, hashPart, relPath)
}
