package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openmined/dirvault/internal/blob"
)

const (
	manifestPrefix    = "manifests/"
	currentPointerKey = "manifests/current"
	manifestExt       = ".json"
)

// currentPointer is the single mutable object in the store layout. Everything
// else under the target prefix is immutable once written.
type currentPointer struct {
	SnapshotID string    `json:"snapshot_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists manifests on a blob backend under a target prefix. It is
// the sole owner of persisted snapshot state: one immutable object per
// manifest plus a "current" pointer advanced only after the manifest object
// is durably written.
type Store struct {
	client blob.Client
	prefix string
}

func NewStore(client blob.Client, prefix string) *Store {
	return &Store{client: client, prefix: strings.Trim(prefix, "/")}
}

// Key resolves a store-relative key to the full remote key.
func (s *Store) Key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Store) manifestKey(snapshotID string) string {
	return s.Key(manifestPrefix + snapshotID + manifestExt)
}

// Save writes the manifest object, then advances the current pointer. A crash
// between the two writes leaves the pointer on the previous snapshot and the
// new manifest object orphaned, never a pointer to a partial manifest.
func (s *Store) Save(ctx context.Context, m *Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	manifestKey := s.manifestKey(m.SnapshotID)
	if _, err := s.client.PutObject(ctx, &blob.PutObjectParams{
		Key:  manifestKey,
		Body: bytes.NewReader(data),
		Size: int64(len(data)),
	}); err != nil {
		return "", fmt.Errorf("write manifest %s: %w", manifestKey, err)
	}

	ptr := currentPointer{SnapshotID: m.SnapshotID, UpdatedAt: time.Now().UTC()}
	ptrData, err := json.Marshal(ptr)
	if err != nil {
		return "", fmt.Errorf("marshal pointer: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &blob.PutObjectParams{
		Key:  s.Key(currentPointerKey),
		Body: bytes.NewReader(ptrData),
		Size: int64(len(ptrData)),
	}); err != nil {
		return "", fmt.Errorf("advance current pointer: %w", err)
	}

	slog.Debug("manifest saved", "snapshot", m.SnapshotID, "records", len(m.Records))
	return m.SnapshotID, nil
}

// Load reads one manifest by snapshot id. An unreadable or undecodable
// manifest is reported as ErrManifestCorrupt.
func (s *Store) Load(ctx context.Context, snapshotID string) (*Manifest, error) {
	m, err := s.loadManifestObject(ctx, s.manifestKey(snapshotID))
	if err != nil {
		if errors.Is(err, blob.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: snapshot %s missing", ErrManifestCorrupt, snapshotID)
		}
		return nil, err
	}
	return m, nil
}

// LoadCurrent resolves the current pointer and loads the manifest it
// references. A missing pointer means no prior state and returns (nil, nil);
// a pointer or manifest that exists but cannot be decoded returns
// ErrManifestCorrupt.
func (s *Store) LoadCurrent(ctx context.Context) (*Manifest, error) {
	resp, err := s.client.GetObject(ctx, s.Key(currentPointerKey))
	if err != nil {
		if errors.Is(err, blob.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read current pointer: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read current pointer: %w", err)
	}

	var ptr currentPointer
	if err := json.Unmarshal(data, &ptr); err != nil || ptr.SnapshotID == "" {
		return nil, fmt.Errorf("%w: undecodable current pointer", ErrManifestCorrupt)
	}

	return s.Load(ctx, ptr.SnapshotID)
}

// History lists all committed snapshots, newest first.
func (s *Store) History(ctx context.Context) ([]*Snapshot, error) {
	objects, err := s.client.ListObjects(ctx, s.Key(manifestPrefix))
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	var snapshots []*Snapshot
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, manifestExt) {
			continue
		}
		m, err := s.loadManifestObject(ctx, obj.Key)
		if err != nil {
			slog.Warn("skipping unreadable manifest", "key", obj.Key, "error", err)
			continue
		}
		snapshots = append(snapshots, &Snapshot{
			SnapshotID:       m.SnapshotID,
			PreviousSnapshot: m.PreviousSnapshot,
			CreatedAt:        m.CreatedAt,
			FileCount:        len(m.Records),
			TotalSize:        m.TotalSize(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// DeleteManifest removes one snapshot's manifest object. Only the retention
// pruner calls this.
func (s *Store) DeleteManifest(ctx context.Context, snapshotID string) error {
	_, err := s.client.DeleteObject(ctx, s.manifestKey(snapshotID))
	return err
}

func (s *Store) loadManifestObject(ctx context.Context, key string) (*Manifest, error) {
	resp, err := s.client.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", key, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil || m.SnapshotID == "" {
		return nil, fmt.Errorf("%w: %s", ErrManifestCorrupt, key)
	}
	if m.Records == nil {
		m.Records = make(map[string]*FileRecord)
	}
	return &m, nil
}
