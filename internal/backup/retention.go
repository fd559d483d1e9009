package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

// Policy is a set of named retention classes with counts: keep the newest
// snapshot of each of the last N days, M ISO weeks, K months. A zero count
// disables that class.
type Policy struct {
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
}

// Empty reports whether no class retains anything.
func (p *Policy) Empty() bool {
	return p == nil || (p.Daily <= 0 && p.Weekly <= 0 && p.Monthly <= 0)
}

// LoadPolicyFile reads a Policy from a YAML file.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return &p, nil
}

// PrunePlan partitions a snapshot history into retained snapshots and
// deletion candidates.
type PrunePlan struct {
	Keep   []*Snapshot
	Delete []*Snapshot
}

type retentionClass struct {
	name   string
	count  int
	bucket func(time.Time) string
}

func (p *Policy) classes() []retentionClass {
	return []retentionClass{
		{name: "daily", count: p.Daily, bucket: func(t time.Time) string {
			return t.UTC().Format("2006-01-02")
		}},
		{name: "weekly", count: p.Weekly, bucket: func(t time.Time) string {
			year, week := t.UTC().ISOWeek()
			return fmt.Sprintf("%04d-W%02d", year, week)
		}},
		{name: "monthly", count: p.Monthly, bucket: func(t time.Time) string {
			return t.UTC().Format("2006-01")
		}},
	}
}

// Plan selects retained snapshots. For each class, walking the history from
// newest to oldest, the first snapshot seen in each bucket is that bucket's
// representative; representatives are kept up to the class count. Snapshots
// selected by no class are deletion candidates. The newest snapshot is
// always retained so history never drops to zero.
func (p *Policy) Plan(history []*Snapshot) *PrunePlan {
	plan := &PrunePlan{}
	if len(history) == 0 {
		return plan
	}

	// History newest first.
	keep := mapset.NewSet[string]()

	// The sole-survivor invariant: the newest snapshot stays regardless of
	// class counts. It is also what the current pointer references.
	keep.Add(history[0].SnapshotID)

	for _, class := range p.classes() {
		if class.count <= 0 {
			continue
		}
		buckets := mapset.NewSet[string]()
		for _, snap := range history {
			bucket := class.bucket(snap.CreatedAt)
			if buckets.Contains(bucket) {
				continue
			}
			if buckets.Cardinality() >= class.count {
				break
			}
			buckets.Add(bucket)
			keep.Add(snap.SnapshotID)
		}
	}

	for _, snap := range history {
		if keep.Contains(snap.SnapshotID) {
			plan.Keep = append(plan.Keep, snap)
		} else {
			plan.Delete = append(plan.Delete, snap)
		}
	}
	return plan
}

// PruneEntry reports the result of pruning one snapshot.
type PruneEntry struct {
	SnapshotID     string `json:"snapshot_id"`
	DeletedObjects int    `json:"deleted_object_count"`
}

// Pruner executes retention plans against the store. It never deletes an
// object still reachable from a retained snapshot's manifest, and it runs
// only against committed history.
type Pruner struct {
	client clientDeleter
	store  *Store
}

// clientDeleter is the slice of blob.Client the pruner needs.
type clientDeleter interface {
	DeleteObject(ctx context.Context, key string) (bool, error)
}

func NewPruner(client clientDeleter, store *Store) *Pruner {
	return &Pruner{client: client, store: store}
}

// Prune computes and executes (or, with dryRun, only reports) the retention
// plan for the target's history. Unsafe deletions are skipped and logged,
// never escalated: a failed snapshot prune does not abort the rest.
func (p *Pruner) Prune(ctx context.Context, policy *Policy, dryRun bool) ([]PruneEntry, error) {
	history, err := p.store.History(ctx)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrNoHistory
	}

	plan := policy.Plan(history)
	if len(plan.Delete) == 0 {
		return nil, nil
	}

	// Reachability set: every remote key referenced by any retained
	// manifest. Unchanged files carry their record (and key) forward across
	// snapshots, so an object written under an old snapshot can still be
	// live in a newer manifest.
	reachable := mapset.NewSet[string]()
	for _, snap := range plan.Keep {
		m, err := p.store.Load(ctx, snap.SnapshotID)
		if err != nil {
			// If any retained manifest cannot be read the reachability set
			// is incomplete and no delete is safe.
			return nil, fmt.Errorf("load retained manifest %s: %w", snap.SnapshotID, err)
		}
		for _, rec := range m.Records {
			reachable.Add(rec.RemoteKey)
		}
	}

	// Objects can be shared between deletion candidates too; count and
	// delete each key once.
	handled := mapset.NewSet[string]()

	var entries []PruneEntry
	for _, snap := range plan.Delete {
		m, err := p.store.Load(ctx, snap.SnapshotID)
		if err != nil {
			slog.Warn("retention unsafe: unreadable manifest, skipping snapshot",
				"snapshot", snap.SnapshotID, "error", err)
			continue
		}

		entry := PruneEntry{SnapshotID: snap.SnapshotID}
		for _, rec := range m.Records {
			if reachable.Contains(rec.RemoteKey) || handled.Contains(rec.RemoteKey) {
				continue
			}
			handled.Add(rec.RemoteKey)
			entry.DeletedObjects++
			if dryRun {
				continue
			}
			if _, err := p.client.DeleteObject(ctx, rec.RemoteKey); err != nil {
				slog.Warn("retention delete failed", "key", rec.RemoteKey, "error", err)
			}
		}

		if !dryRun {
			if err := p.store.DeleteManifest(ctx, snap.SnapshotID); err != nil {
				slog.Warn("retention manifest delete failed",
					"snapshot", snap.SnapshotID, "error", err)
				continue
			}
			slog.Info("snapshot pruned", "snapshot", snap.SnapshotID, "objects", entry.DeletedObjects)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
