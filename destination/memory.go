package destination

import (
	"context"
	"sync"

	"driftsync.dev/entity"
)

// Call records one bulk operation against a MemoryDestination, in arrival
// order. Tests assert on this to verify write ordering.
type Call struct {
	Op        string
	EntityIDs []string
	ParentID  string
	SyncID    string
}

// MemoryDestination is an in-process adapter used in tests and dry runs.
type MemoryDestination struct {
	collectionID string

	mu      sync.RWMutex
	created bool
	records map[string]*Record
	calls   []Call

	// FailInsert, when set, makes BulkInsert return the error. Lets tests
	// exercise the destination-failure path.
	FailInsert error
}

// NewMemoryDestination returns an empty in-process destination.
func NewMemoryDestination(collectionID string) *MemoryDestination {
	return &MemoryDestination{
		collectionID: collectionID,
		records:      make(map[string]*Record),
	}
}

func init() {
	Register("memory", func(collectionID string, _ map[string]any) (Destination, error) {
		return NewMemoryDestination(collectionID), nil
	})
}

func (d *MemoryDestination) Name() string { return "memory" }

func (d *MemoryDestination) CreateIfMissing(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = true
	return nil
}

func (d *MemoryDestination) BulkInsert(ctx context.Context, ents []*entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailInsert != nil {
		return d.FailInsert
	}
	ids := make([]string, 0, len(ents))
	var syncID string
	for _, e := range ents {
		syncID = e.System.SyncID
		rec := RecordFromEntity(e, syncID)
		d.records[rec.ID] = rec
		ids = append(ids, e.ID)
	}
	d.calls = append(d.calls, Call{Op: "insert", EntityIDs: ids, SyncID: syncID})
	return nil
}

func (d *MemoryDestination) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	for key, rec := range d.records {
		if rec.SyncID != syncID {
			continue
		}
		if _, ok := want[rec.EntityID]; ok {
			delete(d.records, key)
		}
	}
	d.calls = append(d.calls, Call{Op: "delete", EntityIDs: entityIDs, SyncID: syncID})
	return nil
}

func (d *MemoryDestination) BulkDeleteByParentID(ctx context.Context, parentID, syncID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, rec := range d.records {
		if rec.SyncID != syncID {
			continue
		}
		if rec.ParentEntityID == parentID || rec.EntityID == parentID {
			delete(d.records, key)
		}
	}
	d.calls = append(d.calls, Call{Op: "delete_by_parent", ParentID: parentID, SyncID: syncID})
	return nil
}

func (d *MemoryDestination) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	records := make([]*Record, 0, len(d.records))
	for _, rec := range d.records {
		records = append(records, rec)
	}
	return rankBySimilarity(records, vector, limit), nil
}

// Len reports the number of stored records.
func (d *MemoryDestination) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Calls returns a copy of the recorded operation log.
func (d *MemoryDestination) Calls() []Call {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Records returns a copy of every stored record, in no particular order.
func (d *MemoryDestination) Records() []*Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	return out
}

// Get returns the stored record for a destination key, or nil.
func (d *MemoryDestination) Get(id string) *Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.records[id]
}
