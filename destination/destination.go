// Package destination defines the vector-store adapter contract and the
// short-name registry for onboarding new stores. Destinations persist
// vector+payload records keyed by the entity's durable id (a UUIDv5 of
// sync_id and entity_id), and every payload carries sync_id and, for chunked
// documents, parent_entity_id, so both can be filtered on.
package destination

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"driftsync.dev/entity"
)

// Record is the stored payload shape shared by all adapters.
type Record struct {
	ID             string         `json:"id"`
	EntityID       string         `json:"entity_id"`
	SyncID         string         `json:"sync_id"`
	ParentEntityID string         `json:"parent_entity_id,omitempty"`
	EntityType     string         `json:"entity_type"`
	Payload        map[string]any `json:"payload"`
	Vector         []float32      `json:"vector"`
	SparseVector   map[string]float64 `json:"sparse_vector,omitempty"`
	ChunkIndex     int            `json:"chunk_index,omitempty"`
	StoredAt       time.Time      `json:"stored_at"`
}

// SearchHit is one nearest-neighbor result.
type SearchHit struct {
	Record *Record
	Score  float64
}

// Destination is the vector-store contract used by the sync plane (bulk
// operations) and the search plane (Search).
type Destination interface {
	// Name returns the adapter's registry short name.
	Name() string

	// CreateIfMissing connects and creates the backing collection when it
	// does not exist. Idempotent.
	CreateIfMissing(ctx context.Context) error

	// BulkInsert upserts records for the given entities, keyed by the
	// durable per-record id.
	BulkInsert(ctx context.Context, ents []*entity.Entity) error

	// BulkDelete removes records by explicit entity ids, scoped to syncID.
	BulkDelete(ctx context.Context, entityIDs []string, syncID string) error

	// BulkDeleteByParentID removes all children of parentID within syncID.
	// The UPDATE path deletes by parent before re-inserting so readers never
	// observe a mixed chunk set.
	BulkDeleteByParentID(ctx context.Context, parentID, syncID string) error

	// Search returns the nearest neighbors of the query vector.
	Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
}

// Factory constructs a destination bound to one collection.
type Factory func(collectionID string, cfg map[string]any) (Destination, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an adapter factory under its short name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("destination: duplicate registration of %q", name))
	}
	registry[name] = factory
}

// New constructs the adapter registered under name.
func New(name, collectionID string, cfg map[string]any) (Destination, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("destination: unknown destination %q", name)
	}
	return factory(collectionID, cfg)
}

// Names returns the sorted short names of all registered adapters.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordFromEntity projects an entity into the stored payload shape.
func RecordFromEntity(e *entity.Entity, syncID string) *Record {
	payload := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		payload[k] = v
	}
	if e.File != nil {
		payload["file_name"] = e.File.Name
		payload["mime_type"] = e.File.MimeType
		payload["size"] = e.File.Size
	}
	return &Record{
		ID:             e.DestinationKey(syncID).String(),
		EntityID:       e.ID,
		SyncID:         syncID,
		ParentEntityID: e.ParentID,
		EntityType:     e.Type,
		Payload:        payload,
		Vector:         e.Vector,
		SparseVector:   e.SparseVector,
		ChunkIndex:     e.ChunkIndex,
		StoredAt:       time.Now().UTC(),
	}
}

// CosineSimilarity scores two vectors; mismatched widths score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankBySimilarity is the shared brute-force scorer used by the local
// adapters.
func rankBySimilarity(records []*Record, vector []float32, limit int) []SearchHit {
	hits := make([]SearchHit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, SearchHit{Record: rec, Score: CosineSimilarity(vector, rec.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
