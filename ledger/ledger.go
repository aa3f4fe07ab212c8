// Package ledger persists the per-sync record of what has been synchronized.
// One row per (sync_id, entity_id) stores the content hash at the last
// successful persist, turning each run into a differential operation: the
// processor compares the current hash against the ledger row to decide
// between INSERT, UPDATE and KEEP, and the orchestrator's orphan pass uses
// the row set to detect entities that disappeared upstream.
//
// Write discipline: destination writes for an entity always precede its
// ledger write. A crash between the two leaves the entity looking new on the
// next run, which re-upserts it idempotently; the reverse order would risk
// data loss.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no ledger row exists for a (sync_id, entity_id).
var ErrNotFound = errors.New("ledger: record not found")

// Record is one ledger row.
type Record struct {
	ID             uint   `gorm:"primaryKey"`
	SyncID         string `gorm:"index:idx_sync_entity,unique;size:64"`
	EntityID       string `gorm:"index:idx_sync_entity,unique;size:512"`
	ParentEntityID string `gorm:"size:512"`
	Hash           string `gorm:"size:64"`
	SyncJobID      string `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ledger is the durable entity ledger consulted and mutated by the processor.
// Concurrent updates to the same row never happen: the processor's in-run
// dedup set guarantees at most one worker touches a given (sync_id, entity_id).
type Ledger interface {
	// Get returns the row for (syncID, entityID), or ErrNotFound.
	Get(ctx context.Context, syncID, entityID string) (*Record, error)

	// Create inserts a new row. The (syncID, entityID) pair must be unused.
	Create(ctx context.Context, rec *Record) error

	// Update replaces the stored hash of an existing row.
	Update(ctx context.Context, rec *Record, newHash string) error

	// Delete removes the row for (syncID, entityID). Deleting a missing row
	// is not an error.
	Delete(ctx context.Context, syncID, entityID string) error

	// ListEntityIDs returns every entity id with a row under syncID. The
	// orphan-deletion pass subtracts the observed set from this list.
	ListEntityIDs(ctx context.Context, syncID string) ([]string, error)
}
