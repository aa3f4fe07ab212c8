package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger used by pipeline tests and local dry
// runs. It honors the same contract as the gorm implementation.
type MemoryLedger struct {
	mu   sync.RWMutex
	rows map[string]*Record // key: syncID + "\x00" + entityID
	next uint
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]*Record)}
}

func memKey(syncID, entityID string) string {
	return syncID + "\x00" + entityID
}

func (l *MemoryLedger) Get(_ context.Context, syncID, entityID string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.rows[memKey(syncID, entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *rec
	return &dup, nil
}

func (l *MemoryLedger) Create(_ context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	rec.ID = l.next
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	dup := *rec
	l.rows[memKey(rec.SyncID, rec.EntityID)] = &dup
	return nil
}

func (l *MemoryLedger) Update(_ context.Context, rec *Record, newHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.rows[memKey(rec.SyncID, rec.EntityID)]
	if !ok {
		return ErrNotFound
	}
	stored.Hash = newHash
	stored.SyncJobID = rec.SyncJobID
	stored.UpdatedAt = time.Now()
	rec.Hash = newHash
	return nil
}

func (l *MemoryLedger) Delete(_ context.Context, syncID, entityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, memKey(syncID, entityID))
	return nil
}

func (l *MemoryLedger) ListEntityIDs(_ context.Context, syncID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []string
	for _, rec := range l.rows {
		if rec.SyncID == syncID {
			ids = append(ids, rec.EntityID)
		}
	}
	return ids, nil
}

// Len reports the number of rows across all syncs.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}
