// Package processor implements the per-entity decision pipeline: enrich,
// deduplicate, hash, compare against the ledger, then keep, insert or update.
// Entity-local failures (transformer errors, embedding failures, unhashable
// input) are counted as skipped and never stop the run; infrastructure
// failures (destination writes, ledger access) are fatal and abort it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"driftsync.dev/entity"
	"driftsync.dev/ledger"
	"driftsync.dev/progress"
	"driftsync.dev/runctx"
	"driftsync.dev/stream"
)

// Processor applies the pipeline to every streamed entity of one run. Safe
// for concurrent use by the stream's workers.
type Processor struct {
	rc      *runctx.Context
	helpers *stream.HelperPool

	mu       sync.Mutex
	seen     map[string]struct{}
	observed map[string]struct{}
}

// New builds a processor for one run context.
func New(rc *runctx.Context) *Processor {
	helpers := rc.Helpers
	if helpers == nil {
		helpers = stream.Helpers()
	}
	return &Processor{
		rc:       rc,
		helpers:  helpers,
		seen:     make(map[string]struct{}),
		observed: make(map[string]struct{}),
	}
}

// Process handles one entity. Its signature matches stream.ProcessFunc: a
// non-nil return aborts the run.
func (p *Processor) Process(ctx context.Context, e *entity.Entity) error {
	rc := p.rc
	e.System.SourceName = rc.Source.Name()
	e.System.SyncID = rc.SyncID
	e.System.SyncJobID = rc.SyncJobID

	// every streamed id counts as upstream, skipped or not, so the orphan
	// pass only ever deletes entities the source no longer emits
	p.markObserved(e.ID)

	if e.System.ShouldSkip {
		rc.Log.WithField("entity_id", e.ID).Debug("source flagged entity as skipped")
		rc.Progress.Increment(ctx, progress.OpSkipped, e.Type)
		return nil
	}

	if !p.admit(e) {
		// a second in-run emission of the same (type, id) is dropped without
		// touching the counters
		rc.Log.WithField("entity_id", e.ID).Debug("duplicate entity in stream")
		return nil
	}

	var hash string
	var hashErr error
	if err := p.helpers.Do(ctx, func() { hash, hashErr = e.Hash() }); err != nil {
		return err
	}
	if hashErr != nil {
		rc.Log.WithError(hashErr).WithField("entity_id", e.ID).Warn("entity not hashable, skipping")
		rc.Progress.Increment(ctx, progress.OpSkipped, e.Type)
		return nil
	}

	rec, err := rc.Ledger.Get(ctx, rc.SyncID, e.ID)
	switch {
	case err == nil:
		if rec.Hash == hash {
			rc.Progress.Increment(ctx, progress.OpKept, e.Type)
			return nil
		}
		return p.update(ctx, e, rec, hash)
	case errors.Is(err, ledger.ErrNotFound):
		return p.insert(ctx, e, hash)
	default:
		return fmt.Errorf("processor: ledger lookup for %s: %w", e.ID, err)
	}
}

// admit records the (type, id) pair and reports whether it is new this run.
func (p *Processor) admit(e *entity.Entity) bool {
	key := e.Type + "\x00" + e.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}
	return true
}

func (p *Processor) markObserved(entityID string) {
	p.mu.Lock()
	p.observed[entityID] = struct{}{}
	p.mu.Unlock()
}

// ObservedIDs returns every entity id seen upstream this run, in no
// particular order. The orphan pass subtracts this from the ledger.
func (p *Processor) ObservedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.observed))
	for id := range p.observed {
		ids = append(ids, id)
	}
	return ids
}

func (p *Processor) insert(ctx context.Context, e *entity.Entity, hash string) error {
	rc := p.rc
	reached, ok, err := p.prepare(ctx, e)
	if err != nil || !ok {
		return err
	}

	for _, dest := range rc.Destinations {
		if err := dest.BulkInsert(ctx, reached); err != nil {
			return fmt.Errorf("processor: insert %s into %s: %w", e.ID, dest.Name(), err)
		}
	}
	if err := rc.Ledger.Create(ctx, &ledger.Record{
		SyncID:         rc.SyncID,
		EntityID:       e.ID,
		ParentEntityID: e.ParentID,
		Hash:           hash,
		SyncJobID:      rc.SyncJobID,
	}); err != nil {
		return fmt.Errorf("processor: ledger create for %s: %w", e.ID, err)
	}
	rc.Progress.Increment(ctx, progress.OpInserted, e.Type)
	return nil
}

func (p *Processor) update(ctx context.Context, e *entity.Entity, rec *ledger.Record, hash string) error {
	rc := p.rc
	reached, ok, err := p.prepare(ctx, e)
	if err != nil || !ok {
		return err
	}

	// delete the previous record set first so stale chunks from a shorter
	// earlier version cannot survive the re-insert
	for _, dest := range rc.Destinations {
		if err := dest.BulkDeleteByParentID(ctx, e.ID, rc.SyncID); err != nil {
			return fmt.Errorf("processor: clear %s in %s: %w", e.ID, dest.Name(), err)
		}
		if err := dest.BulkInsert(ctx, reached); err != nil {
			return fmt.Errorf("processor: update %s in %s: %w", e.ID, dest.Name(), err)
		}
	}
	if err := rc.Ledger.Update(ctx, rec, hash); err != nil {
		return fmt.Errorf("processor: ledger update for %s: %w", e.ID, err)
	}
	rc.Progress.Increment(ctx, progress.OpUpdated, e.Type)
	return nil
}

// prepare routes the entity through the graph and embeds whatever reached a
// destination. ok is false when the entity was skipped; err is only set for
// run-fatal conditions.
func (p *Processor) prepare(ctx context.Context, e *entity.Entity) (reached []*entity.Entity, ok bool, err error) {
	rc := p.rc

	reached, err = rc.Router.ProcessEntity(ctx, rc.SourceNodeID, e)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		rc.Log.WithError(err).WithField("entity_id", e.ID).Warn("transform failed, skipping entity")
		rc.Progress.Increment(ctx, progress.OpSkipped, e.Type)
		return nil, false, nil
	}
	if len(reached) == 0 {
		rc.Log.WithField("entity_id", e.ID).Debug("no destination matched entity type")
		rc.Progress.Increment(ctx, progress.OpSkipped, e.Type)
		return nil, false, nil
	}

	// derived records carry the run identity and link back to the entity
	// they came from, so an update can clear every previous version through
	// one parent id
	for _, child := range reached {
		child.System.SourceName = e.System.SourceName
		child.System.SyncID = rc.SyncID
		child.System.SyncJobID = rc.SyncJobID
		if child.ParentID == "" && child.ID != e.ID {
			child.ParentID = e.ID
		}
	}

	if err := p.embed(ctx, reached); err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		rc.Log.WithError(err).WithField("entity_id", e.ID).Warn("embedding failed, skipping entity")
		rc.Progress.Increment(ctx, progress.OpSkipped, e.Type)
		return nil, false, nil
	}
	return reached, true, nil
}

// embed assigns dense and sparse vectors to every routed entity in one
// batched model call.
func (p *Processor) embed(ctx context.Context, ents []*entity.Entity) error {
	rc := p.rc
	if rc.Embedder == nil {
		return nil
	}
	texts := make([]string, len(ents))
	if err := p.helpers.Do(ctx, func() {
		for i, e := range ents {
			texts[i] = e.EmbeddableText()
		}
	}); err != nil {
		return err
	}
	vectors, err := rc.Embedder.EmbedMany(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(ents) {
		return fmt.Errorf("processor: embedder returned %d vectors for %d entities", len(vectors), len(ents))
	}
	return p.helpers.Do(ctx, func() {
		for i, e := range ents {
			e.Vector = vectors[i]
			if rc.Sparse != nil && texts[i] != "" {
				e.SparseVector = rc.Sparse.Encode(texts[i])
			}
		}
	})
}
