// Package orchestrator drives one sync run end to end: validate the source
// connection, stream entities through the worker pool into the processor,
// delete orphaned ledger entries on clean full runs, and publish the
// terminal job status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"driftsync.dev/processor"
	"driftsync.dev/progress"
	"driftsync.dev/runctx"
	"driftsync.dev/stream"
)

// Run executes the sync described by rc and returns the terminal job status
// alongside the error that ended the run, if any. The terminal status is
// always published, including on cancellation.
func Run(ctx context.Context, rc *runctx.Context) (string, error) {
	log := rc.Log
	log.Info("sync run starting")

	// finalize must outlive a cancelled run context
	finalizeCtx := context.WithoutCancel(ctx)

	if err := rc.Source.Validate(ctx); err != nil {
		err = fmt.Errorf("orchestrator: validate source %s: %w", rc.Source.Name(), err)
		rc.Progress.Finalize(finalizeCtx, progress.StatusFailed, err.Error())
		return progress.StatusFailed, err
	}

	results, err := rc.Source.GenerateEntities(ctx)
	if err != nil {
		err = fmt.Errorf("orchestrator: open stream from %s: %w", rc.Source.Name(), err)
		rc.Progress.Finalize(finalizeCtx, progress.StatusFailed, err.Error())
		return progress.StatusFailed, err
	}

	proc := processor.New(rc)
	pool := stream.NewPool(rc.MaxWorkers, log)

	runErr := pool.Run(ctx, results, proc.Process)
	switch {
	case runErr == nil:
		if err := deleteOrphans(ctx, rc, proc); err != nil {
			rc.Progress.Finalize(finalizeCtx, progress.StatusFailed, err.Error())
			return progress.StatusFailed, err
		}
		rc.Progress.Finalize(finalizeCtx, progress.StatusCompleted, "")
		snap := rc.Progress.Snapshot()
		log.WithFields(logrus.Fields{
			"inserted": snap.Inserted,
			"updated":  snap.Updated,
			"kept":     snap.Kept,
			"deleted":  snap.Deleted,
			"skipped":  snap.Skipped,
		}).Info("sync run completed")
		return progress.StatusCompleted, nil

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		log.Warn("sync run cancelled")
		rc.Progress.Finalize(finalizeCtx, progress.StatusCancelled, "")
		return progress.StatusCancelled, runErr

	default:
		log.WithError(runErr).Error("sync run failed")
		rc.Progress.Finalize(finalizeCtx, progress.StatusFailed, runErr.Error())
		return progress.StatusFailed, runErr
	}
}

// deleteOrphans removes ledger rows (and their destination records) for
// entities the upstream no longer lists. It only runs after a full,
// successful stream: a cancelled or incremental run has not seen the whole
// upstream, so absence proves nothing.
func deleteOrphans(ctx context.Context, rc *runctx.Context, proc *processor.Processor) error {
	if rc.Incremental {
		rc.Log.Debug("incremental run, orphan deletion skipped")
		return nil
	}

	known, err := rc.Ledger.ListEntityIDs(ctx, rc.SyncID)
	if err != nil {
		return fmt.Errorf("orchestrator: list ledger entities: %w", err)
	}
	observed := make(map[string]struct{})
	for _, id := range proc.ObservedIDs() {
		observed[id] = struct{}{}
	}

	for _, id := range known {
		if _, ok := observed[id]; ok {
			continue
		}
		for _, dest := range rc.Destinations {
			if err := dest.BulkDeleteByParentID(ctx, id, rc.SyncID); err != nil {
				return fmt.Errorf("orchestrator: delete orphan %s from %s: %w", id, dest.Name(), err)
			}
		}
		if err := rc.Ledger.Delete(ctx, rc.SyncID, id); err != nil {
			return fmt.Errorf("orchestrator: delete orphan ledger row %s: %w", id, err)
		}
		rc.Progress.Increment(ctx, progress.OpDeleted, "")
	}
	return nil
}
