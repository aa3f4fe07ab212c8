// Package progress publishes live sync-run feedback over a message broker.
// Two channels exist per job: sync_job:<id> carries frequent counter
// snapshots for activity feeds, sync_job_state:<id> carries rate-limited
// absolute state for dashboards that only need the latest totals.
package progress

import (
	"context"
	"time"
)

// Job status values carried on the state channel.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
)

// Operation names matching the counter keys in published snapshots.
const (
	OpInserted = "inserted"
	OpUpdated  = "updated"
	OpKept     = "kept"
	OpDeleted  = "deleted"
	OpSkipped  = "skipped"
)

// Operations lists the counter keys in canonical order.
var Operations = []string{OpInserted, OpUpdated, OpKept, OpDeleted, OpSkipped}

// Broker delivers a payload to every subscriber of a channel. Implementations
// must be safe for concurrent use.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// CounterChannel names the high-frequency counter channel for a job.
func CounterChannel(jobID string) string { return "sync_job:" + jobID }

// StateChannel names the rate-limited state channel for a job.
func StateChannel(jobID string) string { return "sync_job_state:" + jobID }

// CounterSnapshot is the payload published on sync_job:<id>.
type CounterSnapshot struct {
	SyncJobID   string                      `json:"sync_job_id"`
	Counts      map[string]int64            `json:"counts"`
	EntityTypes map[string]map[string]int64 `json:"entity_types,omitempty"`
	Timestamp   time.Time                   `json:"timestamp"`
}

// StateSnapshot is the payload published on sync_job_state:<id>. Totals are
// absolute, so consumers can pick up mid-run without replaying deltas.
// TypeTotals tracks how many records of each entity type the destinations
// currently hold: inserts grow it, deletions shrink it, updates leave it.
type StateSnapshot struct {
	SyncJobID    string           `json:"sync_job_id"`
	JobStatus    string           `json:"job_status"`
	Inserted     int64            `json:"total_inserted"`
	Updated      int64            `json:"total_updated"`
	Kept         int64            `json:"total_kept"`
	Deleted      int64            `json:"total_deleted"`
	Skipped      int64            `json:"total_skipped"`
	TypeTotals   map[string]int64 `json:"entity_type_totals,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Total sums the operation counters.
func (s *StateSnapshot) Total() int64 {
	return s.Inserted + s.Updated + s.Kept + s.Deleted + s.Skipped
}
