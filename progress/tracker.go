package progress

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// counterPublishThreshold is how many increments accumulate before the
	// counter channel gets a new snapshot.
	counterPublishThreshold = 3

	// statusLogInterval is how many operations pass between human-readable
	// status log lines.
	statusLogInterval = 50

	// stateMinInterval is the floor between state snapshots.
	stateMinInterval = 500 * time.Millisecond
)

// Publisher tracks run counters and pushes snapshots through a broker. A
// failed publish is logged and dropped; progress is advisory and must never
// fail a run.
type Publisher struct {
	broker Broker
	jobID  string
	log    *logrus.Entry

	mu          sync.Mutex
	counts      map[string]int64
	entityTypes map[string]map[string]int64
	typeTotals  map[string]int64
	pending     int
	sinceStatus int
	lastState   time.Time
	finalized   bool
}

// NewPublisher binds a publisher to one sync job.
func NewPublisher(broker Broker, jobID string, log *logrus.Entry) *Publisher {
	return &Publisher{
		broker:      broker,
		jobID:       jobID,
		log:         log,
		counts:      make(map[string]int64, len(Operations)),
		entityTypes: make(map[string]map[string]int64),
		typeTotals:  make(map[string]int64),
	}
}

// Increment records one operation against an entity type and publishes
// snapshots when their thresholds allow. Counters only ever grow.
func (p *Publisher) Increment(ctx context.Context, op, entityType string) {
	p.Add(ctx, op, entityType, 1)
}

// Add records n operations at once, used by the deletion pass.
func (p *Publisher) Add(ctx context.Context, op, entityType string, n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	p.counts[op] += n
	if entityType != "" {
		perType, ok := p.entityTypes[entityType]
		if !ok {
			perType = make(map[string]int64)
			p.entityTypes[entityType] = perType
		}
		perType[op] += n
		// absolute per-type totals track what the destinations hold now
		switch op {
		case OpInserted:
			p.typeTotals[entityType] += n
		case OpDeleted:
			p.typeTotals[entityType] -= n
			if p.typeTotals[entityType] <= 0 {
				delete(p.typeTotals, entityType)
			}
		}
	}
	p.pending += int(n)
	p.sinceStatus += int(n)

	var counterPayload, statePayload []byte
	var statusFields logrus.Fields
	if p.pending >= counterPublishThreshold {
		p.pending = 0
		counterPayload = p.counterPayloadLocked()
	}
	if p.sinceStatus >= statusLogInterval {
		p.sinceStatus = 0
		statusFields = logrus.Fields{
			"inserted": p.counts[OpInserted],
			"updated":  p.counts[OpUpdated],
			"kept":     p.counts[OpKept],
			"deleted":  p.counts[OpDeleted],
			"skipped":  p.counts[OpSkipped],
		}
	}
	now := time.Now()
	if now.Sub(p.lastState) >= stateMinInterval {
		p.lastState = now
		statePayload = p.statePayloadLocked(StatusRunning, "")
	}
	p.mu.Unlock()

	if statusFields != nil {
		p.log.WithFields(statusFields).Info("sync progress")
	}
	if counterPayload != nil {
		p.publish(ctx, CounterChannel(p.jobID), counterPayload)
	}
	if statePayload != nil {
		p.publish(ctx, StateChannel(p.jobID), statePayload)
	}
}

// Finalize flushes the counters and publishes the terminal state snapshot.
// It bypasses both thresholds and marks the publisher closed for increments.
func (p *Publisher) Finalize(ctx context.Context, status, errMsg string) {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	p.finalized = true
	counterPayload := p.counterPayloadLocked()
	statePayload := p.statePayloadLocked(status, errMsg)
	p.mu.Unlock()

	p.publish(ctx, CounterChannel(p.jobID), counterPayload)
	p.publish(ctx, StateChannel(p.jobID), statePayload)
}

// Snapshot returns the current absolute totals.
func (p *Publisher) Snapshot() StateSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StateSnapshot{
		SyncJobID:  p.jobID,
		JobStatus:  StatusRunning,
		Inserted:   p.counts[OpInserted],
		Updated:    p.counts[OpUpdated],
		Kept:       p.counts[OpKept],
		Deleted:    p.counts[OpDeleted],
		Skipped:    p.counts[OpSkipped],
		TypeTotals: maps.Clone(p.typeTotals),
	}
}

func (p *Publisher) counterPayloadLocked() []byte {
	snap := CounterSnapshot{
		SyncJobID:   p.jobID,
		Counts:      maps.Clone(p.counts),
		EntityTypes: make(map[string]map[string]int64, len(p.entityTypes)),
		Timestamp:   time.Now().UTC(),
	}
	for typ, perType := range p.entityTypes {
		snap.EntityTypes[typ] = maps.Clone(perType)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		p.log.WithError(err).Warn("encode counter snapshot")
		return nil
	}
	return raw
}

func (p *Publisher) statePayloadLocked(status, errMsg string) []byte {
	snap := StateSnapshot{
		SyncJobID:    p.jobID,
		JobStatus:    status,
		Inserted:     p.counts[OpInserted],
		Updated:      p.counts[OpUpdated],
		Kept:         p.counts[OpKept],
		Deleted:      p.counts[OpDeleted],
		Skipped:      p.counts[OpSkipped],
		TypeTotals:   maps.Clone(p.typeTotals),
		ErrorMessage: errMsg,
		Timestamp:    time.Now().UTC(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		p.log.WithError(err).Warn("encode state snapshot")
		return nil
	}
	return raw
}

func (p *Publisher) publish(ctx context.Context, channel string, payload []byte) {
	if payload == nil || p.broker == nil {
		return
	}
	if err := p.broker.Publish(ctx, channel, payload); err != nil {
		p.log.WithError(err).WithField("channel", channel).Warn("publish progress snapshot")
	}
}
