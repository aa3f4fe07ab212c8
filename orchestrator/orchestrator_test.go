package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftsync.dev/dag"
	"driftsync.dev/destination"
	"driftsync.dev/embedding"
	"driftsync.dev/entity"
	"driftsync.dev/ledger"
	"driftsync.dev/progress"
	"driftsync.dev/runctx"
	"driftsync.dev/source"
	"driftsync.dev/transform"
)

// flakyMapper errors on entities whose flaky field is set, standing in for a
// transformer hitting a transient per-entity failure.
type flakyMapper struct{}

func (flakyMapper) Name() string { return "orch_test_flaky" }

func (flakyMapper) Apply(_ context.Context, e *entity.Entity) ([]*entity.Entity, error) {
	if e.Fields["flaky"] == true {
		return nil, errors.New("upstream hiccup")
	}
	return []*entity.Entity{e}, nil
}

func init() {
	transform.Register(flakyMapper{})
}

type captureBroker struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newCaptureBroker() *captureBroker {
	return &captureBroker{messages: make(map[string][][]byte)}
}

func (b *captureBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.messages[channel] = append(b.messages[channel], cp)
	return nil
}

func (b *captureBroker) Close() error { return nil }

func (b *captureBroker) lastState(t *testing.T, jobID string) progress.StateSnapshot {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages[progress.StateChannel(jobID)]
	require.NotEmpty(t, msgs)
	var snap progress.StateSnapshot
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &snap))
	return snap
}

// slowSource emits entities forever until cancelled.
type slowSource struct{}

func (slowSource) Name() string { return "slow" }

func (slowSource) Validate(_ context.Context) error { return nil }

func (slowSource) GenerateEntities(ctx context.Context) (<-chan source.Result, error) {
	out := make(chan source.Result)
	go func() {
		defer close(out)
		for i := 0; ; i++ {
			e := &entity.Entity{ID: entityID(i), Type: "issue", Fields: map[string]any{"n": i}}
			select {
			case out <- source.Result{Entity: e}:
			case <-ctx.Done():
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return out, nil
}

func entityID(i int) string {
	return "slow-" + string(rune('a'+i%26)) + "-" + time.Now().Format("150405.000000000")
}

type fixture struct {
	rc     *runctx.Context
	led    *ledger.MemoryLedger
	dest   *destination.MemoryDestination
	broker *captureBroker
}

func newFixture(t *testing.T, src source.Source) *fixture {
	t.Helper()
	router, err := dag.NewRouter(&dag.Graph{
		Nodes: []dag.Node{
			{ID: "src", Kind: dag.NodeSource, Name: src.Name()},
			{ID: "dest", Kind: dag.NodeDestination, Name: "memory"},
		},
		Edges: []dag.Edge{{FromID: "src", ToID: "dest"}},
	})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	broker := newCaptureBroker()
	led := ledger.NewMemoryLedger()
	dest := destination.NewMemoryDestination("col-1")
	require.NoError(t, dest.CreateIfMissing(context.Background()))

	return &fixture{
		rc: &runctx.Context{
			SyncID:       "sync-1",
			SyncJobID:    "job-1",
			UserID:       "user-1",
			Log:          logrus.NewEntry(log),
			Source:       src,
			SourceNodeID: "src",
			Router:       router,
			Destinations: []destination.Destination{dest},
			Ledger:       led,
			Embedder:     embedding.NewLocalModel(8),
			Sparse:       embedding.NewSparseEncoder(),
			Progress:     progress.NewPublisher(broker, "job-1", logrus.NewEntry(log)),
			MaxWorkers:   4,
		},
		led:    led,
		dest:   dest,
		broker: broker,
	}
}

func issues(ids ...string) []*entity.Entity {
	out := make([]*entity.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, &entity.Entity{ID: id, Type: "issue", Fields: map[string]any{"title": "t-" + id}})
	}
	return out
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b", "c")))

	status, err := Run(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, status)
	assert.Equal(t, 3, f.dest.Len())
	assert.Equal(t, 3, f.led.Len())

	last := f.broker.lastState(t, "job-1")
	assert.Equal(t, progress.StatusCompleted, last.JobStatus)
	assert.Equal(t, int64(3), last.Inserted)
}

func TestRerunIsIdempotent(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b")))
	_, err := Run(context.Background(), f.rc)
	require.NoError(t, err)

	// same upstream, fresh run
	f.rc.Source = source.NewInline(issues("a", "b"))
	f.rc.Progress = progress.NewPublisher(f.broker, "job-2", f.rc.Log)
	f.rc.SyncJobID = "job-2"
	status, err := Run(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, status)

	last := f.broker.lastState(t, "job-2")
	assert.Equal(t, int64(2), last.Kept)
	assert.Zero(t, last.Inserted)
	assert.Equal(t, 2, f.dest.Len())
}

func TestOrphanDeletion(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b")))
	_, err := Run(context.Background(), f.rc)
	require.NoError(t, err)

	// b disappeared upstream
	f.rc.Source = source.NewInline(issues("a"))
	f.rc.Progress = progress.NewPublisher(f.broker, "job-2", f.rc.Log)
	status, err := Run(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, status)

	assert.Equal(t, 1, f.led.Len())
	assert.Equal(t, 1, f.dest.Len())
	_, err = f.led.Get(context.Background(), "sync-1", "b")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, int64(1), f.broker.lastState(t, "job-2").Deleted)
}

func TestSkippedEntityIsNotAnOrphan(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b")))
	_, err := Run(context.Background(), f.rc)
	require.NoError(t, err)

	// b is still upstream but its changed payload trips the transformer
	changed := issues("a", "b")
	changed[1].Fields["title"] = "t-b-v2"
	changed[1].Fields["flaky"] = true
	router, err := dag.NewRouter(&dag.Graph{
		Nodes: []dag.Node{
			{ID: "src", Kind: dag.NodeSource, Name: "inline"},
			{ID: "guard", Kind: dag.NodeTransformer, Name: "orch_test_flaky"},
			{ID: "dest", Kind: dag.NodeDestination, Name: "memory"},
		},
		Edges: []dag.Edge{
			{FromID: "src", ToID: "guard"},
			{FromID: "guard", ToID: "dest"},
		},
	})
	require.NoError(t, err)
	f.rc.Router = router
	f.rc.Source = source.NewInline(changed)
	f.rc.Progress = progress.NewPublisher(f.broker, "job-2", f.rc.Log)

	status, err := Run(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, status)

	assert.Equal(t, 2, f.led.Len(), "a skipped entity keeps its ledger row")
	assert.Equal(t, 2, f.dest.Len(), "a skipped entity keeps its destination records")
	_, err = f.led.Get(context.Background(), "sync-1", "b")
	assert.NoError(t, err)
	assert.Zero(t, f.broker.lastState(t, "job-2").Deleted)
}

func TestIncrementalRunSkipsOrphanDeletion(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b")))
	_, err := Run(context.Background(), f.rc)
	require.NoError(t, err)

	f.rc.Source = source.NewInline(issues("a"))
	f.rc.Progress = progress.NewPublisher(f.broker, "job-2", f.rc.Log)
	f.rc.Incremental = true
	_, err = Run(context.Background(), f.rc)
	require.NoError(t, err)

	assert.Equal(t, 2, f.led.Len(), "cursor run never treats unseen entities as deleted")
	assert.Equal(t, 2, f.dest.Len())
}

func TestDestinationFailureFailsRun(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b")))
	f.dest.FailInsert = errors.New("connection refused")

	status, err := Run(context.Background(), f.rc)
	require.Error(t, err)
	assert.Equal(t, progress.StatusFailed, status)

	last := f.broker.lastState(t, "job-1")
	assert.Equal(t, progress.StatusFailed, last.JobStatus)
	assert.Contains(t, last.ErrorMessage, "connection refused")
}

func TestCancellationPublishesCancelledState(t *testing.T) {
	f := newFixture(t, slowSource{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var status string
	var err error
	go func() {
		status, err = Run(ctx, f.rc)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.Error(t, err)
	assert.Equal(t, progress.StatusCancelled, status)
	assert.Equal(t, progress.StatusCancelled, f.broker.lastState(t, "job-1").JobStatus)
}

func TestCancelledRunNeverDeletes(t *testing.T) {
	f := newFixture(t, source.NewInline(issues("a", "b")))
	_, err := Run(context.Background(), f.rc)
	require.NoError(t, err)

	// cancel before the empty rerun can stream anything
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.rc.Source = source.NewInline(nil)
	f.rc.Progress = progress.NewPublisher(f.broker, "job-2", f.rc.Log)
	status, _ := Run(ctx, f.rc)

	assert.Equal(t, progress.StatusCancelled, status)
	assert.Equal(t, 2, f.led.Len(), "cancelled runs keep the ledger intact")
}
