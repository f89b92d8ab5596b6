package validation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/reconcile"
	"github.com/cartograph-io/cartographer/internal/storage"
)

type fakeDLQ struct {
	messages []kafka.Message
}

func (f *fakeDLQ) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)

	return nil
}

func (f *fakeDLQ) Close() error { return nil }

type fixture struct {
	worker   *Worker
	manifest *manifest.Manifest
	queue    *queue.Queue
	dlq      *fakeDLQ
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	man := manifest.New(rdb)
	q := queue.New(rdb, queue.Config{MaxRetries: 3})
	dlq := &fakeDLQ{}

	worker, err := NewWorker(Config{Brokers: []string{"localhost:9092"}}, man, q)
	require.NoError(t, err)
	worker.dlq = dlq

	require.NoError(t, man.SeedConfig(context.Background(), manifest.RunConfig{
		Version:    manifest.RunConfigVersion,
		RunID:      "run-1",
		RootPath:   "/repo",
		GraphJobID: "graph-1",
	}))

	return &fixture{worker: worker, manifest: man, queue: q, dlq: dlq}
}

func findingMessage(t *testing.T, evidenceID string) kafka.Message {
	t.Helper()

	value, err := json.Marshal(storage.FindingEvent{
		Version:          storage.FindingEventVersion,
		RunID:            "run-1",
		RelationshipHash: "hash-1",
		EvidenceID:       evidenceID,
	})
	require.NoError(t, err)

	return kafka.Message{Key: []byte("1"), Value: value}
}

func TestHandleDispatchesOnceAtExpectation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.manifest.SeedExpectation(ctx, "run-1", "hash-1", 2, ident.WorkerFile)
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-1")))

	depths, err := f.queue.Depth(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	assert.Zero(t, depths.Waiting)

	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-2")))

	depths, err = f.queue.Depth(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths.Waiting)

	// Replays past the expectation never dispatch again.
	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-2")))

	depths, err = f.queue.Depth(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths.Waiting)
}

// TestHandleRedeliveredEventDoesNotDispatch verifies the same finding event
// delivered twice counts once: a single evidence row can never satisfy an
// expectation of two on its own.
func TestHandleRedeliveredEventDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.manifest.SeedExpectation(ctx, "run-1", "hash-1", 2, ident.WorkerFile)
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-1")))
	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-1")))

	depths, err := f.queue.Depth(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	assert.Zero(t, depths.Waiting)

	// The genuinely distinct second evidence completes the expectation.
	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-2")))

	depths, err = f.queue.Depth(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths.Waiting)
}

func TestDispatchedJobCarriesPayloadAndParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The graph-build parent is waiting on one analysis child.
	require.NoError(t, f.queue.EnqueueParent(ctx, &queue.Job{
		ID: "graph-1", Queue: queue.GraphBuild, RunID: "run-1", Payload: json.RawMessage(`{}`),
	}, 1))

	_, err := f.manifest.SeedExpectation(ctx, "run-1", "hash-1", 1, ident.WorkerFile)
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-1")))

	job, err := f.queue.Dequeue(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	require.NotNil(t, job)

	var payload reconcile.Payload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "hash-1", payload.RelationshipHash)

	// Completing the reconcile job counts toward the graph-build gate.
	require.NoError(t, f.queue.Complete(ctx, job))

	state, err := f.queue.JobState(ctx, "graph-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaitingChildren, state)
}

func TestHandleMalformedEventDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.worker.Handle(ctx, kafka.Message{Value: []byte("not json")}))

	require.Len(t, f.dlq.messages, 1)
	assert.Equal(t, []byte("not json"), f.dlq.messages[0].Value)

	depths, err := f.queue.Depth(ctx, queue.ReconcileRelationship)
	require.NoError(t, err)
	assert.Zero(t, depths.Waiting)
}

func TestHandleMissingExpectationFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.worker.Handle(ctx, findingMessage(t, "ev-1")))

	status, err := f.manifest.RunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, status)
}

func TestNewWorkerRequiresBrokers(t *testing.T) {
	_, err := NewWorker(Config{}, nil, nil)
	require.Error(t, err)
}

// fakeReader feeds canned messages and cancels the run when drained.
type fakeReader struct {
	messages []kafka.Message
	commits  []kafka.Message
	cancel   context.CancelFunc
}

func (f *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(f.messages) == 0 {
		if f.cancel != nil {
			f.cancel()
		}

		return kafka.Message{}, context.Canceled
	}

	message := f.messages[0]
	f.messages = f.messages[1:]

	return message, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.commits = append(f.commits, msgs...)

	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestRunCommitsHandledEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)

	_, err := f.manifest.SeedExpectation(ctx, "run-1", "hash-1", 2, ident.WorkerFile)
	require.NoError(t, err)

	fr := &fakeReader{messages: []kafka.Message{findingMessage(t, "ev-1")}, cancel: cancel}
	f.worker.reader = fr

	require.NoError(t, f.worker.Run(ctx))
	assert.Len(t, fr.commits, 1)
}

// TestRunDoesNotCommitPastFailedEvent verifies an event whose handling keeps
// failing stops the worker with its offset uncommitted, so the group
// redelivers it instead of silently losing it.
func TestRunDoesNotCommitPastFailedEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	worker, err := NewWorker(Config{
		Brokers:       []string{"localhost:9092"},
		HandleRetries: 2,
		HandleBackoff: time.Millisecond,
	}, manifest.New(rdb), queue.New(rdb, queue.Config{MaxRetries: 3}))
	require.NoError(t, err)
	worker.dlq = &fakeDLQ{}

	fr := &fakeReader{messages: []kafka.Message{findingMessage(t, "ev-1")}}
	worker.reader = fr

	// The counting backend is gone; every handling attempt fails.
	mr.Close()

	err = worker.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, fr.commits)
}
