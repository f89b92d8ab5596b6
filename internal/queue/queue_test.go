package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) (*miniredis.Miniredis, *Queue) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = time.Minute
	}

	return mr, New(rdb, cfg)
}

func testJob(id, queueName string) *Job {
	return &Job{
		ID:      id,
		Queue:   queueName,
		RunID:   "run-1",
		Payload: json.RawMessage(`{"file_path":"a.js"}`),
	}
}

func TestEnqueueDequeueComplete(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))

	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, 1, job.Attempt)

	state, err := q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	require.NoError(t, q.Complete(ctx, job))

	state, err = q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	// Queue empty afterwards.
	job, err = q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))
	require.NoError(t, q.Enqueue(ctx, testJob("job-2", FileAnalysis)))

	first, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	assert.Equal(t, "job-1", first.ID)

	second, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	assert.Equal(t, "job-2", second.ID)
}

func TestPausedQueueWithholdsDelivery(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	require.NoError(t, q.Pause(ctx, FileAnalysis))
	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))

	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, q.Resume(ctx, FileAnalysis))

	job, err = q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
}

func TestDelayedDelivery(t *testing.T) {
	ctx := context.Background()
	mr, q := newTestQueue(t, Config{})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis), WithDelay(time.Minute)))

	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	assert.Nil(t, job)

	state, err := q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	// miniredis time is frozen; the score comparison uses wall-clock millis
	// passed by the client, so advancing wall time is simulated by waiting
	// for the ready-at to pass relative to a short delay instead.
	_ = mr

	// Re-enqueue with a delay that is already due.
	require.NoError(t, q.Enqueue(ctx, testJob("job-2", FileAnalysis), WithDelay(-time.Second)))

	job, err = q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-2", job.ID)
}

func TestRetryWithBackoffThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{MaxRetries: 2, BackoffBase: -time.Second})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))

	// First delivery fails retryably: job returns to the delayed set. The
	// negative backoff makes it immediately due again.
	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, job, errors.New("llm timeout")))

	state, err := q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	// Second delivery: attempt reaches MaxRetries, so failing dead-letters.
	job, err = q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)
	require.NoError(t, q.Fail(ctx, job, errors.New("llm timeout")))

	state, err = q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, state)

	n, err := q.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	dead, err := q.DeadLetterJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-1", dead[0].ID)
	assert.Equal(t, FileAnalysis, dead[0].Queue)
	assert.Equal(t, "llm timeout", dead[0].Error)
}

func TestFatalErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{MaxRetries: 5})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))

	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, Fatal(errors.New("file disappeared"))))

	state, err := q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, state)
}

// TestParentGating verifies the dependency-gated finalizer: the parent only
// becomes deliverable once every declared child has completed.
func TestParentGating(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	parent := testJob("parent-1", GraphBuild)
	require.NoError(t, q.EnqueueParent(ctx, parent, 2))

	require.NoError(t, q.Enqueue(ctx, testJob("child-1", FileAnalysis), WithParent("parent-1")))
	require.NoError(t, q.Enqueue(ctx, testJob("child-2", FileAnalysis), WithParent("parent-1")))

	state, err := q.JobState(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaitingChildren, state)

	// Parent not deliverable while children pend.
	got, err := q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	assert.Nil(t, got)

	child1, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, child1))

	got, err = q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	assert.Nil(t, got)

	child2, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, child2))

	// Both children done: parent promoted.
	got, err = q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "parent-1", got.ID)
}

// TestLateChildExtendsParentGate verifies that enqueueing a child after the
// parent is already waiting extends the gate. Reconciliation jobs are
// dispatched mid-run, long after the initial child count was declared.
func TestLateChildExtendsParentGate(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	require.NoError(t, q.EnqueueParent(ctx, testJob("parent-1", GraphBuild), 1))
	require.NoError(t, q.Enqueue(ctx, testJob("child-1", FileAnalysis), WithParent("parent-1")))

	child1, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)

	// A second child arrives while the first is in flight.
	require.NoError(t, q.Enqueue(ctx, testJob("child-2", ReconcileRelationship), WithParent("parent-1")))

	require.NoError(t, q.Complete(ctx, child1))

	// The declared count is satisfied but the late child still pends.
	got, err := q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	assert.Nil(t, got)

	child2, err := q.Dequeue(ctx, ReconcileRelationship)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, child2))

	got, err = q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "parent-1", got.ID)
}

// TestParentGatingZeroChildren verifies the empty-run boundary: a finalizer
// with no children is deliverable immediately.
func TestParentGatingZeroChildren(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	require.NoError(t, q.EnqueueParent(ctx, testJob("parent-1", GraphBuild), 0))

	got, err := q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "parent-1", got.ID)
}

// TestChildDeadLetterStillPromotesParent verifies that a dead-lettered child
// releases its hold on the parent gate. The finalizer must still run so the
// run can terminate with a status that reports the dead letters, rather than
// hanging in running forever.
func TestChildDeadLetterStillPromotesParent(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{MaxRetries: 1})

	require.NoError(t, q.EnqueueParent(ctx, testJob("parent-1", GraphBuild), 2))
	require.NoError(t, q.Enqueue(ctx, testJob("child-1", FileAnalysis), WithParent("parent-1")))
	require.NoError(t, q.Enqueue(ctx, testJob("child-2", FileAnalysis), WithParent("parent-1")))

	child1, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, child1, Fatal(errors.New("boom"))))

	// One child dead, one still pending: parent not yet deliverable.
	got, err := q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	assert.Nil(t, got)

	child2, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, child2))

	got, err = q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "parent-1", got.ID)

	n, err := q.DeadLetterCountForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// TestDeadLetterCountScopedToRun verifies an earlier run's dead letters do
// not count against a later run.
func TestDeadLetterCountScopedToRun(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{MaxRetries: 1})

	old := testJob("old-1", FileAnalysis)
	old.RunID = "run-0"
	require.NoError(t, q.Enqueue(ctx, old))

	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, Fatal(errors.New("boom"))))

	n, err := q.DeadLetterCountForRun(ctx, "run-0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = q.DeadLetterCountForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

// TestOnDeadLetterCallback verifies the callback fires for Fail-path and
// reclaim-path dead letters, and not for retryable failures.
func TestOnDeadLetterCallback(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{MaxRetries: 2, BackoffBase: -time.Second, JobTimeout: -time.Second})

	var dead []string
	q.OnDeadLetter(func(_ context.Context, job *Job) {
		dead = append(dead, job.ID)
	})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", GraphBuild)))

	job, err := q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("transient")))
	assert.Empty(t, dead)

	job, err = q.Dequeue(ctx, GraphBuild)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("transient")))
	assert.Equal(t, []string{"job-1"}, dead)

	// Reclaim path: an expired lease past MaxRetries dead-letters too.
	require.NoError(t, q.Enqueue(ctx, testJob("job-2", GraphBuild)))

	for i := 0; i < 2; i++ {
		job, err = q.Dequeue(ctx, GraphBuild)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.PromoteAndReclaim(ctx, GraphBuild))
	}

	assert.Equal(t, []string{"job-1", "job-2"}, dead)
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))
	require.NoError(t, q.Enqueue(ctx, testJob("job-2", FileAnalysis), WithDelay(time.Hour)))

	_, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)

	depths, err := q.Depth(ctx, FileAnalysis)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depths.Waiting)
	assert.EqualValues(t, 1, depths.Delayed)
	assert.EqualValues(t, 1, depths.Active)
}

// TestEnvelopeVersioning verifies consumers reject unknown payload versions.
func TestEnvelopeVersioning(t *testing.T) {
	data := []byte(`{"id":"x","queue":"file-analysis","run_id":"r","payload_version":99,"payload":{}}`)

	_, err := DecodeEnvelope(data)
	assert.ErrorIs(t, err, ErrUnsupportedPayloadVersion)
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{BackoffBase: time.Second}

	assert.Equal(t, time.Second, cfg.backoffDelay(1))
	assert.Equal(t, 2*time.Second, cfg.backoffDelay(2))
	assert.Equal(t, 8*time.Second, cfg.backoffDelay(4))
}

// TestReclaimExpiredLease verifies the mover requeues a job whose holder
// vanished, and dead-letters it once retries are exhausted.
func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	_, q := newTestQueue(t, Config{MaxRetries: 2, JobTimeout: -time.Second})

	require.NoError(t, q.Enqueue(ctx, testJob("job-1", FileAnalysis)))

	// Claim with an already-expired lease (negative timeout), then crash
	// without acking.
	job, err := q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.PromoteAndReclaim(ctx, FileAnalysis))

	state, err := q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	// Second expired delivery exhausts MaxRetries: reclaimed to dead-letter.
	job, err = q.Dequeue(ctx, FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)

	require.NoError(t, q.PromoteAndReclaim(ctx, FileAnalysis))

	state, err = q.JobState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, state)
}
