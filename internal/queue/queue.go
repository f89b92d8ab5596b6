package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cartograph-io/cartographer/internal/config"
)

// Key layout. The "q:" prefix is also hardcoded in the promotion scripts;
// keep them in sync.
const (
	jobKeyPrefix        = "q:job:"
	queuesSetKey        = "q:queues"
	deadLetterKey       = "q:" + DeadLetter
	deadLettersByRunKey = "q:" + DeadLetter + ":by-run"
)

// completedJobTTL is how long completed job records are retained for
// inspection before Redis expires them.
const completedJobTTL = 24 * time.Hour

// promoteBatch bounds delayed-promotion and lease-reclaim work per script
// invocation to keep the server responsive.
const promoteBatch = 100

func waitingKey(name string) string { return "q:" + name + ":waiting" }
func delayedKey(name string) string { return "q:" + name + ":delayed" }
func activeKey(name string) string  { return "q:" + name + ":active" }
func pausedKey(name string) string  { return "q:" + name + ":paused" }
func jobKey(id string) string       { return jobKeyPrefix + id }

// Queue is the durable job queue. All methods are safe for concurrent use
// from any number of processes; the queue treats every delivery as
// at-least-once and workers must be idempotent.
type Queue struct {
	rdb          redis.UniversalClient
	cfg          Config
	logger       *slog.Logger
	onDeadLetter func(ctx context.Context, job *Job)
}

// New creates a Queue on an established Redis client.
func New(rdb redis.UniversalClient, cfg Config) *Queue {
	return &Queue{
		rdb: rdb,
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// OnDeadLetter registers a callback invoked after a job is dead-lettered,
// whether by Fail or by lease reclaim. Register before starting workers or
// the mover; the callback must be quick and must tolerate replays.
func (q *Queue) OnDeadLetter(fn func(ctx context.Context, job *Job)) {
	q.onDeadLetter = fn
}

// EnqueueOptions configures a single enqueue.
type EnqueueOptions struct {
	// Delay postpones first delivery.
	Delay time.Duration
	// Parent declares the job gated on this one completing.
	Parent string
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithDelay postpones first delivery by d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithParent declares the parent job gated on this one.
func WithParent(parentID string) EnqueueOption {
	return func(o *EnqueueOptions) { o.Parent = parentID }
}

// Enqueue adds a job to its queue. Delivery respects the queue's paused flag
// and any configured delay.
func (q *Queue) Enqueue(ctx context.Context, job *Job, opts ...EnqueueOption) error {
	if job.ID == "" {
		return ErrEmptyJobID
	}

	var options EnqueueOptions
	for _, opt := range opts {
		opt(&options)
	}

	data, err := job.Envelope()
	if err != nil {
		return err
	}

	err = enqueueScript.Run(ctx, q.rdb,
		[]string{jobKey(job.ID), waitingKey(job.Queue), delayedKey(job.Queue), queuesSetKey},
		data, job.Queue, options.Parent, options.Delay.Milliseconds(), time.Now().UnixMilli(), job.ID, jobKeyPrefix, job.RunID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	return nil
}

// EnqueueParent adds a job that only becomes deliverable after childCount of
// its declared children have completed. With zero children it is deliverable
// immediately (an empty run still gets its graph-build).
func (q *Queue) EnqueueParent(ctx context.Context, job *Job, childCount int) error {
	if job.ID == "" {
		return ErrEmptyJobID
	}

	data, err := job.Envelope()
	if err != nil {
		return err
	}

	err = enqueueParentScript.Run(ctx, q.rdb,
		[]string{jobKey(job.ID), waitingKey(job.Queue), queuesSetKey},
		data, job.Queue, childCount, job.ID, job.RunID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue parent job %s: %w", job.ID, err)
	}

	return nil
}

// Dequeue attempts to claim one job from the named queue. Returns (nil, nil)
// when the queue is empty or paused. The claimed job holds a lease of
// JobTimeout; an unacknowledged lease is reclaimed by the mover and counts as
// a failed attempt.
func (q *Queue) Dequeue(ctx context.Context, name string) (*Job, error) {
	now := time.Now()

	result, err := popScript.Run(ctx, q.rdb,
		[]string{waitingKey(name), delayedKey(name), activeKey(name), pausedKey(name)},
		now.UnixMilli(), now.Add(q.cfg.JobTimeout).UnixMilli(), jobKeyPrefix, promoteBatch,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", name, err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("pop script returned %d values, want 2", len(result))
	}

	id, _ := result[0].(string)
	attempt, _ := result[1].(int64)

	return q.loadJob(ctx, id, int(attempt))
}

// loadJob materializes a claimed job from its record.
func (q *Queue) loadJob(ctx context.Context, id string, attempt int) (*Job, error) {
	fields, err := q.rdb.HMGet(ctx, jobKey(id), "data", "parent").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	data, _ := fields[0].(string)
	if data == "" {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job, err := DecodeEnvelope([]byte(data))
	if err != nil {
		return nil, err
	}

	job.Attempt = attempt
	if parent, ok := fields[1].(string); ok {
		job.Parent = parent
	}

	return job, nil
}

// Complete acknowledges a claimed job. If the job has a parent, the parent's
// pending-children counter is decremented in the same script; reaching zero
// promotes the parent to its queue.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	err := completeScript.Run(ctx, q.rdb,
		[]string{activeKey(job.Queue), jobKey(job.ID)},
		job.ID, jobKeyPrefix, int(completedJobTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	return nil
}

// Fail records a failed delivery. Retryable failures are redelivered with
// exponential backoff until MaxRetries deliveries; fatal failures and
// exhausted jobs move to the dead-letter queue. A dead-lettered child still
// releases its hold on its parent's pending counter, so a gated parent (the
// run finalizer) remains deliverable and can report the dead letters.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	retry := !IsFatal(jobErr) && job.Attempt < q.cfg.MaxRetries
	readyAt := time.Now().Add(q.cfg.backoffDelay(job.Attempt)).UnixMilli()

	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}

	outcome, err := failScript.Run(ctx, q.rdb,
		[]string{activeKey(job.Queue), jobKey(job.ID), delayedKey(job.Queue), deadLetterKey, deadLettersByRunKey},
		job.ID, jobErr.Error(), retryFlag, readyAt, jobKeyPrefix,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to record job failure %s: %w", job.ID, err)
	}

	q.logger.Warn("job attempt failed",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempt", job.Attempt),
		slog.String("outcome", outcome),
		slog.String("error", jobErr.Error()))

	if outcome == "dead-letter" && q.onDeadLetter != nil {
		q.onDeadLetter(ctx, job)
	}

	return nil
}

// Pause stops delivery from the named queue. Enqueued jobs accumulate.
func (q *Queue) Pause(ctx context.Context, name string) error {
	if err := q.rdb.Set(ctx, pausedKey(name), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue %s: %w", name, err)
	}

	return nil
}

// Resume re-enables delivery from the named queue.
func (q *Queue) Resume(ctx context.Context, name string) error {
	if err := q.rdb.Del(ctx, pausedKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to resume queue %s: %w", name, err)
	}

	return nil
}

// Depths describes one queue's backlog.
type Depths struct {
	Waiting int64
	Delayed int64
	Active  int64
}

// Depth returns the backlog of the named queue.
func (q *Queue) Depth(ctx context.Context, name string) (Depths, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, waitingKey(name))
	delayed := pipe.ZCard(ctx, delayedKey(name))
	active := pipe.ZCard(ctx, activeKey(name))

	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, fmt.Errorf("failed to read depth of %s: %w", name, err)
	}

	return Depths{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}, nil
}

// DeadLetterCount returns the number of dead-lettered jobs across all runs.
// Dead-lettered jobs are never retried automatically; they are exposed for
// operator inspection only.
func (q *Queue) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}

	return n, nil
}

// DeadLetterCountForRun returns the number of dead-lettered jobs belonging to
// one run. Earlier runs' dead letters do not bleed into a later run's final
// status.
func (q *Queue) DeadLetterCountForRun(ctx context.Context, runID string) (int64, error) {
	n, err := q.rdb.HGet(ctx, deadLettersByRunKey, runID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters for run %s: %w", runID, err)
	}

	return n, nil
}

// DeadJob is an operator-facing view of one dead-lettered job.
type DeadJob struct {
	ID    string
	Queue string
	Error string
}

// DeadLetterJobs returns up to limit dead-lettered jobs, newest first.
func (q *Queue) DeadLetterJobs(ctx context.Context, limit int64) ([]DeadJob, error) {
	ids, err := q.rdb.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	jobs := make([]DeadJob, 0, len(ids))

	for _, id := range ids {
		fields, err := q.rdb.HMGet(ctx, jobKey(id), "queue", "error").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load dead letter %s: %w", id, err)
		}

		dead := DeadJob{ID: id}
		if name, ok := fields[0].(string); ok {
			dead.Queue = name
		}

		if msg, ok := fields[1].(string); ok {
			dead.Error = msg
		}

		jobs = append(jobs, dead)
	}

	return jobs, nil
}

// JobState returns the current state of a job, or ErrJobNotFound.
func (q *Queue) JobState(ctx context.Context, id string) (string, error) {
	state, err := q.rdb.HGet(ctx, jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read job state: %w", err)
	}

	return state, nil
}
