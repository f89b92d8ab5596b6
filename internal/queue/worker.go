package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleWait is how long a worker sleeps when its queue is empty or paused.
const idleWait = 250 * time.Millisecond

// HandlerFunc processes one claimed job. Returning nil acknowledges the job;
// an error marked Fatal dead-letters it; any other error is retried with
// backoff.
type HandlerFunc func(ctx context.Context, job *Job) error

// RunWorker consumes the named queue with the given concurrency until the
// context is canceled. Each delivery runs under a deadline of JobTimeout so a
// stuck handler cannot outlive its lease.
//
// Graceful shutdown: cancellation stops claiming new jobs; in-flight handlers
// finish (bounded by their deadline) before RunWorker returns.
func (q *Queue) RunWorker(ctx context.Context, name string, concurrency int, handler HandlerFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return q.workLoop(ctx, name, handler)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}

	return err
}

func (q *Queue) workLoop(ctx context.Context, name string, handler HandlerFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := q.Dequeue(ctx, name)
		if err != nil {
			q.logger.Error("dequeue failed",
				slog.String("queue", name),
				slog.String("error", err.Error()))

			if !sleepCtx(ctx, idleWait) {
				return nil
			}

			continue
		}

		if job == nil {
			if !sleepCtx(ctx, idleWait) {
				return nil
			}

			continue
		}

		q.handle(ctx, job, handler)
	}
}

// handle runs one delivery and records its outcome. Outcome recording uses a
// background-derived context: a canceled worker context must not prevent the
// ack or failure from reaching the queue.
func (q *Queue) handle(ctx context.Context, job *Job, handler HandlerFunc) {
	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	err := handler(jobCtx, job)
	cancel()

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()

	if err != nil {
		if failErr := q.Fail(ackCtx, job, err); failErr != nil {
			q.logger.Error("failed to record job failure",
				slog.String("job_id", job.ID),
				slog.String("error", failErr.Error()))
		}

		return
	}

	if ackErr := q.Complete(ackCtx, job); ackErr != nil {
		// The lease expires and the job is redelivered; handlers are
		// idempotent by contract.
		q.logger.Error("failed to acknowledge job",
			slog.String("job_id", job.ID),
			slog.String("error", ackErr.Error()))
	}
}

// RunMover periodically promotes due delayed jobs and reclaims expired
// leases across all known queues. One mover per deployment is sufficient but
// running several is harmless: every transition is a guarded script.
func (q *Queue) RunMover(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := q.moveAll(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("mover tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (q *Queue) moveAll(ctx context.Context) error {
	names, err := q.rdb.SMembers(ctx, queuesSetKey).Result()
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := q.PromoteAndReclaim(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

// PromoteAndReclaim runs one maintenance pass over the named queue: due
// delayed jobs move to waiting, expired active leases are reclaimed (counting
// as failed attempts) or dead-lettered when retries are exhausted.
func (q *Queue) PromoteAndReclaim(ctx context.Context, name string) error {
	now := time.Now().UnixMilli()

	result, err := reclaimScript.Run(ctx, q.rdb,
		[]string{activeKey(name), waitingKey(name), deadLetterKey, deadLettersByRunKey},
		now, q.cfg.MaxRetries, jobKeyPrefix, promoteBatch,
	).Slice()
	if err != nil {
		return err
	}

	if len(result) != 2 {
		return fmt.Errorf("reclaim script returned %d values, want 2", len(result))
	}

	requeued, _ := result[0].(int64)
	if requeued > 0 {
		q.logger.Warn("reclaimed expired job leases",
			slog.String("queue", name),
			slog.Int64("requeued", requeued))
	}

	if dead, ok := result[1].([]interface{}); ok {
		q.notifyDeadLetters(ctx, dead)
	}

	err = promoteScript.Run(ctx, q.rdb,
		[]string{delayedKey(name), waitingKey(name)},
		now, jobKeyPrefix, promoteBatch,
	).Err()
	if err != nil {
		return err
	}

	return nil
}

// notifyDeadLetters invokes the dead-letter callback for jobs the reclaim
// pass exhausted. A job record that cannot be loaded is logged and skipped;
// the dead-letter list still holds it for the operator.
func (q *Queue) notifyDeadLetters(ctx context.Context, ids []interface{}) {
	if q.onDeadLetter == nil {
		return
	}

	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok {
			continue
		}

		job, err := q.loadJob(ctx, id, 0)
		if err != nil {
			q.logger.Error("failed to load dead-lettered job",
				slog.String("job_id", id),
				slog.String("error", err.Error()))

			continue
		}

		q.onDeadLetter(ctx, job)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
