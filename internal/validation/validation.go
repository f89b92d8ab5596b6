// Package validation consumes analysis-finding events and decides, in O(1)
// per event, when a relationship has gathered all its expected evidence. The
// heavy lifting happens later in reconciliation; validation only counts, so
// it can absorb publish bursts without falling behind.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/outbox"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/reconcile"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// GroupID is the consumer group all validation workers share.
const GroupID = "validation-workers"

// Enqueuer is the slice of the queue validation dispatches through.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job, opts ...queue.EnqueueOption) error
}

var _ Enqueuer = (*queue.Queue)(nil)

// reader is the slice of kafka.Reader the worker consumes from, extracted
// for tests.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// deadLetterer publishes undecodable events.
type deadLetterer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds consumer settings.
type Config struct {
	Brokers []string
	// HandleRetries caps in-process retries of one event before the worker
	// gives up and exits, leaving the offset uncommitted.
	HandleRetries int
	// HandleBackoff is the first retry delay; each retry doubles it.
	HandleBackoff time.Duration
}

// LoadConfig reads consumer settings from the environment.
func LoadConfig() Config {
	return Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		HandleRetries: config.GetEnvInt("VALIDATION_HANDLE_RETRIES", 5),
		HandleBackoff: config.GetEnvDuration("VALIDATION_HANDLE_BACKOFF", 500*time.Millisecond),
	}
}

// Worker consumes finding events, counts evidence, and dispatches reconcile
// jobs. Delivery is at-least-once; the counting script in the cache is what
// guarantees a single dispatch per relationship hash.
type Worker struct {
	reader   reader
	dlq      deadLetterer
	manifest *manifest.Manifest
	queue    Enqueuer
	cfg      Config
	logger   *slog.Logger

	closeOnce sync.Once

	// graphJobs caches runID -> graph-build job id lookups.
	graphJobs sync.Map
}

// NewWorker creates a validation Worker consuming the findings topic.
func NewWorker(cfg Config, man *manifest.Manifest, enqueuer Enqueuer) (*Worker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}

	if cfg.HandleRetries < 1 {
		cfg.HandleRetries = 5
	}

	if cfg.HandleBackoff <= 0 {
		cfg.HandleBackoff = 500 * time.Millisecond
	}

	return &Worker{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: GroupID,
			Topic:   outbox.TopicFindings,
		}),
		dlq: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        outbox.TopicFindingsDLQ,
			RequiredAcks: kafka.RequireAll,
		},
		manifest: man,
		queue:    enqueuer,
		cfg:      cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("validation worker started", slog.String("group", GroupID))

	for {
		message, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := w.handleWithRetry(ctx, message); err != nil {
			// Committing a later offset would silently skip this event, so
			// the worker exits instead; on restart the group rejoins at the
			// last committed offset and the event redelivers.
			return fmt.Errorf("failed to handle finding event: %w", err)
		}

		if err := w.reader.CommitMessages(ctx, message); err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// handleWithRetry retries one event in process with exponential backoff
// before giving up. The same message is retried; the loop never advances
// past a failing event.
func (w *Worker) handleWithRetry(ctx context.Context, message kafka.Message) error {
	var err error

	delay := w.cfg.HandleBackoff

	for attempt := 1; attempt <= w.cfg.HandleRetries; attempt++ {
		if err = w.Handle(ctx, message); err == nil {
			return nil
		}

		w.logger.Warn("finding event handling failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt == w.cfg.HandleRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}

	return err
}

// Handle processes one finding event. Returning nil means the event may be
// committed; errors leave it for redelivery.
func (w *Worker) Handle(ctx context.Context, message kafka.Message) error {
	event, err := storage.DecodeFindingEvent(message.Value)
	if err != nil {
		// Malformed payloads never become valid; park them for inspection.
		w.logger.Warn("dead-lettering undecodable finding event",
			slog.String("error", err.Error()))

		if dlqErr := w.dlq.WriteMessages(ctx, kafka.Message{
			Key:   message.Key,
			Value: message.Value,
		}); dlqErr != nil {
			return fmt.Errorf("failed to dead-letter event: %w", dlqErr)
		}

		return nil
	}

	result, err := w.manifest.CountEvidence(ctx, event.RunID, event.RelationshipHash, event.EvidenceID)
	if err != nil {
		if errors.Is(err, manifest.ErrMissingExpectation) {
			// An evidence row exists for a hash nothing seeded. The run's
			// bookkeeping cannot be trusted anymore.
			w.logger.Error("evidence for unseeded relationship, failing run",
				slog.String("run_id", event.RunID),
				slog.String("relationship_hash", event.RelationshipHash))

			if statusErr := w.manifest.SetRunStatus(ctx, event.RunID, manifest.StatusFailed); statusErr != nil {
				return statusErr
			}

			return nil
		}

		return fmt.Errorf("failed to count evidence: %w", err)
	}

	switch {
	case result.Dispatch:
		return w.dispatchReconcile(ctx, event)
	case result.Received > result.Expected:
		// Raised expectation replay or an invariant violation; either way
		// the dispatch already happened.
		w.logger.Warn("evidence count exceeds expectation",
			slog.String("run_id", event.RunID),
			slog.String("relationship_hash", event.RelationshipHash),
			slog.Int64("received", result.Received),
			slog.Int64("expected", result.Expected))
	default:
		w.logger.Debug("evidence counted",
			slog.String("run_id", event.RunID),
			slog.String("relationship_hash", event.RelationshipHash),
			slog.Int64("received", result.Received),
			slog.Int64("expected", result.Expected))
	}

	return nil
}

// dispatchReconcile enqueues the single reconcile job for a hash, gated on
// the run's graph-build finalizer so the graph never builds ahead of a
// pending verdict.
func (w *Worker) dispatchReconcile(ctx context.Context, event *storage.FindingEvent) error {
	payload, err := json.Marshal(reconcile.Payload{
		RunID:            event.RunID,
		RelationshipHash: event.RelationshipHash,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile payload: %w", err)
	}

	graphJobID, err := w.graphJobID(ctx, event.RunID)
	if err != nil {
		return err
	}

	job := &queue.Job{
		ID:      ulid.Make().String(),
		Queue:   queue.ReconcileRelationship,
		RunID:   event.RunID,
		Payload: payload,
	}

	var opts []queue.EnqueueOption
	if graphJobID != "" {
		opts = append(opts, queue.WithParent(graphJobID))
	}

	if err := w.queue.Enqueue(ctx, job, opts...); err != nil {
		return fmt.Errorf("failed to enqueue reconcile job: %w", err)
	}

	w.logger.Info("reconcile dispatched",
		slog.String("run_id", event.RunID),
		slog.String("relationship_hash", event.RelationshipHash),
		slog.String("job_id", job.ID))

	return nil
}

func (w *Worker) graphJobID(ctx context.Context, runID string) (string, error) {
	if cached, ok := w.graphJobs.Load(runID); ok {
		return cached.(string), nil
	}

	cfg, err := w.manifest.Config(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to load run config: %w", err)
	}

	w.graphJobs.Store(runID, cfg.GraphJobID)

	return cfg.GraphJobID, nil
}

// Close shuts down the consumer and the dead-letter writer.
func (w *Worker) Close() error {
	var err error

	w.closeOnce.Do(func() {
		if readerErr := w.reader.Close(); readerErr != nil {
			err = readerErr
		}

		if dlqErr := w.dlq.Close(); dlqErr != nil && err == nil {
			err = dlqErr
		}
	})

	return err
}
