package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/storage"
	"github.com/cartograph-io/cartographer/internal/validation"
)

// RelationshipSource is the slice of the relational store the builder reads
// verdicts from.
type RelationshipSource interface {
	ListValidated(ctx context.Context, runID, afterHash string, limit int) ([]storage.RelationshipRecord, error)
}

// POISource supplies the run's POI inventory so every analyzed file is
// represented in the graph, relationships or not.
type POISource interface {
	ListActivePOIsByPaths(ctx context.Context, paths []string) ([]storage.POIRecord, error)
}

// QueueInspector reports pipeline backlog for the quiescence check and the
// run's dead-letter count for the terminal run status.
type QueueInspector interface {
	Depth(ctx context.Context, name string) (queue.Depths, error)
	DeadLetterCountForRun(ctx context.Context, runID string) (int64, error)
}

// OutboxInspector reports unpublished outbox rows for a run.
type OutboxInspector interface {
	PendingCountForRun(ctx context.Context, runID string) (int64, error)
}

// LagInspector reports unconsumed finding events on the event bus. Published
// rows the validation group has not read yet are verdicts that do not exist;
// the builder waits them out.
type LagInspector interface {
	Lag(ctx context.Context) (int64, error)
}

var (
	_ RelationshipSource = (*storage.RelationshipStore)(nil)
	_ POISource          = (*storage.FileStore)(nil)
	_ QueueInspector     = (*queue.Queue)(nil)
	_ OutboxInspector    = (*storage.OutboxStore)(nil)
	_ LagInspector       = (*validation.LagChecker)(nil)
)

// Builder handles the graph-build finalizer job. The queue's parent gating
// guarantees every analysis and reconcile job completed; the builder adds a
// quiescence check for in-flight events still between the outbox and the
// reconcile queue, retrying until they settle.
type Builder struct {
	store         *Store
	relationships RelationshipSource
	pois          POISource
	queues        QueueInspector
	outbox        OutboxInspector
	lag           LagInspector
	manifest      *manifest.Manifest
	batchSize     int
	logger        *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(
	store *Store,
	relationships RelationshipSource,
	pois POISource,
	queues QueueInspector,
	outboxStore OutboxInspector,
	lag LagInspector,
	man *manifest.Manifest,
	batchSize int,
) *Builder {
	if batchSize < 1 {
		batchSize = 500
	}

	return &Builder{
		store:         store,
		relationships: relationships,
		pois:          pois,
		queues:        queues,
		outbox:        outboxStore,
		lag:           lag,
		manifest:      man,
		batchSize:     batchSize,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Process handles the run's graph-build job.
func (b *Builder) Process(ctx context.Context, job *queue.Job) error {
	quiescent, err := b.quiescent(ctx, job.RunID)
	if err != nil {
		return queue.Retryable(err)
	}

	if !quiescent {
		// Evidence events are still in flight; redeliver with backoff until
		// every verdict has landed.
		return queue.Retryable(fmt.Errorf("pipeline not quiescent for run %s", job.RunID))
	}

	if err := b.mergePOIInventory(ctx, job.RunID); err != nil {
		return queue.Retryable(err)
	}

	merged, err := b.mergeValidated(ctx, job.RunID)
	if err != nil {
		return queue.Retryable(err)
	}

	status, err := b.finalStatus(ctx, job.RunID)
	if err != nil {
		return queue.Retryable(err)
	}

	if err := b.manifest.SetRunStatus(ctx, job.RunID, status); err != nil {
		return queue.Retryable(err)
	}

	b.logger.Info("graph build complete",
		slog.String("run_id", job.RunID),
		slog.Int("relationships", merged),
		slog.String("status", status))

	return nil
}

// quiescent reports whether all evidence has flowed through to verdicts: no
// unpublished outbox rows for this run, no published events the validation
// group has yet to consume, and no queued or running reconcile jobs.
func (b *Builder) quiescent(ctx context.Context, runID string) (bool, error) {
	pending, err := b.outbox.PendingCountForRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("failed to count pending outbox rows: %w", err)
	}

	if pending > 0 {
		return false, nil
	}

	lag, err := b.lag.Lag(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read consumer lag: %w", err)
	}

	if lag > 0 {
		return false, nil
	}

	depths, err := b.queues.Depth(ctx, queue.ReconcileRelationship)
	if err != nil {
		return false, fmt.Errorf("failed to inspect reconcile queue: %w", err)
	}

	return depths.Waiting == 0 && depths.Delayed == 0 && depths.Active == 0, nil
}

// mergePOIInventory merges the run's active POI nodes, so single files
// without validated relationships still appear in the graph.
func (b *Builder) mergePOIInventory(ctx context.Context, runID string) error {
	paths, err := b.manifest.FilePaths(ctx, runID)
	if err != nil {
		return err
	}

	pois, err := b.pois.ListActivePOIsByPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to list active pois: %w", err)
	}

	for start := 0; start < len(pois); start += b.batchSize {
		end := start + b.batchSize
		if end > len(pois) {
			end = len(pois)
		}

		if err := b.store.MergePOIs(ctx, pois[start:end]); err != nil {
			return err
		}
	}

	return nil
}

// mergeValidated streams VALIDATED verdicts in hash order and merges them
// batch by batch, one graph transaction each.
func (b *Builder) mergeValidated(ctx context.Context, runID string) (int, error) {
	merged := 0
	afterHash := ""

	for {
		records, err := b.relationships.ListValidated(ctx, runID, afterHash, b.batchSize)
		if err != nil {
			return merged, fmt.Errorf("failed to list validated relationships: %w", err)
		}

		if len(records) == 0 {
			return merged, nil
		}

		if err := b.store.MergeRelationships(ctx, records); err != nil {
			return merged, err
		}

		merged += len(records)
		afterHash = records[len(records)-1].RelationshipHash
	}
}

// finalStatus decides the terminal run status from the run's dead letters.
func (b *Builder) finalStatus(ctx context.Context, runID string) (string, error) {
	deadLetters, err := b.queues.DeadLetterCountForRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to count dead letters: %w", err)
	}

	if deadLetters > 0 {
		return manifest.StatusCompletedWithDeadLetters, nil
	}

	return manifest.StatusCompleted, nil
}
