package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cartograph-io/cartographer/internal/config"
)

// OutboxStore drains PENDING outbox rows on behalf of the publisher sidecar.
type OutboxStore struct {
	conn        *Connection
	maxAttempts int
	logger      *slog.Logger
}

// NewOutboxStore creates an OutboxStore. maxAttempts is the number of failed
// publish attempts after which a row is marked FAILED instead of staying
// PENDING.
func NewOutboxStore(conn *Connection, maxAttempts int) (*OutboxStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &OutboxStore{
		conn:        conn,
		maxAttempts: maxAttempts,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// PublishFunc delivers one outbox row to the event bus. The row id is the
// idempotency key: consumers must deduplicate on it because delivery is
// at-least-once.
type PublishFunc func(ctx context.Context, row OutboxRow) error

// DrainPending claims up to batchSize PENDING rows in id order with
// FOR UPDATE SKIP LOCKED, publishes each through publish, and marks the
// outcomes inside the same transaction. Concurrent sidecars therefore never
// double-claim a row; a crash after publish but before commit leaves the row
// PENDING and the consumer deduplicates the replay.
//
// Returns the number of rows published.
func (s *OutboxStore) DrainPending(ctx context.Context, batchSize int, publish PublishFunc) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload, status, attempts, created_at
		FROM outbox
		WHERE status = $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, OutboxPending, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox rows: %w", err)
	}

	var batch []OutboxRow

	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.ID, &row.EventType, &row.Payload, &row.Status, &row.Attempts, &row.CreatedAt); err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		batch = append(batch, row)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return 0, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}

	_ = rows.Close()

	published := 0

	for _, row := range batch {
		if err := publish(ctx, row); err != nil {
			// Leave PENDING for the next tick, FAILED when exhausted.
			status := OutboxPending
			if row.Attempts+1 >= s.maxAttempts {
				status = OutboxFailed
			}

			if _, updateErr := tx.ExecContext(ctx, `
				UPDATE outbox SET attempts = attempts + 1, status = $2 WHERE id = $1
			`, row.ID, status); updateErr != nil {
				return published, fmt.Errorf("failed to record publish failure: %w", updateErr)
			}

			s.logger.Warn("outbox publish failed",
				slog.Int64("outbox_id", row.ID),
				slog.Int("attempts", row.Attempts+1),
				slog.String("status", status),
				slog.String("error", err.Error()))

			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = $2, published_at = NOW() WHERE id = $1
		`, row.ID, OutboxPublished); err != nil {
			return published, fmt.Errorf("failed to mark outbox row published: %w", err)
		}

		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox transaction: %w", err)
	}

	return published, nil
}

// PendingCount returns the number of PENDING outbox rows.
func (s *OutboxStore) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE status = $1
	`, OutboxPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox rows: %w", err)
	}

	return count, nil
}

// PendingCountForRun returns the number of PENDING outbox rows carrying the
// given run id. Another run's backlog must not hold this run's graph build.
func (s *OutboxStore) PendingCountForRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE status = $1 AND payload->>'run_id' = $2
	`, OutboxPending, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox rows for run %s: %w", runID, err)
	}

	return count, nil
}
