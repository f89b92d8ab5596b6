package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
)

// EvidenceStore persists evidence rows together with their outbox events.
//
// The one rule that matters: an outbox event exists iff its evidence row
// exists. Both inserts happen in a single transaction, and the deterministic
// evidence id makes redelivered jobs collide instead of duplicating either
// row.
type EvidenceStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEvidenceStore creates an EvidenceStore on an established connection.
func NewEvidenceStore(conn *Connection) (*EvidenceStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EvidenceStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// InsertWithOutbox writes one evidence row and its analysis-finding outbox
// event atomically. Returns false when the evidence id already exists, in
// which case neither row is written: the original transaction already
// produced the event.
func (s *EvidenceStore) InsertWithOutbox(ctx context.Context, record EvidenceRecord) (bool, error) {
	record.Payload.Version = EvidencePayloadVersion

	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal evidence payload: %w", err)
	}

	event, err := json.Marshal(FindingEvent{
		Version:          FindingEventVersion,
		RunID:            record.RunID,
		RelationshipHash: record.RelationshipHash,
		EvidenceID:       record.ID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal finding event: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin evidence transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO relationship_evidence (id, run_id, relationship_hash, source_worker, evidence_payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.RunID, record.RelationshipHash, string(record.SourceWorker), payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert evidence: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}

	if inserted == 0 {
		// Redelivered job: evidence and event already exist.
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit no-op evidence transaction: %w", err)
		}

		s.logger.Debug("duplicate evidence skipped",
			slog.String("evidence_id", record.ID),
			slog.String("relationship_hash", record.RelationshipHash))

		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (event_type, payload, status)
		VALUES ($1, $2, $3)
	`, EventAnalysisFinding, event, OutboxPending)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit evidence transaction: %w", err)
	}

	return true, nil
}

// ListByRelationship loads all evidence for one relationship hash in one run.
// Returns an empty slice when the rows were already deleted by a previous
// reconciliation: callers treat that as success.
func (s *EvidenceStore) ListByRelationship(ctx context.Context, runID, hash string) ([]EvidenceRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, run_id, relationship_hash, source_worker, evidence_payload, created_at
		FROM relationship_evidence
		WHERE run_id = $1 AND relationship_hash = $2
		ORDER BY created_at, id
	`, runID, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []EvidenceRecord

	for rows.Next() {
		var (
			record  EvidenceRecord
			worker  string
			payload []byte
		)

		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.RelationshipHash,
			&worker,
			&payload,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan evidence row: %w", err)
		}

		record.SourceWorker = ident.WorkerKind(worker)

		if err := json.Unmarshal(payload, &record.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence payload %s: %w", record.ID, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evidence rows: %w", err)
	}

	return records, nil
}

// DeleteByRelationship removes all evidence for one relationship hash after
// reconciliation. Deleting already-deleted rows is a no-op.
func (s *EvidenceStore) DeleteByRelationship(ctx context.Context, runID, hash string) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM relationship_evidence
		WHERE run_id = $1 AND relationship_hash = $2
	`, runID, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to delete evidence: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	return deleted, nil
}
