package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/cartograph-io/cartographer/internal/config"
)

// RelationshipStore owns the relationships table: reconciled verdicts keyed
// by relationship hash. Only Reconciliation writes it.
type RelationshipStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRelationshipStore creates a RelationshipStore on an established
// connection.
func NewRelationshipStore(conn *Connection) (*RelationshipStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RelationshipStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Upsert writes the verdict for one relationship hash. Re-running a
// reconcile job converges on the same row.
func (s *RelationshipStore) Upsert(ctx context.Context, record RelationshipRecord) error {
	consolidated, err := json.Marshal(record.Consolidated)
	if err != nil {
		return fmt.Errorf("failed to marshal consolidated payload: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO relationships
			(relationship_hash, run_id, source_poi_id, target_poi_id, type,
			 final_confidence, evidence_count, status, consolidated_payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (relationship_hash) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			source_poi_id = EXCLUDED.source_poi_id,
			target_poi_id = EXCLUDED.target_poi_id,
			type = EXCLUDED.type,
			final_confidence = EXCLUDED.final_confidence,
			evidence_count = EXCLUDED.evidence_count,
			status = EXCLUDED.status,
			consolidated_payload = EXCLUDED.consolidated_payload,
			updated_at = NOW()
	`, record.RelationshipHash, record.RunID, record.SourceID, record.TargetID,
		record.Type, record.FinalConfidence, record.EvidenceCount, record.Status, consolidated)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship %s: %w", record.RelationshipHash, err)
	}

	return nil
}

// ListValidated pages through VALIDATED rows for a run in hash order.
// afterHash is the keyset cursor; pass "" for the first page.
func (s *RelationshipStore) ListValidated(ctx context.Context, runID, afterHash string, limit int) ([]RelationshipRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT relationship_hash, run_id, source_poi_id, target_poi_id, type,
		       final_confidence, evidence_count, status, consolidated_payload, updated_at
		FROM relationships
		WHERE run_id = $1 AND status = $2 AND relationship_hash > $3
		ORDER BY relationship_hash
		LIMIT $4
	`, runID, RelationshipValidated, afterHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list validated relationships: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []RelationshipRecord

	for rows.Next() {
		var (
			record  RelationshipRecord
			payload []byte
		)

		if err := rows.Scan(
			&record.RelationshipHash,
			&record.RunID,
			&record.SourceID,
			&record.TargetID,
			&record.Type,
			&record.FinalConfidence,
			&record.EvidenceCount,
			&record.Status,
			&payload,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}

		if err := json.Unmarshal(payload, &record.Consolidated); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consolidated payload: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relationship rows: %w", err)
	}

	return records, nil
}

// CountForRun returns the number of verdict rows for a run, validated and
// rejected together. Used to check the one-verdict-per-dispatched-hash
// invariant.
func (s *RelationshipStore) CountForRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships WHERE run_id = $1
	`, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count relationships: %w", err)
	}

	return count, nil
}

// DeleteByPOIs removes verdict rows whose source or target POI belongs to
// the given stable ids. Used by the sweep phase after the graph side is
// clean.
func (s *RelationshipStore) DeleteByPOIs(ctx context.Context, poiIDs []string) (int64, error) {
	if len(poiIDs) == 0 {
		return 0, nil
	}

	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM relationships
		WHERE source_poi_id = ANY($1) OR target_poi_id = ANY($1)
	`, pq.Array(poiIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete relationships by POIs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	return deleted, nil
}
