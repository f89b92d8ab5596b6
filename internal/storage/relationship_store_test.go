package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartographer/internal/ident"
)

func newMockRelationshipStore(t *testing.T) (*RelationshipStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewRelationshipStore(NewConnection(db))
	require.NoError(t, err)

	return store, mock
}

func testVerdict() RelationshipRecord {
	hash := ident.RelationshipHash("function:save@store.js:4", "function:connect@db.js:2", ident.TypeCalls)

	return RelationshipRecord{
		RelationshipHash: hash,
		RunID:            "run-1",
		SourceID:         "function:save@store.js:4",
		TargetID:         "function:connect@db.js:2",
		Type:             ident.TypeCalls,
		FinalConfidence:  0.91,
		EvidenceCount:    3,
		Status:           RelationshipValidated,
		Consolidated: EvidencePayload{
			RunID:            "run-1",
			RelationshipHash: hash,
			SourceID:         "function:save@store.js:4",
			TargetID:         "function:connect@db.js:2",
			Type:             ident.TypeCalls,
			SourceWorker:     ident.WorkerGlobal,
			Confidence:       0.95,
		},
	}
}

func TestRelationshipUpsert(t *testing.T) {
	record := testVerdict()

	t.Run("writes all verdict columns", func(t *testing.T) {
		store, mock := newMockRelationshipStore(t)

		mock.ExpectExec("INSERT INTO relationships").
			WithArgs(
				record.RelationshipHash, record.RunID, record.SourceID, record.TargetID,
				record.Type, record.FinalConfidence, record.EvidenceCount, record.Status,
				sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Upsert(context.Background(), record))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("propagates exec failure", func(t *testing.T) {
		store, mock := newMockRelationshipStore(t)

		mock.ExpectExec("INSERT INTO relationships").
			WillReturnError(assert.AnError)

		require.Error(t, store.Upsert(context.Background(), record))
	})
}

func TestListValidated(t *testing.T) {
	record := testVerdict()

	consolidated, err := json.Marshal(record.Consolidated)
	require.NoError(t, err)

	columns := []string{
		"relationship_hash", "run_id", "source_poi_id", "target_poi_id", "type",
		"final_confidence", "evidence_count", "status", "consolidated_payload", "updated_at",
	}

	t.Run("first page uses empty cursor", func(t *testing.T) {
		store, mock := newMockRelationshipStore(t)

		mock.ExpectQuery("SELECT (.+) FROM relationships").
			WithArgs("run-1", RelationshipValidated, "", 100).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				record.RelationshipHash, record.RunID, record.SourceID, record.TargetID,
				record.Type, record.FinalConfidence, record.EvidenceCount, record.Status,
				consolidated, time.Now(),
			))

		records, err := store.ListValidated(context.Background(), "run-1", "", 100)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, record.RelationshipHash, records[0].RelationshipHash)
		assert.Equal(t, ident.WorkerGlobal, records[0].Consolidated.SourceWorker)
	})

	t.Run("next page passes keyset cursor", func(t *testing.T) {
		store, mock := newMockRelationshipStore(t)

		mock.ExpectQuery("SELECT (.+) FROM relationships").
			WithArgs("run-1", RelationshipValidated, record.RelationshipHash, 100).
			WillReturnRows(sqlmock.NewRows(columns))

		records, err := store.ListValidated(context.Background(), "run-1", record.RelationshipHash, 100)
		require.NoError(t, err)
		assert.Empty(t, records)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountForRun(t *testing.T) {
	store, mock := newMockRelationshipStore(t)

	mock.ExpectQuery("SELECT COUNT(.+) FROM relationships").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

	count, err := store.CountForRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
}

func TestDeleteByPOIs(t *testing.T) {
	t.Run("deletes rows touching the ids", func(t *testing.T) {
		store, mock := newMockRelationshipStore(t)

		ids := []string{"function:connect@db.js:2", "file:db.js@db.js"}

		mock.ExpectExec("DELETE FROM relationships").
			WithArgs(pq.Array(ids)).
			WillReturnResult(sqlmock.NewResult(0, 2))

		deleted, err := store.DeleteByPOIs(context.Background(), ids)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
	})

	t.Run("empty id slice is a no-op", func(t *testing.T) {
		store, mock := newMockRelationshipStore(t)

		deleted, err := store.DeleteByPOIs(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, deleted)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
