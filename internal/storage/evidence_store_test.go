package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartographer/internal/ident"
)

func newMockStore(t *testing.T) (*EvidenceStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewEvidenceStore(NewConnection(db))
	require.NoError(t, err)

	return store, mock
}

func testEvidence() EvidenceRecord {
	hash := ident.RelationshipHash("function:foo@a.js:1", "function:bar@b.js:1", ident.TypeCalls)

	return EvidenceRecord{
		ID:               ident.EvidenceID("job-1", hash),
		RunID:            "run-1",
		RelationshipHash: hash,
		SourceWorker:     ident.WorkerFile,
		Payload: EvidencePayload{
			RunID:            "run-1",
			RelationshipHash: hash,
			SourceID:         "function:foo@a.js:1",
			TargetID:         "function:bar@b.js:1",
			Type:             ident.TypeCalls,
			SourceWorker:     ident.WorkerFile,
			Confidence:       0.9,
		},
	}
}

// TestInsertWithOutbox verifies the atomicity contract: evidence and outbox
// rows are written in one transaction.
func TestInsertWithOutbox(t *testing.T) {
	store, mock := newMockStore(t)
	record := testEvidence()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO relationship_evidence").
		WithArgs(record.ID, record.RunID, record.RelationshipHash, "file", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(EventAnalysisFinding, sqlmock.AnyArg(), OutboxPending).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	inserted, err := store.InsertWithOutbox(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertWithOutboxDuplicate verifies the crash-redelivery path: a
// colliding deterministic evidence id inserts neither evidence nor outbox
// row.
func TestInsertWithOutboxDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	record := testEvidence()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO relationship_evidence").
		WithArgs(record.ID, record.RunID, record.RelationshipHash, "file", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := store.InsertWithOutbox(context.Background(), record)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertWithOutboxRollsBackOnOutboxFailure verifies neither row survives
// a failed outbox insert.
func TestInsertWithOutboxRollsBackOnOutboxFailure(t *testing.T) {
	store, mock := newMockStore(t)
	record := testEvidence()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO relationship_evidence").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.InsertWithOutbox(context.Background(), record)
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByRelationship(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM relationship_evidence").
		WithArgs("run-1", "hash-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.DeleteByRelationship(context.Background(), "run-1", "hash-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	require.NoError(t, mock.ExpectationsWereMet())
}
