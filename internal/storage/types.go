// Package storage provides the PostgreSQL-backed stores of the pipeline: the
// files/POIs catalog, the evidence log, the transactional outbox, and the
// validated-relationships table.
package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cartograph-io/cartographer/internal/ident"
)

// Sentinel errors for storage operations.
var (
	// ErrNoDatabaseConnection is returned when a store is created without a
	// connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrFileNotFound is returned when a files row does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrUnsupportedPayloadVersion is returned for payloads written by an
	// unknown schema version.
	ErrUnsupportedPayloadVersion = errors.New("unsupported payload version")
)

// Outbox row statuses.
const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
	OutboxFailed    = "FAILED"
)

// Relationship verdict statuses.
const (
	RelationshipValidated = "VALIDATED"
	RelationshipRejected  = "REJECTED"
)

// File row statuses for the mark-and-sweep reconciler.
const (
	FileActive          = "ACTIVE"
	FilePendingDeletion = "PENDING_DELETION"
)

// EventAnalysisFinding is the outbox event type emitted for every evidence
// row.
const EventAnalysisFinding = "analysis-finding"

// EvidencePayloadVersion tags the evidence_payload JSON schema.
const EvidencePayloadVersion = 1

// FindingEventVersion tags the analysis-finding event schema.
const FindingEventVersion = 1

// FileRecord is one row of the files table.
type FileRecord struct {
	ID       int64
	Path     string
	Checksum string
	Language string
	Status   string
}

// POIRecord is one row of the pois table. ID is the stable semantic id from
// the ident package.
type POIRecord struct {
	ID        string
	FileID    int64
	FilePath  string
	Name      string
	Type      string
	StartLine int
	EndLine   int
	Hash      string
}

// EvidencePayload is the versioned JSON stored in
// relationship_evidence.evidence_payload and consolidated into the validated
// relationship. It carries everything Reconciliation needs, so restarted
// workers recover all state from the store.
type EvidencePayload struct {
	Version          int              `json:"version"`
	RunID            string           `json:"run_id"`
	RelationshipHash string           `json:"relationship_hash"`
	SourceID         string           `json:"source_poi_id"`
	TargetID         string           `json:"target_poi_id"`
	Type             string           `json:"type"`
	SourceWorker     ident.WorkerKind `json:"source_worker"`
	Confidence       float64          `json:"confidence"`
	Reason           string           `json:"reason,omitempty"`
}

// EvidenceRecord is one row of the relationship_evidence table. Immutable
// once written; deleted by Reconciliation after the verdict.
type EvidenceRecord struct {
	ID               string
	RunID            string
	RelationshipHash string
	SourceWorker     ident.WorkerKind
	Payload          EvidencePayload
	CreatedAt        time.Time
}

// OutboxRow is one row of the outbox table, written only inside the same
// transaction as its corresponding evidence row.
type OutboxRow struct {
	ID        int64
	EventType string
	Payload   json.RawMessage
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// FindingEvent is the payload of an analysis-finding outbox event.
type FindingEvent struct {
	Version          int    `json:"version"`
	RunID            string `json:"run_id"`
	RelationshipHash string `json:"relationship_hash"`
	EvidenceID       string `json:"evidence_id"`
}

// DecodeFindingEvent parses a finding event, rejecting unknown versions.
func DecodeFindingEvent(data []byte) (*FindingEvent, error) {
	var event FindingEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}

	if event.Version != FindingEventVersion {
		return nil, ErrUnsupportedPayloadVersion
	}

	if event.RunID == "" || event.RelationshipHash == "" {
		return nil, errors.New("finding event missing run_id or relationship_hash")
	}

	return &event, nil
}

// RelationshipRecord is one row of the relationships table: the reconciled,
// confidence-scored verdict for one relationship hash. Written exactly once
// per hash per run (upserts absorb redelivery).
type RelationshipRecord struct {
	RelationshipHash string
	RunID            string
	SourceID         string
	TargetID         string
	Type             string
	FinalConfidence  float64
	EvidenceCount    int
	Status           string
	Consolidated     EvidencePayload
	UpdatedAt        time.Time
}
