// Package reconcile turns accumulated evidence into a verdict. It runs as
// the reconcile-relationship queue worker: exactly one job per relationship
// hash per run, dispatched by the validation worker once the expected number
// of scopes have reported.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// DefaultConfidenceThreshold separates VALIDATED from REJECTED verdicts.
const DefaultConfidenceThreshold = 0.85

// Payload is the reconcile-relationship job payload.
type Payload struct {
	RunID            string `json:"run_id"`
	RelationshipHash string `json:"relationship_hash"`
}

// EvidenceStore is the slice of the relational store reconciliation reads
// and cleans.
type EvidenceStore interface {
	ListByRelationship(ctx context.Context, runID, hash string) ([]storage.EvidenceRecord, error)
	DeleteByRelationship(ctx context.Context, runID, hash string) (int64, error)
}

// RelationshipStore is where verdicts land.
type RelationshipStore interface {
	Upsert(ctx context.Context, record storage.RelationshipRecord) error
}

var (
	_ EvidenceStore     = (*storage.EvidenceStore)(nil)
	_ RelationshipStore = (*storage.RelationshipStore)(nil)
)

// Weights are the per-scope multipliers of the confidence average. Broader
// scopes see more context, so their evidence counts for more.
type Weights struct {
	File      float64
	Directory float64
	Global    float64
}

// DefaultWeights returns the standard scope weighting.
func DefaultWeights() Weights {
	return Weights{File: 1.0, Directory: 1.2, Global: 1.5}
}

// LoadWeights reads RECONCILE_WEIGHTS, a comma-separated list like
// "file=1.0,directory=1.2,global=1.5". Unknown or malformed entries keep
// their defaults.
func LoadWeights() Weights {
	weights := DefaultWeights()

	raw := config.GetEnvStr("RECONCILE_WEIGHTS", "")
	if raw == "" {
		return weights
	}

	for _, pair := range config.ParseCommaSeparatedList(raw) {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}

		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || parsed <= 0 {
			continue
		}

		switch ident.WorkerKind(strings.TrimSpace(key)) {
		case ident.WorkerFile:
			weights.File = parsed
		case ident.WorkerDirectory:
			weights.Directory = parsed
		case ident.WorkerGlobal:
			weights.Global = parsed
		}
	}

	return weights
}

// For returns the weight for one scope, 1.0 for unknown scopes.
func (w Weights) For(kind ident.WorkerKind) float64 {
	switch kind {
	case ident.WorkerFile:
		return w.File
	case ident.WorkerDirectory:
		return w.Directory
	case ident.WorkerGlobal:
		return w.Global
	default:
		return 1.0
	}
}

// Worker processes reconcile-relationship jobs. Idempotent: redelivery after
// the evidence rows are gone is a no-op success, and the verdict upsert
// absorbs double execution.
type Worker struct {
	evidence      EvidenceStore
	relationships RelationshipStore
	manifest      *manifest.Manifest
	threshold     float64
	weights       Weights
	logger        *slog.Logger
}

// NewWorker creates a reconciliation Worker with threshold and weights from
// the environment.
func NewWorker(evidence EvidenceStore, relationships RelationshipStore, man *manifest.Manifest) *Worker {
	return &Worker{
		evidence:      evidence,
		relationships: relationships,
		manifest:      man,
		threshold:     config.GetEnvFloat("CONFIDENCE_THRESHOLD", DefaultConfidenceThreshold),
		weights:       LoadWeights(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Process handles one reconcile job.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("malformed reconcile payload: %w", err))
	}

	records, err := w.evidence.ListByRelationship(ctx, payload.RunID, payload.RelationshipHash)
	if err != nil {
		return queue.Retryable(fmt.Errorf("failed to load evidence: %w", err))
	}

	if len(records) == 0 {
		// A previous delivery already reconciled and cleaned this hash.
		w.logger.Debug("no evidence left, already reconciled",
			slog.String("run_id", payload.RunID),
			slog.String("relationship_hash", payload.RelationshipHash))

		return nil
	}

	consolidated := Consolidate(records)
	final := w.FinalConfidence(records)

	status := storage.RelationshipRejected
	if final >= w.threshold {
		status = storage.RelationshipValidated
	}

	if err := w.relationships.Upsert(ctx, storage.RelationshipRecord{
		RelationshipHash: payload.RelationshipHash,
		RunID:            payload.RunID,
		SourceID:         consolidated.SourceID,
		TargetID:         consolidated.TargetID,
		Type:             consolidated.Type,
		FinalConfidence:  final,
		EvidenceCount:    len(records),
		Status:           status,
		Consolidated:     consolidated,
	}); err != nil {
		return queue.Retryable(fmt.Errorf("failed to upsert relationship: %w", err))
	}

	// Cleanup order matters for redelivery: once the evidence rows are gone
	// a replay is a no-op, so the counter must already be deleted by then.
	if err := w.manifest.DeleteCounter(ctx, payload.RunID, payload.RelationshipHash); err != nil {
		return queue.Retryable(fmt.Errorf("failed to delete evidence counter: %w", err))
	}

	if _, err := w.evidence.DeleteByRelationship(ctx, payload.RunID, payload.RelationshipHash); err != nil {
		return queue.Retryable(fmt.Errorf("failed to delete evidence rows: %w", err))
	}

	w.logger.Info("relationship reconciled",
		slog.String("run_id", payload.RunID),
		slog.String("relationship_hash", payload.RelationshipHash),
		slog.String("status", status),
		slog.Float64("final_confidence", final),
		slog.Int("evidence_count", len(records)))

	return nil
}

// Consolidate picks the authoritative payload: highest scope authority wins,
// ties break by per-evidence confidence.
func Consolidate(records []storage.EvidenceRecord) storage.EvidencePayload {
	best := records[0]

	for _, record := range records[1:] {
		bestAuth := best.SourceWorker.Authority()
		auth := record.SourceWorker.Authority()

		if auth > bestAuth || (auth == bestAuth && record.Payload.Confidence > best.Payload.Confidence) {
			best = record
		}
	}

	return best.Payload
}

// FinalConfidence computes the weighted average of per-evidence confidence
// scores, clamped to [0,1].
func (w *Worker) FinalConfidence(records []storage.EvidenceRecord) float64 {
	var sum, weightSum float64

	for _, record := range records {
		weight := w.weights.For(record.SourceWorker)
		sum += weight * record.Payload.Confidence
		weightSum += weight
	}

	if weightSum == 0 {
		return 0
	}

	final := sum / weightSum
	if final < 0 {
		return 0
	}

	if final > 1 {
		return 1
	}

	return final
}
