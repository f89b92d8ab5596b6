// Package analysis implements the three evidence-producing workers. They
// share one implementation parameterized by scope: a file worker reads one
// file, a directory worker reads the files of one directory, and the global
// worker sees the repository inventory. Each candidate relationship the model
// reports becomes one evidence row plus one outbox event, written atomically.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/llm"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// Expected evidence counts per relationship. A relationship first seen by a
// file or directory worker should be corroborated by one more scope; one
// first seen by the global worker should be corroborated by both narrower
// scopes.
const (
	expectedNarrow = 2
	expectedGlobal = 3
)

// EvidenceStore is the slice of the relational store the workers write
// evidence through.
type EvidenceStore interface {
	InsertWithOutbox(ctx context.Context, record storage.EvidenceRecord) (bool, error)
}

// FileStore is the slice of the relational store the workers record POIs
// through.
type FileStore interface {
	UpsertFile(ctx context.Context, record storage.FileRecord) (int64, error)
	UpsertPOIs(ctx context.Context, fileID int64, pois []storage.POIRecord) error
}

var (
	_ EvidenceStore = (*storage.EvidenceStore)(nil)
	_ FileStore     = (*storage.FileStore)(nil)
)

// Config bounds how much source content goes into one prompt.
type Config struct {
	MaxFileBytes int
}

// LoadConfig reads analysis settings from the environment.
func LoadConfig() Config {
	return Config{
		MaxFileBytes: config.GetEnvInt("ANALYSIS_MAX_FILE_BYTES", 64*1024),
	}
}

// Worker turns one analysis job into evidence rows. Safe for concurrent use;
// run one Worker per scope with queue.RunWorker.
type Worker struct {
	kind     ident.WorkerKind
	client   llm.Client
	manifest *manifest.Manifest
	evidence EvidenceStore
	files    FileStore
	cfg      Config
	logger   *slog.Logger
}

// NewWorker creates a Worker for one analysis scope. kind must be one of the
// analysis kinds.
func NewWorker(
	kind ident.WorkerKind,
	client llm.Client,
	man *manifest.Manifest,
	evidence EvidenceStore,
	files FileStore,
	cfg Config,
) (*Worker, error) {
	if !kind.IsAnalysis() {
		return nil, fmt.Errorf("worker kind %q is not an analysis scope", kind)
	}

	return &Worker{
		kind:     kind,
		client:   client,
		manifest: man,
		evidence: evidence,
		files:    files,
		cfg:      cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("worker", string(kind))),
	}, nil
}

// Process handles one job end to end. Errors are marked retryable or fatal
// for the queue's retry policy.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	runCfg, err := w.manifest.Config(ctx, job.RunID)
	if err != nil {
		return queue.Retryable(fmt.Errorf("failed to load run config: %w", err))
	}

	prompt, scopePath, err := w.buildPrompt(job, runCfg.RootPath)
	if err != nil {
		return err
	}

	findings, err := w.askModel(ctx, prompt)
	if err != nil {
		return err
	}

	if w.kind == ident.WorkerFile {
		if err := w.recordPOIs(ctx, scopePath, findings.POIs); err != nil {
			return queue.Retryable(err)
		}
	}

	accepted := 0

	for _, candidate := range findings.Relationships {
		ok, err := w.recordCandidate(ctx, job, scopePath, candidate)
		if err != nil {
			return err
		}

		if ok {
			accepted++
		}
	}

	w.logger.Info("analysis complete",
		slog.String("run_id", job.RunID),
		slog.String("job_id", job.ID),
		slog.String("scope", scopePath),
		slog.Int("candidates", len(findings.Relationships)),
		slog.Int("accepted", accepted))

	return nil
}

// buildPrompt assembles the scope's prompt. The returned scopePath is the
// file path candidate endpoints default to ("" outside file scope).
func (w *Worker) buildPrompt(job *queue.Job, rootPath string) (prompt, scopePath string, err error) {
	switch w.kind {
	case ident.WorkerFile:
		var payload FileAnalysisPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return "", "", queue.Fatal(fmt.Errorf("malformed file payload: %w", err))
		}

		content, err := w.readScoped(rootPath, payload.FilePath)
		if err != nil {
			// The file vanished after the walk; the cleaner reconciles the
			// leftover rows.
			return "", "", queue.Fatal(fmt.Errorf("%w: %s", storage.ErrFileNotFound, payload.FilePath))
		}

		return llm.BuildFilePrompt(payload.FilePath, content), payload.FilePath, nil

	case ident.WorkerDirectory:
		var payload DirectoryAnalysisPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return "", "", queue.Fatal(fmt.Errorf("malformed directory payload: %w", err))
		}

		sections := make([]string, 0, len(payload.FilePaths))

		for _, path := range payload.FilePaths {
			content, err := w.readScoped(rootPath, path)
			if err != nil {
				w.logger.Warn("skipping vanished file in directory scope",
					slog.String("path", path))

				continue
			}

			sections = append(sections, fmt.Sprintf("== %s ==\n%s", path, content))
		}

		return llm.BuildDirectoryPrompt(payload.DirPath, sections), "", nil

	case ident.WorkerGlobal:
		var payload GlobalAnalysisPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return "", "", queue.Fatal(fmt.Errorf("malformed global payload: %w", err))
		}

		return llm.BuildGlobalPrompt(payload.FilePaths), "", nil

	default:
		return "", "", queue.Fatal(fmt.Errorf("unsupported worker kind %q", w.kind))
	}
}

// readScoped reads one repository file, truncated to the prompt budget.
func (w *Worker) readScoped(rootPath, relPath string) (string, error) {
	content, err := os.ReadFile(filepath.Join(rootPath, filepath.FromSlash(relPath)))
	if err != nil {
		return "", err
	}

	if w.cfg.MaxFileBytes > 0 && len(content) > w.cfg.MaxFileBytes {
		content = content[:w.cfg.MaxFileBytes]
	}

	return string(content), nil
}

// askModel runs the model round with a single correction retry. A response
// that fails to parse twice dead-letters the job: resending the same content
// a third time is not going to parse.
func (w *Worker) askModel(ctx context.Context, prompt string) (*llm.Findings, error) {
	response, err := w.client.Query(ctx, llm.SystemPrompt, prompt)
	if err != nil {
		return nil, queue.Retryable(fmt.Errorf("model query failed: %w", err))
	}

	findings, parseErr := llm.ParseFindings(response)
	if parseErr == nil {
		return findings, nil
	}

	w.logger.Warn("model response unparseable, sending correction",
		slog.String("error", parseErr.Error()))

	corrected, err := w.client.Query(ctx, llm.SystemPrompt, llm.BuildCorrectionPrompt(response, parseErr))
	if err != nil {
		return nil, queue.Retryable(fmt.Errorf("correction query failed: %w", err))
	}

	findings, parseErr = llm.ParseFindings(corrected)
	if parseErr != nil {
		return nil, queue.Fatal(fmt.Errorf("model response unparseable after correction: %w", parseErr))
	}

	return findings, nil
}

// recordPOIs upserts the scope file's POI rows for the graph builder.
func (w *Worker) recordPOIs(ctx context.Context, filePath string, pois []llm.POIFinding) error {
	if len(pois) == 0 {
		return nil
	}

	fileID, err := w.files.UpsertFile(ctx, storage.FileRecord{
		Path:   filePath,
		Status: storage.FileActive,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve file row for %s: %w", filePath, err)
	}

	records := make([]storage.POIRecord, 0, len(pois))

	for _, poi := range pois {
		p := ident.POI{
			Kind:     normalizeKind(poi.Kind),
			Name:     poi.Name,
			FilePath: filePath,
			Line:     poi.Line,
		}
		if err := p.Validate(); err != nil {
			w.logger.Warn("dropping invalid poi",
				slog.String("name", poi.Name),
				slog.String("error", err.Error()))

			continue
		}

		records = append(records, storage.POIRecord{
			ID:        p.ID(),
			FileID:    fileID,
			FilePath:  filePath,
			Name:      poi.Name,
			Type:      p.Kind,
			StartLine: poi.Line,
		})
	}

	return w.files.UpsertPOIs(ctx, fileID, records)
}

// recordCandidate resolves one candidate relationship and writes its
// evidence. Candidates that cannot be resolved are dropped, not failed: a
// hallucinated target must not poison the job.
func (w *Worker) recordCandidate(
	ctx context.Context,
	job *queue.Job,
	scopePath string,
	candidate llm.RelationshipFinding,
) (bool, error) {
	relType := strings.ToUpper(strings.TrimSpace(candidate.Type))
	if err := ident.ValidateRelationshipType(relType); err != nil {
		w.logger.Warn("dropping candidate with unknown type",
			slog.String("type", candidate.Type))

		return false, nil
	}

	sourceID, ok, err := w.resolveEndpoint(ctx, job.RunID, scopePath,
		candidate.SourceKind, candidate.SourceName, candidate.SourcePath, candidate.SourceLine)
	if err != nil {
		return false, queue.Retryable(err)
	}

	if !ok {
		return false, nil
	}

	targetID, ok, err := w.resolveEndpoint(ctx, job.RunID, scopePath,
		candidate.TargetKind, candidate.TargetName, candidate.TargetPath, candidate.TargetLine)
	if err != nil {
		return false, queue.Retryable(err)
	}

	if !ok {
		return false, nil
	}

	hash := ident.RelationshipHash(sourceID, targetID, relType)

	expected := expectedNarrow
	if w.kind == ident.WorkerGlobal {
		expected = expectedGlobal
	}

	if _, err := w.manifest.SeedExpectation(ctx, job.RunID, hash, expected, w.kind); err != nil {
		return false, queue.Retryable(fmt.Errorf("failed to seed expectation: %w", err))
	}

	confidence := candidate.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	inserted, err := w.evidence.InsertWithOutbox(ctx, storage.EvidenceRecord{
		ID:               ident.EvidenceID(job.ID, hash),
		RunID:            job.RunID,
		RelationshipHash: hash,
		SourceWorker:     w.kind,
		Payload: storage.EvidencePayload{
			RunID:            job.RunID,
			RelationshipHash: hash,
			SourceID:         sourceID,
			TargetID:         targetID,
			Type:             relType,
			SourceWorker:     w.kind,
			Confidence:       confidence,
			Reason:           candidate.Reason,
		},
	})
	if err != nil {
		return false, queue.Retryable(fmt.Errorf("failed to insert evidence: %w", err))
	}

	if !inserted {
		w.logger.Debug("evidence already recorded for redelivered job",
			slog.String("job_id", job.ID),
			slog.String("relationship_hash", hash))
	}

	return true, nil
}

// resolveEndpoint turns a loosely named endpoint into a stable POI id. A
// cross-file endpoint must name a file the run actually analyzed, checked
// through file_to_job_map; unknown files mean the model reached outside the
// repository and the candidate is dropped.
func (w *Worker) resolveEndpoint(
	ctx context.Context,
	runID, scopePath, kind, name, path string,
	line int,
) (string, bool, error) {
	if name == "" {
		return "", false, nil
	}

	if path == "" {
		path = scopePath
	}

	if path == "" {
		w.logger.Warn("dropping candidate endpoint without file path",
			slog.String("name", name))

		return "", false, nil
	}

	if path != scopePath {
		_, known, err := w.manifest.FileJob(ctx, runID, path)
		if err != nil {
			return "", false, fmt.Errorf("failed to resolve cross-file reference: %w", err)
		}

		if !known {
			w.logger.Warn("dropping candidate referencing unanalyzed file",
				slog.String("name", name),
				slog.String("path", path))

			return "", false, nil
		}
	}

	poi := ident.POI{
		Kind:     normalizeKind(kind),
		Name:     name,
		FilePath: path,
		Line:     line,
	}
	if err := poi.Validate(); err != nil {
		w.logger.Warn("dropping unresolvable endpoint",
			slog.String("name", name),
			slog.String("error", err.Error()))

		return "", false, nil
	}

	return poi.ID(), true, nil
}

func normalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return ident.KindFunction
	}

	return kind
}
