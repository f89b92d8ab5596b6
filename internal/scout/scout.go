package scout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cartograph-io/cartographer/internal/analysis"
	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// FileStore is the slice of the relational store Scout writes.
type FileStore interface {
	UpsertFile(ctx context.Context, record storage.FileRecord) (int64, error)
}

var _ FileStore = (*storage.FileStore)(nil)

// analysisQueues are paused before job creation and resumed once the
// manifest is fully seeded.
var analysisQueues = []string{
	queue.FileAnalysis,
	queue.DirectoryAnalysis,
	queue.GlobalAnalysis,
}

// Scout enumerates a repository and creates a run: files rows, manifest
// keys, and every analysis job plus the graph-build finalizer.
type Scout struct {
	queue    *queue.Queue
	manifest *manifest.Manifest
	files    FileStore
	rdb      redis.UniversalClient
	leaseCfg manifest.LeaseConfig
	logger   *slog.Logger
}

// New creates a Scout.
func New(q *queue.Queue, man *manifest.Manifest, files FileStore, rdb redis.UniversalClient) *Scout {
	return &Scout{
		queue:    q,
		manifest: man,
		files:    files,
		rdb:      rdb,
		leaseCfg: manifest.LoadLeaseConfig(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Start enumerates rootPath and creates the run. All analysis jobs are
// enqueued on paused queues; the queues resume only after the manifest is
// fully seeded, so no worker ever observes a half-built run. Any error before
// the resume marks the run failed; leftover cache state is scoped by runID
// and inert.
func (s *Scout) Start(ctx context.Context, runID, rootPath string, cfg *Config) error {
	if cfg == nil {
		loaded, err := LoadConfigFromEnv()
		if err != nil {
			return err
		}

		cfg = loaded
	}

	lease := manifest.NewLease(s.rdb, "scout:"+rootPath, s.leaseCfg)
	if err := lease.Acquire(ctx, func() {
		s.logger.Error("scout lease lost mid-walk", slog.String("root", rootPath))
	}); err != nil {
		return fmt.Errorf("failed to acquire scout lease for %s: %w", rootPath, err)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := lease.Release(releaseCtx); err != nil {
			s.logger.Warn("failed to release scout lease", slog.String("error", err.Error()))
		}
	}()

	if err := s.start(ctx, runID, rootPath, cfg); err != nil {
		if statusErr := s.manifest.SetRunStatus(ctx, runID, manifest.StatusFailed); statusErr != nil {
			s.logger.Error("failed to mark run failed",
				slog.String("run_id", runID),
				slog.String("error", statusErr.Error()))
		}

		return err
	}

	return nil
}

func (s *Scout) start(ctx context.Context, runID, rootPath string, cfg *Config) error {
	entries, err := Walk(rootPath, cfg, s.logger)
	if err != nil {
		return err
	}

	if err := s.manifest.SetRunStatus(ctx, runID, manifest.StatusRunning); err != nil {
		return err
	}

	entries = s.persistFiles(ctx, rootPath, entries)

	fileJobs := make(map[string]string, len(entries))
	for _, entry := range entries {
		fileJobs[entry.Path] = ulid.Make().String()
	}

	dirs := groupByDirectory(entries)

	dirJobs := make(map[string]string, len(dirs))
	for dir := range dirs {
		dirJobs[dir] = ulid.Make().String()
	}

	globalJobID := ulid.Make().String()
	graphJobID := ulid.Make().String()

	if err := s.manifest.SeedConfig(ctx, manifest.RunConfig{
		Version:      manifest.RunConfigVersion,
		RunID:        runID,
		RootPath:     rootPath,
		GraphJobID:   graphJobID,
		IncludeGlobs: cfg.Include,
		ExcludeGlobs: cfg.Exclude,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	for _, name := range analysisQueues {
		if err := s.queue.Pause(ctx, name); err != nil {
			return err
		}
	}

	childCount, err := s.enqueueAnalysisJobs(ctx, runID, graphJobID, entries, fileJobs, dirs, dirJobs, globalJobID)
	if err != nil {
		return err
	}

	if err := s.queue.EnqueueParent(ctx, &queue.Job{
		ID:      graphJobID,
		Queue:   queue.GraphBuild,
		RunID:   runID,
		Payload: json.RawMessage(`{}`),
	}, childCount); err != nil {
		return err
	}

	if err := s.seedManifest(ctx, runID, fileJobs, dirJobs, globalJobID); err != nil {
		return err
	}

	for _, name := range analysisQueues {
		if err := s.queue.Resume(ctx, name); err != nil {
			return err
		}
	}

	s.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("root", rootPath),
		slog.Int("files", len(entries)),
		slog.Int("directories", len(dirs)))

	return nil
}

// persistFiles writes one files row per entry with its content checksum.
// Files that vanish or turn unreadable between walk and read are dropped
// from the run with a warning.
func (s *Scout) persistFiles(ctx context.Context, rootPath string, entries []FileEntry) []FileEntry {
	kept := entries[:0]

	for _, entry := range entries {
		content, err := os.ReadFile(filepath.Join(rootPath, filepath.FromSlash(entry.Path)))
		if err != nil {
			s.logger.Warn("skipping unreadable file",
				slog.String("path", entry.Path),
				slog.String("error", err.Error()))

			continue
		}

		if _, err := s.files.UpsertFile(ctx, storage.FileRecord{
			Path:     entry.Path,
			Checksum: ident.Checksum(content),
			Language: entry.Language,
			Status:   storage.FileActive,
		}); err != nil {
			s.logger.Warn("failed to persist file row",
				slog.String("path", entry.Path),
				slog.String("error", err.Error()))

			continue
		}

		kept = append(kept, entry)
	}

	return kept
}

func (s *Scout) enqueueAnalysisJobs(
	ctx context.Context,
	runID, graphJobID string,
	entries []FileEntry,
	fileJobs map[string]string,
	dirs map[string][]string,
	dirJobs map[string]string,
	globalJobID string,
) (int, error) {
	childCount := 0

	for _, entry := range entries {
		payload, err := json.Marshal(analysis.FileAnalysisPayload{
			FilePath: entry.Path,
			Language: entry.Language,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal file payload: %w", err)
		}

		if err := s.queue.Enqueue(ctx, &queue.Job{
			ID:      fileJobs[entry.Path],
			Queue:   queue.FileAnalysis,
			RunID:   runID,
			Payload: payload,
		}, queue.WithParent(graphJobID)); err != nil {
			return 0, err
		}

		childCount++
	}

	for dir, paths := range dirs {
		payload, err := json.Marshal(analysis.DirectoryAnalysisPayload{
			DirPath:   dir,
			FilePaths: paths,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal directory payload: %w", err)
		}

		if err := s.queue.Enqueue(ctx, &queue.Job{
			ID:      dirJobs[dir],
			Queue:   queue.DirectoryAnalysis,
			RunID:   runID,
			Payload: payload,
		}, queue.WithParent(graphJobID)); err != nil {
			return 0, err
		}

		childCount++
	}

	allPaths := make([]string, 0, len(entries))
	for _, entry := range entries {
		allPaths = append(allPaths, entry.Path)
	}

	sort.Strings(allPaths)

	payload, err := json.Marshal(analysis.GlobalAnalysisPayload{FilePaths: allPaths})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal global payload: %w", err)
	}

	if err := s.queue.Enqueue(ctx, &queue.Job{
		ID:      globalJobID,
		Queue:   queue.GlobalAnalysis,
		RunID:   runID,
		Payload: payload,
	}, queue.WithParent(graphJobID)); err != nil {
		return 0, err
	}

	childCount++

	return childCount, nil
}

func (s *Scout) seedManifest(
	ctx context.Context,
	runID string,
	fileJobs map[string]string,
	dirJobs map[string]string,
	globalJobID string,
) error {
	if len(fileJobs) > 0 {
		ids := make([]string, 0, len(fileJobs))
		for _, id := range fileJobs {
			ids = append(ids, id)
		}

		if err := s.manifest.AddJobs(ctx, runID, manifest.JobClassFiles, ids); err != nil {
			return err
		}

		if err := s.manifest.SetFileJobs(ctx, runID, fileJobs); err != nil {
			return err
		}
	}

	if len(dirJobs) > 0 {
		ids := make([]string, 0, len(dirJobs))
		for _, id := range dirJobs {
			ids = append(ids, id)
		}

		if err := s.manifest.AddJobs(ctx, runID, manifest.JobClassDirs, ids); err != nil {
			return err
		}
	}

	return s.manifest.AddJobs(ctx, runID, manifest.JobClassGlobal, []string{globalJobID})
}

// groupByDirectory buckets entries by their slash-separated parent
// directory, "." for root-level files.
func groupByDirectory(entries []FileEntry) map[string][]string {
	dirs := make(map[string][]string)

	for _, entry := range entries {
		dir := filepath.ToSlash(filepath.Dir(entry.Path))
		dirs[dir] = append(dirs[dir], entry.Path)
	}

	for dir := range dirs {
		sort.Strings(dirs[dir])
	}

	return dirs
}
