// Package manifest provides the per-run cache key layout and the atomic
// scripts that bind the pipeline's workers together.
//
// Every key is scoped by runId so that abandoned runs leave only inert state:
//
//	run:{runId}:config           JSON run configuration (Scout-owned)
//	run:{runId}:jobs:files       set of file-analysis jobIds
//	run:{runId}:jobs:dirs        set of directory-analysis jobIds
//	run:{runId}:jobs:global      set of global-analysis jobIds
//	run:{runId}:file_to_job_map  hash: file path -> jobId
//	run:{runId}:rel_map          hash: relationship hash -> expected evidence count
//	run:{runId}:rel_authority    hash: relationship hash -> seeding scope authority
//	run:{runId}:reconciled       set of hashes with a dispatched reconcile job
//	run:{runId}:status           run status string
//	evidence_count:{runId}:{hash} integer evidence counter (Validation-owned)
//
// All multi-step manipulations are expressed as server-side scripts so that
// concurrent workers never observe partial state. The decomposed key layout is
// authoritative; there is no monolithic manifest object.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
)

// Run status values.
const (
	StatusRunning                  = "running"
	StatusCompleted                = "completed"
	StatusCompletedWithDeadLetters = "completed-with-dead-letters"
	StatusFailed                   = "failed"
)

// RunConfigVersion tags the run:{runId}:config payload schema. Consumers
// reject unknown versions.
const RunConfigVersion = 1

// Job classes for the run:{runId}:jobs:* sets.
const (
	JobClassFiles  = "files"
	JobClassDirs   = "dirs"
	JobClassGlobal = "global"
)

// Sentinel errors for manifest operations.
var (
	// ErrMissingExpectation is returned when an evidence counter is incremented
	// for a hash that has no rel_map entry. Scout or an analysis worker should
	// have seeded it; this is a contract violation that fails the run.
	ErrMissingExpectation = errors.New("no expectation seeded for relationship hash")

	// ErrRunNotFound is returned when a run's config key does not exist.
	ErrRunNotFound = errors.New("run not found in manifest")

	// ErrUnsupportedConfigVersion is returned for config payloads written by a
	// newer, unknown schema.
	ErrUnsupportedConfigVersion = errors.New("unsupported run config version")
)

// RunConfig is the JSON payload stored at run:{runId}:config.
type RunConfig struct {
	Version      int       `json:"version"`
	RunID        string    `json:"run_id"`
	RootPath     string    `json:"root_path"`
	GraphJobID   string    `json:"graph_job_id"`
	IncludeGlobs []string  `json:"include_globs,omitempty"`
	ExcludeGlobs []string  `json:"exclude_globs,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CountResult is the outcome of one atomic evidence count.
type CountResult struct {
	Received int64
	Expected int64
	// Dispatch is true for exactly one count per hash per run: the one that
	// made received reach expected.
	Dispatch bool
}

// Manifest provides run-scoped access to the cache.
type Manifest struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New creates a Manifest on an established Redis client.
func New(rdb redis.UniversalClient) *Manifest {
	return &Manifest{
		rdb: rdb,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Key builders. Never construct manifest keys manually elsewhere.
func configKey(runID string) string       { return "run:" + runID + ":config" }
func jobsKey(runID, class string) string  { return "run:" + runID + ":jobs:" + class }
func fileMapKey(runID string) string      { return "run:" + runID + ":file_to_job_map" }
func relMapKey(runID string) string       { return "run:" + runID + ":rel_map" }
func relAuthorityKey(runID string) string { return "run:" + runID + ":rel_authority" }
func reconciledKey(runID string) string   { return "run:" + runID + ":reconciled" }
func statusKey(runID string) string       { return "run:" + runID + ":status" }

func counterKey(runID, hash string) string {
	return "evidence_count:" + runID + ":" + hash
}

func seenKey(runID, hash string) string {
	return "evidence_seen:" + runID + ":" + hash
}

// SeedConfig writes the run configuration. Scout-owned.
func (m *Manifest) SeedConfig(ctx context.Context, cfg RunConfig) error {
	cfg.Version = RunConfigVersion

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	if err := m.rdb.Set(ctx, configKey(cfg.RunID), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to seed run config: %w", err)
	}

	return nil
}

// Config reads the run configuration back.
func (m *Manifest) Config(ctx context.Context, runID string) (*RunConfig, error) {
	payload, err := m.rdb.Get(ctx, configKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}

	var cfg RunConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
	}

	if cfg.Version != RunConfigVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedConfigVersion, cfg.Version)
	}

	return &cfg, nil
}

// AddJobs records jobIds in the run's job set for the given class
// ("files", "dirs" or "global"). Scout-owned.
func (m *Manifest) AddJobs(ctx context.Context, runID, class string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}

	members := make([]interface{}, len(jobIDs))
	for i, id := range jobIDs {
		members[i] = id
	}

	if err := m.rdb.SAdd(ctx, jobsKey(runID, class), members...).Err(); err != nil {
		return fmt.Errorf("failed to add %s jobs: %w", class, err)
	}

	return nil
}

// JobCount returns the number of recorded jobs for a class.
func (m *Manifest) JobCount(ctx context.Context, runID, class string) (int64, error) {
	n, err := m.rdb.SCard(ctx, jobsKey(runID, class)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s jobs: %w", class, err)
	}

	return n, nil
}

// SetFileJobs writes the file path -> jobId mapping used by analysis workers
// to resolve cross-file references. Scout-owned.
func (m *Manifest) SetFileJobs(ctx context.Context, runID string, fileToJob map[string]string) error {
	if len(fileToJob) == 0 {
		return nil
	}

	pairs := make([]interface{}, 0, len(fileToJob)*2)
	for path, jobID := range fileToJob {
		pairs = append(pairs, path, jobID)
	}

	if err := m.rdb.HSet(ctx, fileMapKey(runID), pairs...).Err(); err != nil {
		return fmt.Errorf("failed to set file_to_job_map: %w", err)
	}

	return nil
}

// FileJob resolves a file path to the jobId that analyzes it. Returns false
// when the path is not part of the run.
func (m *Manifest) FileJob(ctx context.Context, runID, path string) (string, bool, error) {
	jobID, err := m.rdb.HGet(ctx, fileMapKey(runID), path).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to resolve file job: %w", err)
	}

	return jobID, true, nil
}

// FilePaths returns every file path recorded in the run's manifest. The graph
// builder uses it to scope the POI inventory to this run's files.
func (m *Manifest) FilePaths(ctx context.Context, runID string) ([]string, error) {
	paths, err := m.rdb.HKeys(ctx, fileMapKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest file paths: %w", err)
	}

	return paths, nil
}

// SetRunStatus transitions the run status. Terminal states are never mutated
// again by contract; callers enforce the lifecycle.
func (m *Manifest) SetRunStatus(ctx context.Context, runID, status string) error {
	if err := m.rdb.Set(ctx, statusKey(runID), status, 0).Err(); err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}

	return nil
}

// RunStatus returns the current run status, or "" when unset.
func (m *Manifest) RunStatus(ctx context.Context, runID string) (string, error) {
	status, err := m.rdb.Get(ctx, statusKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}

	return status, nil
}

// SeedExpectation inserts the expected evidence count for a relationship hash
// if absent, or raises it when the proposing scope outranks the original
// seeder. Expectations are monotonic: they are never lowered.
//
// Returns the expectation now in effect.
func (m *Manifest) SeedExpectation(
	ctx context.Context,
	runID, hash string,
	expected int,
	proposer ident.WorkerKind,
) (int64, error) {
	current, err := seedExpectationScript.Run(ctx, m.rdb,
		[]string{relMapKey(runID), relAuthorityKey(runID)},
		hash, expected, proposer.Authority(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to seed expectation: %w", err)
	}

	return current, nil
}

// Expectation reads the currently seeded expectation for a hash.
func (m *Manifest) Expectation(ctx context.Context, runID, hash string) (int64, error) {
	expected, err := m.rdb.HGet(ctx, relMapKey(runID), hash).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %s", ErrMissingExpectation, hash)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read expectation: %w", err)
	}

	return expected, nil
}

// CountEvidence atomically counts one piece of evidence for a hash, reads
// the expectation, and gates reconcile dispatch through the reconciled set.
//
// The counter counts distinct evidence ids: a redelivered event increments
// nothing and can never dispatch. Exactly one call per hash per run returns
// Dispatch=true, even under redelivery; both dedupe sets are taken inside
// the same script as the increment.
func (m *Manifest) CountEvidence(ctx context.Context, runID, hash, evidenceID string) (CountResult, error) {
	values, err := countEvidenceScript.Run(ctx, m.rdb,
		[]string{counterKey(runID, hash), relMapKey(runID), reconciledKey(runID), seenKey(runID, hash)},
		hash, evidenceID,
	).Int64Slice()
	if err != nil {
		return CountResult{}, fmt.Errorf("failed to count evidence: %w", err)
	}

	if len(values) != 3 {
		return CountResult{}, fmt.Errorf("count script returned %d values, want 3", len(values))
	}

	result := CountResult{
		Received: values[0],
		Expected: values[1],
		Dispatch: values[2] == 1,
	}

	if result.Expected < 0 {
		return CountResult{}, fmt.Errorf("%w: %s", ErrMissingExpectation, hash)
	}

	return result, nil
}

// DeleteCounter removes the per-hash evidence counter and its seen-id set
// after reconciliation. The reconciled set stays, so post-verdict replays
// still cannot dispatch.
func (m *Manifest) DeleteCounter(ctx context.Context, runID, hash string) error {
	if err := m.rdb.Del(ctx, counterKey(runID, hash), seenKey(runID, hash)).Err(); err != nil {
		return fmt.Errorf("failed to delete evidence counter: %w", err)
	}

	return nil
}

// ReconciledCount returns the number of hashes for which a reconcile job was
// dispatched.
func (m *Manifest) ReconciledCount(ctx context.Context, runID string) (int64, error) {
	n, err := m.rdb.SCard(ctx, reconciledKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count reconciled hashes: %w", err)
	}

	return n, nil
}
