package scout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartographer/internal/analysis"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/storage"
)

type fakeFileStore struct {
	records []storage.FileRecord
	failAll bool
}

func (f *fakeFileStore) UpsertFile(_ context.Context, record storage.FileRecord) (int64, error) {
	if f.failAll {
		return 0, assert.AnError
	}

	f.records = append(f.records, record)

	return int64(len(f.records)), nil
}

func newTestScout(t *testing.T) (*Scout, *queue.Queue, *manifest.Manifest, *fakeFileStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Config{MaxRetries: 3})
	man := manifest.New(rdb)
	files := &fakeFileStore{}

	return New(q, man, files, rdb), q, man, files
}

func TestStartCreatesRun(t *testing.T) {
	ctx := context.Background()
	scout, q, man, files := newTestScout(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":        "package main",
		"pkg/util.go":    "package pkg",
		"pkg/helpers.go": "package pkg",
	})

	require.NoError(t, scout.Start(ctx, "run-1", root, nil))

	// Three file jobs, two directory jobs (. and pkg), one global job.
	for name, want := range map[string]int64{
		queue.FileAnalysis:      3,
		queue.DirectoryAnalysis: 2,
		queue.GlobalAnalysis:    1,
	} {
		depths, err := q.Depth(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, depths.Waiting, name)
	}

	status, err := man.RunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRunning, status)

	cfg, err := man.Config(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, root, cfg.RootPath)

	// Every analyzed file resolves through file_to_job_map.
	jobID, ok, err := man.FileJob(ctx, "run-1", "pkg/util.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, jobID)

	assert.Len(t, files.records, 3)
	for _, record := range files.records {
		assert.Equal(t, storage.FileActive, record.Status)
		assert.NotEmpty(t, record.Checksum)
	}
}

// TestStartGatesGraphBuildOnChildren verifies the finalizer is withheld until
// every analysis job of the run completes.
func TestStartGatesGraphBuildOnChildren(t *testing.T) {
	ctx := context.Background()
	scout, q, _, _ := newTestScout(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"only.go": "package only"})

	require.NoError(t, scout.Start(ctx, "run-1", root, nil))

	depths, err := q.Depth(ctx, queue.GraphBuild)
	require.NoError(t, err)
	assert.Zero(t, depths.Waiting)

	// Drain file, directory, and global analysis: one job each.
	for _, name := range []string{queue.FileAnalysis, queue.DirectoryAnalysis, queue.GlobalAnalysis} {
		job, err := q.Dequeue(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, job, name)
		require.NoError(t, q.Complete(ctx, job))
	}

	job, err := q.Dequeue(ctx, queue.GraphBuild)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-1", job.RunID)
}

func TestStartQueuesCarryPayloads(t *testing.T) {
	ctx := context.Background()
	scout, q, _, _ := newTestScout(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/app.ts": "export {}"})

	require.NoError(t, scout.Start(ctx, "run-1", root, nil))

	job, err := q.Dequeue(ctx, queue.FileAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)

	var payload analysis.FileAnalysisPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "src/app.ts", payload.FilePath)
	assert.Equal(t, "typescript", payload.Language)

	dirJob, err := q.Dequeue(ctx, queue.DirectoryAnalysis)
	require.NoError(t, err)
	require.NotNil(t, dirJob)

	var dirPayload analysis.DirectoryAnalysisPayload
	require.NoError(t, json.Unmarshal(dirJob.Payload, &dirPayload))
	assert.Equal(t, "src", dirPayload.DirPath)
	assert.Equal(t, []string{"src/app.ts"}, dirPayload.FilePaths)
}

func TestStartUnreadableRootFailsRun(t *testing.T) {
	ctx := context.Background()
	scout, _, man, _ := newTestScout(t)

	err := scout.Start(ctx, "run-1", t.TempDir()+"/missing", nil)
	require.ErrorIs(t, err, ErrRootUnreadable)

	status, statusErr := man.RunStatus(ctx, "run-1")
	require.NoError(t, statusErr)
	assert.Equal(t, manifest.StatusFailed, status)
}

// TestStartHoldsRootLease verifies two scouts cannot walk the same root at
// once.
func TestStartHoldsRootLease(t *testing.T) {
	ctx := context.Background()
	scout, _, _, _ := newTestScout(t)

	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "package a"})

	lease := manifest.NewLease(scoutClient(scout), "scout:"+root, manifest.LoadLeaseConfig())
	require.NoError(t, lease.Acquire(ctx, nil))

	defer func() { _ = lease.Release(ctx) }()

	err := scout.Start(ctx, "run-1", root, nil)
	require.ErrorIs(t, err, manifest.ErrLeaseHeld)
}

func scoutClient(s *Scout) redis.UniversalClient { return s.rdb }
