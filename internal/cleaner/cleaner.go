// Package cleaner reconciles stored state with the filesystem: files deleted
// from the repository are marked, then swept out of the graph and relational
// stores. Mark and sweep are independently schedulable and each idempotent.
package cleaner

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// FileStore is the slice of the relational store the cleaner works through.
type FileStore interface {
	ListFiles(ctx context.Context) ([]storage.FileRecord, error)
	ListPendingDeletion(ctx context.Context) ([]storage.FileRecord, error)
	MarkPendingDeletion(ctx context.Context, id int64) error
	POIIDsForFile(ctx context.Context, fileID int64) ([]string, error)
	DeleteFile(ctx context.Context, id int64) error
}

// RelationshipPruner removes verdicts referencing swept POIs.
type RelationshipPruner interface {
	DeleteByPOIs(ctx context.Context, poiIDs []string) (int64, error)
}

// GraphDeleter removes nodes and their edges from the graph store.
type GraphDeleter interface {
	DeleteByPOIIDs(ctx context.Context, ids []string) error
}

var (
	_ FileStore          = (*storage.FileStore)(nil)
	_ RelationshipPruner = (*storage.RelationshipStore)(nil)
)

// Config holds cleaner settings.
type Config struct {
	RootPath string
	Interval time.Duration
}

// LoadConfig reads cleaner settings from the environment.
func LoadConfig() Config {
	return Config{
		RootPath: config.GetEnvStr("CLEANER_ROOT_PATH", "."),
		Interval: time.Duration(config.GetEnvInt("CLEANER_INTERVAL_MS", 60_000)) * time.Millisecond,
	}
}

// Cleaner runs the mark and sweep phases.
type Cleaner struct {
	files         FileStore
	relationships RelationshipPruner
	graph         GraphDeleter
	cfg           Config
	logger        *slog.Logger
}

// New creates a Cleaner.
func New(files FileStore, relationships RelationshipPruner, graph GraphDeleter, cfg Config) *Cleaner {
	return &Cleaner{
		files:         files,
		relationships: relationships,
		graph:         graph,
		cfg:           cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run alternates mark and sweep until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Mark(ctx); err != nil {
				c.logger.Error("mark phase failed", slog.String("error", err.Error()))

				continue
			}

			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("sweep phase failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Mark flags every files row whose path no longer exists on disk. It never
// touches the graph store; a transient stat error (permissions, I/O) leaves
// the row alone rather than risking a wrong deletion.
func (c *Cleaner) Mark(ctx context.Context) (int, error) {
	records, err := c.files.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	marked := 0

	for _, record := range records {
		if record.Status == storage.FilePendingDeletion {
			continue
		}

		_, err := os.Stat(filepath.Join(c.cfg.RootPath, filepath.FromSlash(record.Path)))
		if err == nil {
			continue
		}

		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("stat failed, leaving file unmarked",
				slog.String("path", record.Path),
				slog.String("error", err.Error()))

			continue
		}

		if err := c.files.MarkPendingDeletion(ctx, record.ID); err != nil {
			return marked, err
		}

		c.logger.Info("file marked for deletion", slog.String("path", record.Path))
		marked++
	}

	return marked, nil
}

// Sweep deletes marked files from the graph store first and the relational
// store second. A graph-side failure leaves the row marked for the next
// sweep; that ordering is what prevents orphaned graph data.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	records, err := c.files.ListPendingDeletion(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0

	for _, record := range records {
		poiIDs, err := c.files.POIIDsForFile(ctx, record.ID)
		if err != nil {
			return swept, err
		}

		// The file's own anchor node goes too.
		poiIDs = append(poiIDs, ident.FilePOI(record.Path).ID())

		if err := c.graph.DeleteByPOIIDs(ctx, poiIDs); err != nil {
			c.logger.Warn("graph deletion failed, keeping row marked",
				slog.String("path", record.Path),
				slog.String("error", err.Error()))

			continue
		}

		if _, err := c.relationships.DeleteByPOIs(ctx, poiIDs); err != nil {
			return swept, err
		}

		if err := c.files.DeleteFile(ctx, record.ID); err != nil {
			return swept, err
		}

		c.logger.Info("file swept", slog.String("path", record.Path))
		swept++
	}

	return swept, nil
}
