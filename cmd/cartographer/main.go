// Package main provides the Cartographer service binary.
//
// One binary hosts every pipeline role; the first argument selects which
// role the process runs. A full deployment runs one scout per scan, a pool
// of analysis workers per scope, one outbox publisher, validators,
// reconcilers, one graph builder, and a cleaner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cartograph-io/cartographer/internal/analysis"
	"github.com/cartograph-io/cartographer/internal/cleaner"
	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/graph"
	"github.com/cartograph-io/cartographer/internal/ident"
	"github.com/cartograph-io/cartographer/internal/llm"
	"github.com/cartograph-io/cartographer/internal/manifest"
	"github.com/cartograph-io/cartographer/internal/outbox"
	"github.com/cartograph-io/cartographer/internal/queue"
	"github.com/cartograph-io/cartographer/internal/reconcile"
	"github.com/cartograph-io/cartographer/internal/scout"
	"github.com/cartograph-io/cartographer/internal/storage"
	"github.com/cartograph-io/cartographer/internal/validation"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "cartographer"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	role := flag.Arg(0)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("service", name), slog.String("role", role))

	logger.Info("Starting Cartographer", slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, role, logger); err != nil {
		logger.Error("Role exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Cartographer stopped")
}

// run dispatches to the requested role. Every role blocks until the context
// is cancelled or the role's work is done.
func run(ctx context.Context, role string, logger *slog.Logger) error {
	switch role {
	case "scout":
		return runScout(ctx, logger)
	case "worker":
		if flag.NArg() < 2 {
			return fmt.Errorf("worker role requires a scope: file, directory, or global")
		}

		return runAnalysisWorker(ctx, flag.Arg(1), logger)
	case "publisher":
		return runPublisher(ctx, logger)
	case "validator":
		return runValidator(ctx, logger)
	case "reconciler":
		return runReconciler(ctx, logger)
	case "graph-builder":
		return runGraphBuilder(ctx, logger)
	case "cleaner":
		return runCleaner(ctx, logger)
	default:
		printUsage()

		return fmt.Errorf("unknown role: %s", role)
	}
}

// newRedisClient builds a Redis client from REDIS_URL.
func newRedisClient(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.GetEnvStr("REDIS_URL", "redis://localhost:6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return rdb, nil
}

// newQueue builds the job queue and arranges for a dead-lettered graph-build
// job to mark its run failed. The finalizer is the only job whose loss would
// otherwise leave the run status at running forever; ordinary analysis and
// reconcile dead letters surface through the final run status instead.
func newQueue(rdb redis.UniversalClient, logger *slog.Logger) *queue.Queue {
	q := queue.New(rdb, queue.LoadConfig())
	man := manifest.New(rdb)

	q.OnDeadLetter(func(ctx context.Context, job *queue.Job) {
		if job.Queue != queue.GraphBuild {
			return
		}

		if err := man.SetRunStatus(ctx, job.RunID, manifest.StatusFailed); err != nil {
			logger.Error("Failed to mark run failed",
				slog.String("run_id", job.RunID),
				slog.String("error", err.Error()))
		}
	})

	return q
}

// connectStorage opens the PostgreSQL pool shared by a role's stores.
func connectStorage(ctx context.Context, logger *slog.Logger) (*storage.Connection, error) {
	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", storageConfig.MaxOpenConns),
	)

	return conn, nil
}

func runScout(ctx context.Context, logger *slog.Logger) error {
	rdb, err := newRedisClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	conn, err := connectStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	files, err := storage.NewFileStore(conn)
	if err != nil {
		return err
	}

	runID := config.GetEnvStr("RUN_ID", "")
	if runID == "" {
		runID = ulid.Make().String()
	}

	rootPath := config.GetEnvStr("SCAN_ROOT", ".")

	logger.Info("Starting scan",
		slog.String("run_id", runID),
		slog.String("root_path", rootPath),
	)

	s := scout.New(queue.New(rdb, queue.LoadConfig()), manifest.New(rdb), files, rdb)

	if err := s.Start(ctx, runID, rootPath, nil); err != nil {
		return fmt.Errorf("scan %s failed: %w", runID, err)
	}

	logger.Info("Scan seeded", slog.String("run_id", runID))

	return nil
}

func runAnalysisWorker(ctx context.Context, scope string, logger *slog.Logger) error {
	kind, err := ident.ParseWorkerKind(scope)
	if err != nil {
		return err
	}

	queueName := map[ident.WorkerKind]string{
		ident.WorkerFile:      queue.FileAnalysis,
		ident.WorkerDirectory: queue.DirectoryAnalysis,
		ident.WorkerGlobal:    queue.GlobalAnalysis,
	}[kind]
	if queueName == "" {
		return fmt.Errorf("scope %q is not an analysis scope", scope)
	}

	rdb, err := newRedisClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	conn, err := connectStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	evidence, err := storage.NewEvidenceStore(conn)
	if err != nil {
		return err
	}

	files, err := storage.NewFileStore(conn)
	if err != nil {
		return err
	}

	llmConfig := llm.LoadConfig()

	client, err := llm.NewAnthropicClient(llmConfig)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	logger.Info("Model client initialized",
		slog.String("model", llmConfig.Model),
		slog.Float64("requests_per_second", llmConfig.RequestsSec),
	)

	worker, err := analysis.NewWorker(
		kind, client, manifest.New(rdb), evidence, files, analysis.LoadConfig(),
	)
	if err != nil {
		return err
	}

	q := newQueue(rdb, logger)

	return runQueueConsumer(ctx, q, queueName, workerConcurrency(), worker.Process)
}

func runPublisher(ctx context.Context, logger *slog.Logger) error {
	conn, err := connectStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	publisherConfig := outbox.LoadConfig()

	store, err := storage.NewOutboxStore(conn, publisherConfig.MaxFailures)
	if err != nil {
		return err
	}

	publisher, err := outbox.New(store, publisherConfig)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	logger.Info("Outbox publisher initialized",
		slog.Any("brokers", publisherConfig.Brokers),
		slog.Duration("poll_interval", publisherConfig.PollInterval),
		slog.Int("batch_size", publisherConfig.BatchSize),
	)

	return publisher.Run(ctx)
}

func runValidator(ctx context.Context, logger *slog.Logger) error {
	rdb, err := newRedisClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	worker, err := validation.NewWorker(
		validation.LoadConfig(), manifest.New(rdb), queue.New(rdb, queue.LoadConfig()),
	)
	if err != nil {
		return err
	}
	defer func() { _ = worker.Close() }()

	logger.Info("Validation worker initialized")

	return worker.Run(ctx)
}

func runReconciler(ctx context.Context, logger *slog.Logger) error {
	rdb, err := newRedisClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	conn, err := connectStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	evidence, err := storage.NewEvidenceStore(conn)
	if err != nil {
		return err
	}

	relationships, err := storage.NewRelationshipStore(conn)
	if err != nil {
		return err
	}

	worker := reconcile.NewWorker(evidence, relationships, manifest.New(rdb))
	q := newQueue(rdb, logger)

	return runQueueConsumer(ctx, q, queue.ReconcileRelationship, workerConcurrency(), worker.Process)
}

func runGraphBuilder(ctx context.Context, logger *slog.Logger) error {
	rdb, err := newRedisClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	conn, err := connectStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	graphConfig := graph.LoadConfig()
	if err := graphConfig.Validate(); err != nil {
		return err
	}

	executor, err := graph.Connect(ctx, graphConfig)
	if err != nil {
		return err
	}
	defer func() { _ = executor.Close(context.Background()) }()

	logger.Info("Graph store connected", slog.String("uri", graphConfig.URI))

	relationships, err := storage.NewRelationshipStore(conn)
	if err != nil {
		return err
	}

	files, err := storage.NewFileStore(conn)
	if err != nil {
		return err
	}

	outboxConfig := outbox.LoadConfig()

	outboxStore, err := storage.NewOutboxStore(conn, outboxConfig.MaxFailures)
	if err != nil {
		return err
	}

	lag, err := validation.NewLagChecker(outboxConfig.Brokers)
	if err != nil {
		return err
	}

	q := newQueue(rdb, logger)
	builder := graph.NewBuilder(
		graph.NewStore(executor), relationships, files, q, outboxStore, lag,
		manifest.New(rdb), graphConfig.BatchSize,
	)

	// Graph builds serialize; one in-flight merge per process.
	return runQueueConsumer(ctx, q, queue.GraphBuild, 1, builder.Process)
}

func runCleaner(ctx context.Context, logger *slog.Logger) error {
	conn, err := connectStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	graphConfig := graph.LoadConfig()
	if err := graphConfig.Validate(); err != nil {
		return err
	}

	executor, err := graph.Connect(ctx, graphConfig)
	if err != nil {
		return err
	}
	defer func() { _ = executor.Close(context.Background()) }()

	files, err := storage.NewFileStore(conn)
	if err != nil {
		return err
	}

	relationships, err := storage.NewRelationshipStore(conn)
	if err != nil {
		return err
	}

	cleanerConfig := cleaner.LoadConfig()

	logger.Info("Cleaner initialized",
		slog.String("root_path", cleanerConfig.RootPath),
		slog.Duration("interval", cleanerConfig.Interval),
	)

	return cleaner.New(files, relationships, graph.NewStore(executor), cleanerConfig).Run(ctx)
}

// runQueueConsumer runs a worker pool and the delayed-job mover side by side
// until the context is cancelled.
func runQueueConsumer(
	ctx context.Context,
	q *queue.Queue,
	queueName string,
	concurrency int,
	handler queue.HandlerFunc,
) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.RunWorker(ctx, queueName, concurrency, handler)
	})

	g.Go(func() error {
		return q.RunMover(ctx, config.GetEnvDuration("MOVER_INTERVAL", time.Second))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func workerConcurrency() int {
	return config.GetEnvInt("WORKER_CONCURRENCY", 4)
}

func printUsage() {
	fmt.Printf(`%s v%s - code repository knowledge graph service

USAGE:
    %s [OPTIONS] ROLE

ROLES:
    scout                Scan SCAN_ROOT and seed a new analysis run
    worker SCOPE         Run analysis workers (scope: file, directory, global)
    publisher            Drain the transactional outbox to Kafka
    validator            Consume findings and dispatch reconciliation
    reconciler           Render verdicts from accumulated evidence
    graph-builder        Merge validated relationships into Neo4j
    cleaner              Mark and sweep data for vanished files

OPTIONS:
    --version  Show version information
`, name, version, name)
}
