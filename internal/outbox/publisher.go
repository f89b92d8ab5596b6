// Package outbox runs the publisher sidecar: it drains PENDING outbox rows
// to the event bus in row-id order. One sidecar runs next to each analysis
// worker pool; row claiming is lock-free across instances.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cartograph-io/cartographer/internal/config"
	"github.com/cartograph-io/cartographer/internal/storage"
)

// TopicFindings is the event-bus topic carrying analysis-finding events.
const TopicFindings = "analysis-findings"

// TopicFindingsDLQ receives findings the validation worker cannot decode.
const TopicFindingsDLQ = "analysis-findings-dlq"

// Store is the slice of the relational store the publisher drains.
type Store interface {
	DrainPending(ctx context.Context, batchSize int, publish storage.PublishFunc) (int, error)
}

var _ Store = (*storage.OutboxStore)(nil)

// Config holds publisher settings.
type Config struct {
	Brokers      []string
	PollInterval time.Duration
	BatchSize    int
	// MaxFailures is the per-row publish attempt cap; it is enforced by the
	// store and carried here so main can construct both consistently.
	MaxFailures int
}

// LoadConfig reads publisher settings from the environment.
func LoadConfig() Config {
	return Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		PollInterval: time.Duration(config.GetEnvInt("OUTBOX_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		BatchSize:    config.GetEnvInt("OUTBOX_BATCH_SIZE", 100),
		MaxFailures:  config.GetEnvInt("OUTBOX_MAX_FAILURES", 5),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL_MS must be positive")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}

	return nil
}

// writer is the slice of kafka.Writer the publisher uses, extracted for
// tests.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher polls the outbox table and publishes PENDING rows.
type Publisher struct {
	store  Store
	writer writer
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
}

// New creates a Publisher with a Kafka writer for the findings topic.
func New(store Store, cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Publisher{
		store: store,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        TopicFindings,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run polls until ctx is cancelled. A drain error is logged and retried on
// the next tick; the sidecar never gives up.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("outbox publisher started",
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Int("batch_size", p.cfg.BatchSize))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			published, err := p.DrainOnce(ctx)
			if err != nil {
				p.logger.Error("outbox drain failed", slog.String("error", err.Error()))

				continue
			}

			if published > 0 {
				p.logger.Debug("outbox drained", slog.Int("published", published))
			}
		}
	}
}

// DrainOnce claims and publishes one batch.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	return p.store.DrainPending(ctx, p.cfg.BatchSize, p.publish)
}

// publish delivers one row. The row id is the message key: it is the
// consumer-side idempotency key, and hashing on it keeps redeliveries of the
// same row on the same partition.
func (p *Publisher) publish(ctx context.Context, row storage.OutboxRow) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(row.ID, 10)),
		Value: row.Payload,
	})
}

// Close flushes and closes the Kafka writer.
func (p *Publisher) Close() error {
	var err error

	p.closeOnce.Do(func() {
		err = p.writer.Close()
	})

	return err
}
