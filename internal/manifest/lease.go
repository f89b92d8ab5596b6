package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cartograph-io/cartographer/internal/config"
)

// Default lease timings (overridable via LOCK_LEASE_MS / LOCK_RENEWAL_MS).
const (
	DefaultLeaseTTL     = 30 * time.Second
	DefaultLeaseRenewal = 10 * time.Second
)

// Sentinel errors for lease operations.
var (
	// ErrLeaseHeld is returned when another process already holds the lease.
	ErrLeaseHeld = errors.New("lease already held by another process")

	// ErrLeaseLost is returned when a renewal discovers the lease is no longer
	// ours (expired and taken, or deleted).
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is a distributed single-holder lease keyed on an arbitrary resource
// name (Scout keys it on rootPath so only one walker enumerates a tree at a
// time). Renewal and release are guarded by an owner token so a stalled
// process can never extend or delete a lease it no longer owns.
type Lease struct {
	rdb     redis.UniversalClient
	key     string
	token   string
	ttl     time.Duration
	renewal time.Duration
	logger  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// LeaseConfig holds lease timings loaded from the environment.
type LeaseConfig struct {
	TTL     time.Duration
	Renewal time.Duration
}

// LoadLeaseConfig reads LOCK_LEASE_MS and LOCK_RENEWAL_MS from the
// environment.
func LoadLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:     time.Duration(config.GetEnvInt("LOCK_LEASE_MS", int(DefaultLeaseTTL.Milliseconds()))) * time.Millisecond,
		Renewal: time.Duration(config.GetEnvInt("LOCK_RENEWAL_MS", int(DefaultLeaseRenewal.Milliseconds()))) * time.Millisecond,
	}
}

// NewLease creates an unacquired lease on the named resource.
func NewLease(rdb redis.UniversalClient, resource string, cfg LeaseConfig) *Lease {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseTTL
	}

	if cfg.Renewal <= 0 || cfg.Renewal >= cfg.TTL {
		cfg.Renewal = cfg.TTL / 3
	}

	return &Lease{
		rdb:     rdb,
		key:     "lease:" + resource,
		token:   uuid.NewString(),
		ttl:     cfg.TTL,
		renewal: cfg.Renewal,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Acquire takes the lease, then renews it in the background until Release is
// called. onLost is invoked (once, from the renewal goroutine) if a renewal
// discovers the lease is gone; holders are expected to shut down.
func (l *Lease) Acquire(ctx context.Context, onLost func()) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, l.key)
	}

	go l.renewLoop(onLost)

	l.logger.Debug("lease acquired",
		slog.String("key", l.key),
		slog.Duration("ttl", l.ttl))

	return nil
}

// renewLoop extends the lease every renewal interval until stopped or lost.
func (l *Lease) renewLoop(onLost func()) {
	defer close(l.done)

	ticker := time.NewTicker(l.renewal)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.renewal)
			owned, err := renewLeaseScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()

			if err != nil {
				// Transient cache failure: keep trying until the TTL decides.
				l.logger.Warn("lease renewal failed",
					slog.String("key", l.key),
					slog.String("error", err.Error()))

				continue
			}

			if owned == 0 {
				l.logger.Error("lease lost", slog.String("key", l.key))

				if onLost != nil {
					onLost()
				}

				return
			}
		}
	}
}

// Release stops renewal and deletes the lease if still owned. Safe to call
// multiple times; releasing a lost lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	var releaseErr error

	l.stopOnce.Do(func() {
		close(l.stop)

		select {
		case <-l.done:
		case <-time.After(l.renewal):
			l.logger.Warn("lease renewal goroutine did not stop within timeout",
				slog.String("key", l.key))
		}

		if _, err := releaseLeaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64(); err != nil {
			releaseErr = fmt.Errorf("failed to release lease %s: %w", l.key, err)
		}
	})

	return releaseErr
}
