package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartographer/internal/storage"
)

type fakeStore struct {
	rows []storage.OutboxRow
}

func (f *fakeStore) DrainPending(ctx context.Context, batchSize int, publish storage.PublishFunc) (int, error) {
	published := 0

	for _, row := range f.rows {
		if published == batchSize {
			break
		}

		if err := publish(ctx, row); err != nil {
			continue
		}

		published++
	}

	return published, nil
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}

	f.messages = append(f.messages, msgs...)

	return nil
}

func (f *fakeWriter) Close() error {
	f.closed++

	return nil
}

func testConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxFailures:  5,
	}
}

func newTestPublisher(t *testing.T, rows ...storage.OutboxRow) (*Publisher, *fakeWriter) {
	t.Helper()

	publisher, err := New(&fakeStore{rows: rows}, testConfig())
	require.NoError(t, err)

	fw := &fakeWriter{}
	publisher.writer = fw

	return publisher, fw
}

func TestDrainOncePublishesRowIDAsKey(t *testing.T) {
	payload, err := json.Marshal(storage.FindingEvent{
		Version:          storage.FindingEventVersion,
		RunID:            "run-1",
		RelationshipHash: "abc",
		EvidenceID:       "ev-1",
	})
	require.NoError(t, err)

	publisher, fw := newTestPublisher(t,
		storage.OutboxRow{ID: 41, Payload: payload},
		storage.OutboxRow{ID: 42, Payload: payload},
	)

	published, err := publisher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	require.Len(t, fw.messages, 2)
	assert.Equal(t, "41", string(fw.messages[0].Key))
	assert.Equal(t, "42", string(fw.messages[1].Key))
	assert.JSONEq(t, string(payload), string(fw.messages[0].Value))
}

func TestDrainOnceBrokerFailure(t *testing.T) {
	publisher, fw := newTestPublisher(t, storage.OutboxRow{ID: 1, Payload: []byte(`{}`)})
	fw.err = assert.AnError

	published, err := publisher.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	publisher, _ := newTestPublisher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, publisher.Run(ctx))
}

func TestCloseIsIdempotent(t *testing.T) {
	publisher, fw := newTestPublisher(t)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())
	assert.Equal(t, 1, fw.closed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"zero interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
