// Package queue implements the durable job queue on Redis: named queues with
// at-least-once delivery, delayed delivery, per-job retry with exponential
// backoff, a dead-letter queue, queue pause/resume, and parent jobs gated on
// the completion of their declared children.
//
// Job payloads are versioned JSON records; consumers reject unknown versions.
// All multi-step queue transitions run as server-side scripts so concurrent
// workers and the delayed-job mover never observe partial state.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cartograph-io/cartographer/internal/config"
)

// Queue names. The queue is the authority on job delivery; these names are
// the complete topology of the pipeline.
const (
	FileAnalysis          = "file-analysis"
	DirectoryAnalysis     = "directory-analysis"
	GlobalAnalysis        = "global-analysis"
	ReconcileRelationship = "reconcile-relationship"
	GraphBuild            = "graph-build"
	DeadLetter            = "failed-jobs"
)

// PayloadVersion tags the job envelope schema.
const PayloadVersion = 1

// Job states, mirroring the queue-level state machine.
const (
	StateWaiting         = "waiting"
	StateWaitingChildren = "waiting-children"
	StateDelayed         = "delayed"
	StateActive          = "active"
	StateCompleted       = "completed"
	StateDeadLetter      = "dead-letter"
)

// Sentinel errors for queue operations.
var (
	ErrUnsupportedPayloadVersion = errors.New("unsupported job payload version")
	ErrJobNotFound               = errors.New("job not found")
	ErrEmptyJobID                = errors.New("job id cannot be empty")
)

// Job is one unit of work delivered through the queue.
//
// ID, Queue, RunID, PayloadVersion and Payload form the immutable envelope
// serialized at enqueue time. Attempt and Parent are runtime fields managed
// by the queue itself.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	RunID          string          `json:"run_id"`
	PayloadVersion int             `json:"payload_version"`
	Payload        json.RawMessage `json:"payload"`

	// Attempt is the number of deliveries so far, 1 on first delivery.
	Attempt int `json:"-"`
	// Parent is the id of the job gated on this one, if any.
	Parent string `json:"-"`
}

// Envelope returns the serialized immutable part of the job.
func (j *Job) Envelope() ([]byte, error) {
	j.PayloadVersion = PayloadVersion

	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	return data, nil
}

// DecodeEnvelope parses a stored job envelope, rejecting unknown payload
// versions.
func DecodeEnvelope(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job envelope: %w", err)
	}

	if job.PayloadVersion != PayloadVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPayloadVersion, job.PayloadVersion)
	}

	return &job, nil
}

// Config holds queue-wide retry and timeout policy.
type Config struct {
	// BackoffBase is the first retry delay; attempt n waits BackoffBase * 2^(n-1).
	BackoffBase time.Duration
	// MaxRetries caps deliveries per job; a job failing on its MaxRetries-th
	// attempt is dead-lettered.
	MaxRetries int
	// JobTimeout bounds one delivery; an expired lease counts as a failed
	// attempt and the job is redelivered.
	JobTimeout time.Duration
}

// LoadConfig reads queue policy from the environment.
func LoadConfig() Config {
	return Config{
		BackoffBase: config.GetEnvDuration("JOB_BACKOFF", time.Second),
		MaxRetries:  config.GetEnvInt("MAX_JOB_RETRIES", 3),
		JobTimeout:  config.GetEnvDuration("JOB_TIMEOUT", 10*time.Minute),
	}
}

// backoffDelay computes the exponential retry delay for the given delivery
// attempt (1-based).
func (c Config) backoffDelay(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	return delay
}

// retryableError and fatalError classify handler failures for the queue's
// retry policy. Anything unwrapped is treated as retryable.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable marks an error as transient: the queue redelivers the job with
// backoff up to MaxRetries.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &retryableError{err: err}
}

// Fatal marks an error as permanent: the job moves to the dead-letter queue
// immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &fatalError{err: err}
}

// IsFatal reports whether the error (anywhere in its chain) was marked fatal.
func IsFatal(err error) bool {
	var fatal *fatalError

	return errors.As(err, &fatal)
}
