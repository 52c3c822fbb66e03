package queue

import (
	"time"

	"github.com/pscheid92/livewire/internal/domain"
)

// Config controls buffering, concurrency and retry behavior.
type Config struct {
	MaxSize           int
	Concurrency       int
	ProcessInterval   time.Duration
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// ProcessingTimeout bounds one attempt. Delivery is at least once: a
	// timed-out attempt is retried even though its processor may still
	// finish, so a batched item can be sent by both the old and new attempt.
	ProcessingTimeout time.Duration
	FailedRetention   time.Duration
	PersistenceKey    string
}

// DefaultConfig returns the defaults documented for the environment config.
func DefaultConfig() Config {
	return Config{
		MaxSize:           1000,
		Concurrency:       3,
		ProcessInterval:   100 * time.Millisecond,
		DefaultMaxRetries: 3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		ProcessingTimeout: 30 * time.Second,
		FailedRetention:   5 * time.Minute,
		PersistenceKey:    "livewire:queue",
	}
}

type enqueueOptions struct {
	priority   int
	maxRetries int
	callbacks  domain.Callbacks
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

// WithPriority sets the message priority. Higher values dequeue first.
func WithPriority(priority int) Option {
	return func(o *enqueueOptions) { o.priority = priority }
}

// WithMaxRetries overrides Config.DefaultMaxRetries for one message.
func WithMaxRetries(n int) Option {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithCallbacks attaches completion hooks. They are not persisted.
func WithCallbacks(cb domain.Callbacks) Option {
	return func(o *enqueueOptions) { o.callbacks = cb }
}

// Priorities used by the connection manager.
const (
	PriorityLow     = 0
	PriorityNormal  = 1
	PriorityHigh    = 5
	PriorityRequest = 10
)
