package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/pscheid92/livewire/internal/platform/correlation"
	"github.com/pscheid92/livewire/internal/platform/observable"
)

const (
	commandBuffer = 256
	stopTimeout   = 10 * time.Second
)

// Processor delivers one envelope. A nil error marks the message completed.
// ctx is cancelled when the attempt times out or the queue stops.
type Processor func(ctx context.Context, env domain.Envelope) error

// Queue is the priority/retry outbound buffer.
type Queue struct {
	cfg     Config
	clock   clockwork.Clock
	store   domain.Store
	metrics *metrics.QueueMetrics

	cmdCh  chan queueCmd
	snapCh chan []byte
	done   chan struct{}
	stats  *observable.Subject[domain.QueueStats]

	// owned by run()
	entries   []*entry
	failed    []*entry
	byID      map[string]*entry
	inFlight  int
	paused    bool
	processor Processor
	nextToken uint64
	totals    totals
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

type entry struct {
	msg       domain.QueuedMessage
	callbacks domain.Callbacks

	token     uint64
	startedAt time.Time
	cancel    context.CancelFunc
	timer     clockwork.Timer
}

type totals struct {
	completed int64
	failed    int64
	retried   int64
	evicted   int64
	avg       time.Duration
}

// New creates a queue and starts its goroutine. When store is non-nil the
// previous snapshot under cfg.PersistenceKey is loaded first; entries that
// were processing when it was written come back as pending. A nil m
// registers metrics on a private registry.
func New(ctx context.Context, cfg Config, store domain.Store, clock clockwork.Clock, m *metrics.QueueMetrics) *Queue {
	if m == nil {
		m = metrics.NewQueueMetrics(prometheus.NewRegistry())
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}

	baseCtx, cancelAll := context.WithCancel(context.Background())
	q := &Queue{
		cfg:       cfg,
		clock:     clock,
		store:     store,
		metrics:   m,
		cmdCh:     make(chan queueCmd, commandBuffer),
		snapCh:    make(chan []byte, 1),
		done:      make(chan struct{}),
		stats:     observable.New(domain.QueueStats{}),
		byID:      make(map[string]*entry),
		baseCtx:   baseCtx,
		cancelAll: cancelAll,
	}

	if store != nil {
		q.load(ctx)
	}
	q.publishStats()

	writerDone := make(chan struct{})
	go q.writeSnapshots(writerDone)
	go q.run(writerDone)
	return q
}

// Enqueue buffers env and returns its id. A missing env.ID is generated.
// When the queue is full, the youngest pending message of the lowest
// priority tier is evicted if its priority is strictly below the new
// message's; otherwise a capacity error is returned and nothing changes.
// A tie does not evict: a message whose priority equals the lowest pending
// priority is rejected.
func (q *Queue) Enqueue(ctx context.Context, env domain.Envelope, opts ...Option) (string, error) {
	o := enqueueOptions{priority: PriorityNormal, maxRetries: q.cfg.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	if env.ID == "" {
		env.ID = correlation.NewMessageID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = q.clock.Now()
	}

	e := &entry{
		msg: domain.QueuedMessage{
			Envelope:   env,
			Priority:   o.priority,
			MaxRetries: o.maxRetries,
			Status:     domain.StatusPending,
			EnqueuedAt: q.clock.Now(),
		},
		callbacks: o.callbacks,
	}

	reply := make(chan error, 1)
	if err := q.send(ctx, enqueueCmd{entry: e, reply: reply}); err != nil {
		return "", err
	}
	err, ok := await(q, reply)
	if !ok {
		return "", stoppedError()
	}
	if err != nil {
		return "", err
	}
	return env.ID, nil
}

// Cancel removes a pending message. Messages already handed to the
// processor cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	reply := make(chan error, 1)
	if err := q.send(context.Background(), cancelCmd{id: id, reply: reply}); err != nil {
		return err
	}
	err, ok := await(q, reply)
	if !ok {
		return stoppedError()
	}
	return err
}

// Pause stops dispatching new attempts. Queued state is kept and in-flight
// attempts run to completion.
func (q *Queue) Pause() {
	q.setPaused(true)
}

// Resume restarts dispatching and runs one dispatch pass immediately.
func (q *Queue) Resume() {
	q.setPaused(false)
}

func (q *Queue) setPaused(paused bool) {
	ack := make(chan struct{}, 1)
	if err := q.send(context.Background(), pauseCmd{paused: paused, ack: ack}); err == nil {
		await(q, ack)
	}
}

// Kick runs a dispatch pass without waiting for the next tick.
func (q *Queue) Kick() {
	_ = q.send(context.Background(), kickCmd{})
}

// SetProcessor installs the delivery function. Until one is installed
// messages stay pending.
func (q *Queue) SetProcessor(p Processor) {
	ack := make(chan struct{}, 1)
	if err := q.send(context.Background(), setProcessorCmd{processor: p, ack: ack}); err == nil {
		await(q, ack)
	}
}

// Stats returns the latest statistics.
func (q *Queue) Stats() domain.QueueStats {
	return q.stats.Get()
}

// StatsSubject exposes statistics for subscription.
func (q *Queue) StatsSubject() *observable.Subject[domain.QueueStats] {
	return q.stats
}

// Backlog reports whether any message is pending or processing.
func (q *Queue) Backlog() bool {
	s := q.stats.Get()
	return s.Pending+s.Processing > 0
}

// Messages returns a copy of every buffered message, in dispatch order,
// followed by retained failures.
func (q *Queue) Messages() []domain.QueuedMessage {
	reply := make(chan []domain.QueuedMessage, 1)
	if err := q.send(context.Background(), messagesCmd{reply: reply}); err != nil {
		return nil
	}
	msgs, _ := await(q, reply)
	return msgs
}

// Clear drops every pending and retained failed message and returns how
// many were removed. Processing messages are left alone.
func (q *Queue) Clear() int {
	reply := make(chan int, 1)
	if err := q.send(context.Background(), clearCmd{reply: reply}); err != nil {
		return 0
	}
	n, _ := await(q, reply)
	return n
}

// Stop cancels in-flight attempts, writes a final snapshot and stops the
// queue goroutine. It blocks until shutdown finishes or times out.
func (q *Queue) Stop() {
	select {
	case q.cmdCh <- stopCmd{}:
	case <-q.done:
		return
	}

	timeout := q.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-q.done:
		slog.Info("Queue stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Queue stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (q *Queue) send(ctx context.Context, cmd queueCmd) error {
	select {
	case q.cmdCh <- cmd:
		return nil
	case <-q.done:
		return stoppedError()
	case <-ctx.Done():
		return fmt.Errorf("queue command: %w", ctx.Err())
	}
}

// post delivers internal results; it never blocks once the queue is gone.
func (q *Queue) post(cmd queueCmd) {
	select {
	case q.cmdCh <- cmd:
	case <-q.done:
	}
}

// await prefers a ready reply over the done signal, because the loop
// answers a command before it can exit.
func await[T any](q *Queue, reply <-chan T) (T, bool) {
	select {
	case v := <-reply:
		return v, true
	case <-q.done:
		select {
		case v := <-reply:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

func stoppedError() error {
	return apperrors.ClosedError("queue is stopped", domain.ErrQueueStopped)
}
