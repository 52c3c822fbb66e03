package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/pscheid92/livewire/internal/platform/correlation"
	"github.com/pscheid92/livewire/internal/platform/retry"
)

// queueCmd is the command interface for the queue actor.
type queueCmd interface{ isQueueCmd() }

type baseQueueCmd struct{}

func (baseQueueCmd) isQueueCmd() {}

type enqueueCmd struct {
	baseQueueCmd
	entry *entry
	reply chan error
}

type cancelCmd struct {
	baseQueueCmd
	id    string
	reply chan error
}

type pauseCmd struct {
	baseQueueCmd
	paused bool
	ack    chan struct{}
}

type kickCmd struct {
	baseQueueCmd
}

type setProcessorCmd struct {
	baseQueueCmd
	processor Processor
	ack       chan struct{}
}

type messagesCmd struct {
	baseQueueCmd
	reply chan []domain.QueuedMessage
}

type clearCmd struct {
	baseQueueCmd
	reply chan int
}

// resultCmd reports the outcome of one attempt. token identifies the
// attempt; results for a superseded token are ignored.
type resultCmd struct {
	baseQueueCmd
	id       string
	token    uint64
	err      error
	timedOut bool
}

type stopCmd struct {
	baseQueueCmd
}

func (q *Queue) run(writerDone <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Queue panic recovered", "panic", r)
		}
		q.cancelAll()
		close(q.snapCh)
		<-writerDone
		close(q.done)
	}()

	ticker := q.clock.NewTicker(q.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			q.purgeFailed()
			q.dispatch()

		case cmd := <-q.cmdCh:
			if _, ok := cmd.(stopCmd); ok {
				q.shutdown()
				return
			}
			q.handle(cmd)
		}
	}
}

func (q *Queue) handle(cmd queueCmd) {
	switch c := cmd.(type) {
	case enqueueCmd:
		c.reply <- q.handleEnqueue(c.entry)
		q.dispatch()

	case cancelCmd:
		c.reply <- q.handleCancel(c.id)

	case pauseCmd:
		q.paused = c.paused
		q.changed()
		c.ack <- struct{}{}
		if !q.paused {
			q.dispatch()
		}

	case kickCmd:
		q.dispatch()

	case setProcessorCmd:
		q.processor = c.processor
		c.ack <- struct{}{}
		q.dispatch()

	case messagesCmd:
		c.reply <- q.snapshot()

	case clearCmd:
		c.reply <- q.handleClear()

	case resultCmd:
		q.handleResult(c)
		q.dispatch()
	}
}

func (q *Queue) handleEnqueue(e *entry) error {
	if _, exists := q.byID[e.msg.ID]; exists {
		return apperrors.ConflictError("message id already queued", domain.ErrDuplicateID).
			WithField("id", e.msg.ID)
	}

	if len(q.entries) >= q.cfg.MaxSize {
		victim := q.lowestPending()
		if victim < 0 || q.entries[victim].msg.Priority >= e.msg.Priority {
			q.metrics.Rejected.Inc()
			return apperrors.CapacityError("queue is full").
				WithField("max_size", q.cfg.MaxSize).
				WithField("priority", e.msg.Priority)
		}
		q.evict(victim)
	}

	q.insert(e)
	q.metrics.Enqueued.Inc()
	q.changed()
	return nil
}

// lowestPending returns the index of the youngest pending entry in the
// lowest priority tier, or -1.
func (q *Queue) lowestPending() int {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].msg.Status == domain.StatusPending {
			return i
		}
	}
	return -1
}

func (q *Queue) evict(i int) {
	victim := q.entries[i]
	q.remove(i)
	q.totals.evicted++
	q.metrics.Evicted.Inc()

	slog.Warn("Evicted queued message", "id", victim.msg.ID, "priority", victim.msg.Priority)
	err := apperrors.CapacityError("message evicted").WithField("id", victim.msg.ID)
	q.notifyError(victim, fmt.Errorf("%w: %w", domain.ErrEvicted, err))
}

// insert places e after every entry of equal or higher priority.
func (q *Queue) insert(e *entry) {
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].msg.Priority < e.msg.Priority
	})
	q.entries = slices.Insert(q.entries, i, e)
	q.byID[e.msg.ID] = e
}

func (q *Queue) remove(i int) {
	delete(q.byID, q.entries[i].msg.ID)
	q.entries = slices.Delete(q.entries, i, i+1)
}

func (q *Queue) indexOf(id string) int {
	return slices.IndexFunc(q.entries, func(e *entry) bool { return e.msg.ID == id })
}

func (q *Queue) handleCancel(id string) error {
	e, ok := q.byID[id]
	if !ok {
		return apperrors.NotFoundError("message not found", domain.ErrMessageNotFound).WithField("id", id)
	}
	if e.msg.Status != domain.StatusPending {
		return apperrors.ConflictError("message cannot be cancelled", domain.ErrNotCancellable).
			WithField("id", id).
			WithField("status", string(e.msg.Status))
	}

	q.remove(q.indexOf(id))
	q.changed()
	return nil
}

func (q *Queue) handleClear() int {
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.msg.Status == domain.StatusPending {
			delete(q.byID, e.msg.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept

	for _, e := range q.failed {
		delete(q.byID, e.msg.ID)
	}
	removed += len(q.failed)
	q.failed = nil

	q.changed()
	return removed
}

// dispatch starts attempts for eligible pending entries in buffer order
// until the concurrency cap is reached.
func (q *Queue) dispatch() {
	if q.paused || q.processor == nil {
		return
	}

	now := q.clock.Now()
	started := false
	for _, e := range q.entries {
		if q.inFlight >= q.cfg.Concurrency {
			break
		}
		if e.msg.Status != domain.StatusPending || now.Before(e.msg.NextAttemptAt) {
			continue
		}
		if q.start(e, now) {
			started = true
		}
	}

	if started {
		q.changed()
	}
}

func (q *Queue) start(e *entry, now time.Time) bool {
	if !q.transition(e, domain.StatusProcessing) {
		return false
	}

	q.nextToken++
	token := q.nextToken
	id := e.msg.ID
	env := e.msg.Envelope
	processor := q.processor

	ctx, cancel := context.WithCancel(correlation.WithMessageID(q.baseCtx, id))
	e.token = token
	e.startedAt = now
	e.cancel = cancel
	q.inFlight++

	e.timer = q.clock.AfterFunc(q.cfg.ProcessingTimeout, func() {
		err := apperrors.TimeoutError("processing timed out").
			WithField("timeout", q.cfg.ProcessingTimeout.String())
		q.post(resultCmd{id: id, token: token, err: err, timedOut: true})
	})

	go func() {
		err := invoke(ctx, processor, env)
		q.post(resultCmd{id: id, token: token, err: err})
	}()
	return true
}

// transition moves e to next. Illegal edges are logged and refused, leaving
// the entry untouched.
func (q *Queue) transition(e *entry, next domain.MessageStatus) bool {
	if !e.msg.Status.CanTransition(next) {
		slog.Error("Refused illegal message status transition", "id", e.msg.ID, "from", e.msg.Status, "to", next)
		return false
	}
	e.msg.Status = next
	return true
}

func invoke(ctx context.Context, processor Processor, env domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.InternalError("processor panicked", fmt.Errorf("%v", r))
		}
	}()
	return processor(ctx, env)
}

func (q *Queue) handleResult(r resultCmd) {
	e, ok := q.byID[r.id]
	if !ok || e.token != r.token || e.msg.Status != domain.StatusProcessing {
		return
	}

	e.token = 0
	e.timer.Stop()
	e.cancel()
	q.inFlight--

	if r.timedOut {
		q.metrics.Timeouts.Inc()
	}

	if r.err == nil {
		q.complete(e)
	} else {
		q.fail(e, r.err)
	}
	q.changed()
}

func (q *Queue) complete(e *entry) {
	if !q.transition(e, domain.StatusCompleted) {
		return
	}
	elapsed := q.clock.Since(e.startedAt)

	q.remove(q.indexOf(e.msg.ID))
	e.msg.LastError = ""

	q.totals.completed++
	q.totals.avg += (elapsed - q.totals.avg) / time.Duration(q.totals.completed)
	q.metrics.Completed.Inc()
	q.metrics.ProcessingDuration.Observe(elapsed.Seconds())

	if cb := e.callbacks.OnSuccess; cb != nil {
		msg := e.msg
		go safeCallback("success", msg.ID, func() { cb(msg) })
	}
}

func (q *Queue) fail(e *entry, err error) {
	if e.msg.RetryCount < e.msg.MaxRetries && apperrors.Retryable(err) {
		if !q.transition(e, domain.StatusPending) {
			return
		}
		e.msg.LastError = err.Error()
		e.msg.RetryCount++
		delay := retry.Exponential(q.cfg.RetryBaseDelay, q.cfg.RetryMaxDelay, e.msg.RetryCount)
		e.msg.NextAttemptAt = q.clock.Now().Add(delay)

		q.totals.retried++
		q.metrics.Retried.Inc()
		slog.Debug("Scheduled message retry", "id", e.msg.ID, "retry", e.msg.RetryCount, "delay", delay, "error", err)
		return
	}

	if !q.transition(e, domain.StatusFailed) {
		return
	}
	e.msg.LastError = err.Error()
	q.remove(q.indexOf(e.msg.ID))
	e.msg.FailedAt = q.clock.Now()
	q.failed = append(q.failed, e)
	q.byID[e.msg.ID] = e

	q.totals.failed++
	q.metrics.Failed.Inc()
	slog.Warn("Message failed permanently", "id", e.msg.ID, "attempts", e.msg.RetryCount+1, "error", err)

	q.notifyError(e, err)
}

func (q *Queue) notifyError(e *entry, err error) {
	if cb := e.callbacks.OnError; cb != nil {
		msg := e.msg
		go safeCallback("error", msg.ID, func() { cb(msg, err) })
	}
}

func safeCallback(kind, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Queue callback panicked", "callback", kind, "id", id, "panic", r)
		}
	}()
	fn()
}

func (q *Queue) purgeFailed() {
	if len(q.failed) == 0 {
		return
	}
	now := q.clock.Now()
	kept := q.failed[:0]
	for _, e := range q.failed {
		if now.Sub(e.msg.FailedAt) >= q.cfg.FailedRetention {
			delete(q.byID, e.msg.ID)
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(q.failed) {
		return
	}
	clear(q.failed[len(kept):])
	q.failed = kept
	q.changed()
}

func (q *Queue) shutdown() {
	for _, e := range q.entries {
		if e.msg.Status == domain.StatusProcessing {
			e.timer.Stop()
			e.cancel()
		}
	}
	q.persist()
}

// changed publishes statistics and schedules a snapshot.
func (q *Queue) changed() {
	q.publishStats()
	q.persist()
}

func (q *Queue) publishStats() {
	stats := domain.QueueStats{
		Total:                 len(q.entries) + len(q.failed),
		Completed:             q.totals.completed,
		Failed:                q.totals.failed,
		Retried:               q.totals.retried,
		Evicted:               q.totals.evicted,
		AverageProcessingTime: q.totals.avg,
		Paused:                q.paused,
	}
	for _, e := range q.entries {
		switch e.msg.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusProcessing:
			stats.Processing++
		}
	}
	if settled := stats.Completed + stats.Failed; settled > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(settled)
	}

	q.metrics.Depth.WithLabelValues(string(domain.StatusPending)).Set(float64(stats.Pending))
	q.metrics.Depth.WithLabelValues(string(domain.StatusProcessing)).Set(float64(stats.Processing))
	q.metrics.Depth.WithLabelValues(string(domain.StatusFailed)).Set(float64(len(q.failed)))

	q.stats.Set(stats)
}

func (q *Queue) snapshot() []domain.QueuedMessage {
	msgs := make([]domain.QueuedMessage, 0, len(q.entries)+len(q.failed))
	for _, e := range q.entries {
		msgs = append(msgs, e.msg)
	}
	for _, e := range q.failed {
		msgs = append(msgs, e.msg)
	}
	return msgs
}
