package dispatch

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/pscheid92/livewire/internal/platform/observable"
)

// Handler receives one inbound envelope.
type Handler func(env domain.Envelope)

type subscription struct {
	id      int
	handler Handler
}

// Dispatcher is safe for concurrent use. Handlers run on the caller's
// goroutine, which for a live connection is the transport read loop.
type Dispatcher struct {
	clock      clockwork.Clock
	metrics    *metrics.DispatchMetrics
	recentSize int

	mu      sync.Mutex
	nextID  int
	subs    map[string][]subscription
	pending map[string]*PendingRequest

	recentMu sync.Mutex
	recent   *observable.Subject[[]domain.Envelope]
}

// New creates a dispatcher keeping the last recentSize envelopes. A nil m
// registers metrics on a private registry.
func New(recentSize int, clock clockwork.Clock, m *metrics.DispatchMetrics) *Dispatcher {
	if m == nil {
		m = metrics.NewDispatchMetrics(prometheus.NewRegistry())
	}
	return &Dispatcher{
		clock:      clock,
		metrics:    m,
		recentSize: max(recentSize, 0),
		subs:       make(map[string][]subscription),
		pending:    make(map[string]*PendingRequest),
		recent:     observable.New[[]domain.Envelope](nil),
	}
}

// Subscribe registers h for envelopes of msgType. domain.TypeWildcard
// subscribes to every type. The returned function removes the handler.
func (d *Dispatcher) Subscribe(msgType string, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[msgType] = append(d.subs[msgType], subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.subs[msgType] = slices.DeleteFunc(d.subs[msgType], func(s subscription) bool { return s.id == id })
			if len(d.subs[msgType]) == 0 {
				delete(d.subs, msgType)
			}
		})
	}
}

// SubscribeAll registers h for every envelope type.
func (d *Dispatcher) SubscribeAll(h Handler) (unsubscribe func()) {
	return d.Subscribe(domain.TypeWildcard, h)
}

// Dispatch handles one raw inbound frame. Malformed frames are logged and
// dropped.
func (d *Dispatcher) Dispatch(data []byte) {
	env, err := parse(data)
	if err != nil {
		d.metrics.ParseErrors.Inc()
		slog.Warn("Dropped inbound frame", "error", err, "bytes", len(data))
		return
	}

	d.record(env)

	if env.ID != "" && d.settle(env) {
		return
	}
	d.publish(env)
}

func parse(data []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, apperrors.ParseError("invalid envelope", err)
	}
	if env.Type == "" {
		return env, apperrors.ParseError("envelope type is required", nil)
	}
	return env, nil
}

func (d *Dispatcher) publish(env domain.Envelope) {
	d.mu.Lock()
	handlers := make([]Handler, 0, len(d.subs[env.Type])+len(d.subs[domain.TypeWildcard]))
	for _, s := range d.subs[env.Type] {
		handlers = append(handlers, s.handler)
	}
	if env.Type != domain.TypeWildcard {
		for _, s := range d.subs[domain.TypeWildcard] {
			handlers = append(handlers, s.handler)
		}
	}
	d.mu.Unlock()

	d.metrics.Dispatched.WithLabelValues(env.Type).Inc()
	for _, h := range handlers {
		d.call(h, env)
	}
}

func (d *Dispatcher) call(h Handler, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanics.Inc()
			slog.Error("Subscriber panic recovered", "type", env.Type, "id", env.ID, "panic", r)
		}
	}()
	h(env)
}

func (d *Dispatcher) record(env domain.Envelope) {
	if d.recentSize == 0 {
		return
	}

	d.recentMu.Lock()
	defer d.recentMu.Unlock()

	prev := d.recent.Get()
	start := max(len(prev)+1-d.recentSize, 0)
	next := make([]domain.Envelope, 0, min(len(prev)+1, d.recentSize))
	next = append(next, prev[start:]...)
	next = append(next, env)
	d.recent.Set(next)
}

// Recent returns the buffered envelopes, oldest first.
func (d *Dispatcher) Recent() []domain.Envelope {
	return slices.Clone(d.recent.Get())
}

// RecentSubject exposes the diagnostic buffer for subscription. Values
// passed to subscribers must not be modified.
func (d *Dispatcher) RecentSubject() *observable.Subject[[]domain.Envelope] {
	return d.recent
}

// Await registers a pending request under id. It is settled by a matching
// response, by the timeout, or by RejectAll, whichever happens first.
func (d *Dispatcher) Await(id string, timeout time.Duration) (*PendingRequest, error) {
	if id == "" {
		return nil, apperrors.ValidationError("request id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[id]; exists {
		return nil, apperrors.ConflictError("request already pending", domain.ErrDuplicateID).WithField("id", id)
	}

	p := &PendingRequest{ID: id, d: d, done: make(chan struct{})}
	d.pending[id] = p
	p.timer = d.clock.AfterFunc(timeout, func() {
		err := apperrors.TimeoutError("request timed out").
			WithField("id", id).
			WithField("timeout", timeout.String())
		d.reject(id, err, "timeout")
	})
	return p, nil
}

// RejectAll settles every pending request with err and returns how many
// were rejected.
func (d *Dispatcher) RejectAll(err error) int {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*PendingRequest)
	d.mu.Unlock()

	for _, p := range pending {
		p.settle(nil, err)
		d.metrics.ResponsesMatched.WithLabelValues("rejected").Inc()
	}
	return len(pending)
}

// Reject settles the pending request id with err. It reports false when no
// such request is pending.
func (d *Dispatcher) Reject(id string, err error) bool {
	return d.reject(id, err, "rejected")
}

// PendingCount returns the number of unsettled requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// take removes and returns the pending request for id. Only the caller that
// takes a request may settle it.
func (d *Dispatcher) take(id string) (*PendingRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return p, ok
}

func (d *Dispatcher) settle(env domain.Envelope) bool {
	p, ok := d.take(env.ID)
	if !ok {
		return false
	}

	if env.Type == domain.TypeError {
		p.settle(nil, apperrors.RemoteError("request rejected by peer", decodeRemoteError(env.Payload)).WithField("id", env.ID))
		d.metrics.ResponsesMatched.WithLabelValues("error").Inc()
		return true
	}

	p.settle(env.Payload, nil)
	d.metrics.ResponsesMatched.WithLabelValues("resolved").Inc()
	return true
}

func (d *Dispatcher) reject(id string, err error, outcome string) bool {
	p, ok := d.take(id)
	if !ok {
		return false
	}
	p.settle(nil, err)
	d.metrics.ResponsesMatched.WithLabelValues(outcome).Inc()
	return true
}

func decodeRemoteError(payload json.RawMessage) *domain.RemoteError {
	remote := &domain.RemoteError{}
	if err := json.Unmarshal(payload, remote); err != nil || remote.Message == "" {
		remote.Message = string(payload)
	}
	if remote.Message == "" {
		remote.Message = "unknown error"
	}
	return remote
}
