package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/dispatch"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/pscheid92/livewire/internal/platform/observable"
	"github.com/pscheid92/livewire/internal/queue"
	"golang.org/x/time/rate"
)

const (
	commandBuffer = 256
	dialTimeout   = 15 * time.Second
	stopTimeout   = 10 * time.Second
	maxExponent   = 5
)

var allStatuses = []string{
	string(domain.StatusConnecting),
	string(domain.StatusConnected),
	string(domain.StatusDisconnected),
	string(domain.StatusError),
}

// link is the transport currently in use, readable without the actor.
type link struct {
	transport domain.Transport
}

// Manager is constructed once per remote endpoint and passed to consumers.
type Manager struct {
	cfg        Config
	dialer     domain.Dialer
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	clock      clockwork.Clock
	metrics    *metrics.ConnectionMetrics
	limiter    *rate.Limiter

	cmdCh    chan managerCmd
	done     chan struct{}
	state    *observable.Subject[domain.ConnectionState]
	current  atomic.Pointer[link]
	lastSeen atomic.Int64

	// owned by run()
	status          domain.ConnectionState
	transport       domain.Transport
	generation      uint64
	dialing         bool
	cancelDial      context.CancelFunc
	waiters         []chan error
	shouldReconnect bool
	reconnectTimer  clockwork.Timer
	heartbeatTimer  clockwork.Timer
	livenessTimer   clockwork.Timer
}

// NewManager creates a manager and starts its goroutine. It does not dial;
// call Connect. q is paused until the first connection opens. A nil m
// registers metrics on a private registry.
func NewManager(cfg Config, dialer domain.Dialer, q *queue.Queue, d *dispatch.Dispatcher, clock clockwork.Clock, m *metrics.ConnectionMetrics) *Manager {
	if m == nil {
		m = metrics.NewConnectionMetrics(prometheus.NewRegistry())
	}

	mgr := &Manager{
		cfg:        cfg,
		dialer:     dialer,
		queue:      q,
		dispatcher: d,
		clock:      clock,
		metrics:    m,
		cmdCh:      make(chan managerCmd, commandBuffer),
		done:       make(chan struct{}),
		status:     domain.ConnectionState{Status: domain.StatusDisconnected},
	}
	mgr.state = observable.New(mgr.status)
	m.SetState(string(domain.StatusDisconnected), allStatuses...)

	if cfg.SendRateLimit > 0 {
		burst := max(1, int(math.Ceil(cfg.SendRateLimit)))
		mgr.limiter = rate.NewLimiter(rate.Limit(cfg.SendRateLimit), burst)
	}

	q.Pause()
	go mgr.run()
	return mgr
}

// Connect opens the transport and blocks until it is open or the dial
// fails. It returns immediately when already connected; callers arriving
// while a dial is in flight share its outcome. After reconnect attempts are
// exhausted, Connect starts a fresh attempt budget.
func (m *Manager) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, connectCmd{reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	case <-m.done:
		return stoppedError()
	}
}

// Disconnect disables reconnection, cancels timers and closes the transport
// with a normal closure. Pending requests are rejected when configured.
func (m *Manager) Disconnect(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := m.send(ctx, disconnectCmd{reply: reply}); err != nil {
		return err
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", ctx.Err())
	case <-m.done:
		return nil
	}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	return m.state.Get()
}

// StateSubject exposes the connection state for subscription. Subscribers
// run on the manager goroutine and must not call back into the manager.
func (m *Manager) StateSubject() *observable.Subject[domain.ConnectionState] {
	return m.state
}

// Stop disconnects and shuts down the manager goroutine.
func (m *Manager) Stop() {
	select {
	case m.cmdCh <- stopCmd{}:
	case <-m.done:
		return
	}

	timeout := m.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-m.done:
		slog.Info("Connection manager stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Connection manager stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (m *Manager) send(ctx context.Context, cmd managerCmd) error {
	select {
	case m.cmdCh <- cmd:
		return nil
	case <-m.done:
		return stoppedError()
	case <-ctx.Done():
		return fmt.Errorf("connection command: %w", ctx.Err())
	}
}

func (m *Manager) post(cmd managerCmd) {
	select {
	case m.cmdCh <- cmd:
	case <-m.done:
	}
}

func stoppedError() error {
	return apperrors.ClosedError("connection manager is stopped", domain.ErrConnectionClosed)
}
