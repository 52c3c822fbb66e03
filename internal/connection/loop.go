package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/pscheid92/livewire/internal/platform/retry"
)

// managerCmd is the command interface for the manager actor.
type managerCmd interface{ isManagerCmd() }

type baseManagerCmd struct{}

func (baseManagerCmd) isManagerCmd() {}

type connectCmd struct {
	baseManagerCmd
	reply chan error
}

type disconnectCmd struct {
	baseManagerCmd
	reply chan struct{}
}

type dialResultCmd struct {
	baseManagerCmd
	gen       uint64
	transport domain.Transport
	err       error
}

type closedCmd struct {
	baseManagerCmd
	gen  uint64
	code int
	err  error
}

type heartbeatCmd struct {
	baseManagerCmd
	gen uint64
}

type livenessCmd struct {
	baseManagerCmd
	gen     uint64
	probeAt time.Time
}

type reconnectCmd struct {
	baseManagerCmd
	gen uint64
}

type stopCmd struct {
	baseManagerCmd
}

func (m *Manager) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Connection manager panic recovered", "panic", r)
		}
		close(m.done)
	}()

	for cmd := range m.cmdCh {
		switch c := cmd.(type) {
		case connectCmd:
			m.handleConnect(c)
		case disconnectCmd:
			m.handleDisconnect()
			c.reply <- struct{}{}
		case dialResultCmd:
			m.handleDialResult(c)
		case closedCmd:
			if c.gen == m.generation && m.transport != nil {
				m.handleClosed(c.code, c.err)
			}
		case heartbeatCmd:
			m.handleHeartbeat(c.gen)
		case livenessCmd:
			m.handleLiveness(c)
		case reconnectCmd:
			if c.gen == m.generation && m.shouldReconnect && m.transport == nil && !m.dialing {
				m.startDial()
			}
		case stopCmd:
			m.handleDisconnect()
			return
		}
	}
}

func (m *Manager) handleConnect(c connectCmd) {
	if m.transport != nil {
		c.reply <- nil
		return
	}

	m.waiters = append(m.waiters, c.reply)
	if m.dialing {
		return
	}

	if !m.shouldReconnect && m.status.ReconnectAttempts != 0 {
		// explicit connect after Disconnect or exhaustion starts a fresh budget
		m.setState(func(s *domain.ConnectionState) { s.ReconnectAttempts = 0 })
	}
	m.shouldReconnect = m.cfg.ReconnectEnabled
	stopTimer(&m.reconnectTimer)
	m.startDial()
}

func (m *Manager) startDial() {
	m.generation++
	gen := m.generation
	m.dialing = true
	m.setState(func(s *domain.ConnectionState) { s.Status = domain.StatusConnecting })

	handlers := m.handlers(gen)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	m.cancelDial = cancel
	go func() {
		defer cancel()
		tr, err := m.dialer.Dial(ctx, m.cfg.URL, m.cfg.Protocols, handlers)
		m.post(dialResultCmd{gen: gen, transport: tr, err: err})
	}()
}

func (m *Manager) handlers(gen uint64) domain.TransportHandlers {
	return domain.TransportHandlers{
		OnMessage: func(data []byte) {
			m.touch()
			m.metrics.FramesReceived.Inc()
			m.dispatcher.Dispatch(data)
		},
		OnPong: m.touch,
		OnClose: func(code int, err error) {
			m.post(closedCmd{gen: gen, code: code, err: err})
		},
	}
}

func (m *Manager) touch() {
	m.lastSeen.Store(m.clock.Now().UnixNano())
}

func (m *Manager) handleDialResult(c dialResultCmd) {
	if c.gen != m.generation || !m.dialing {
		// superseded by Disconnect or a newer dial
		if c.transport != nil {
			_ = c.transport.Close(domain.CloseNormal, "superseded")
		}
		return
	}
	m.dialing = false
	m.cancelDial = nil

	if c.err != nil {
		slog.Warn("Dial failed", "url", m.cfg.URL, "error", c.err)
		m.answerWaiters(c.err)
		m.handleClosed(domain.CloseAbnormal, c.err)
		return
	}

	m.transport = c.transport
	m.current.Store(&link{transport: c.transport})
	m.touch()

	now := m.clock.Now()
	m.setState(func(s *domain.ConnectionState) {
		s.Status = domain.StatusConnected
		s.ReconnectAttempts = 0
		s.LastError = ""
		s.LastConnected = now
	})
	slog.Info("Connected", "url", m.cfg.URL)

	m.armHeartbeat(c.gen)
	m.queue.Resume()
	m.answerWaiters(nil)
}

// handleClosed runs the close path for the current transport or a failed
// dial: tear down, pause the queue, then schedule a reconnect if allowed.
func (m *Manager) handleClosed(code int, err error) {
	m.teardown()

	now := m.clock.Now()
	if err != nil {
		m.setState(func(s *domain.ConnectionState) {
			s.Status = domain.StatusError
			s.LastError = err.Error()
		})
	}
	m.setState(func(s *domain.ConnectionState) {
		s.Status = domain.StatusDisconnected
		s.LastDisconnected = now
	})
	slog.Info("Disconnected", "code", code, "error", err)

	if m.cfg.RejectPendingOnDisconnect {
		m.rejectPending()
	}

	if !m.shouldReconnect {
		return
	}

	attempts := m.status.ReconnectAttempts
	if attempts >= m.cfg.MaxReconnectAttempts {
		m.shouldReconnect = false
		exhausted := apperrors.TransportError("giving up after reconnect attempts", domain.ErrReconnectExhausted).
			WithField("attempts", attempts)
		m.setState(func(s *domain.ConnectionState) {
			s.Status = domain.StatusError
			s.LastError = exhausted.Error()
		})
		slog.Error("Reconnect attempts exhausted", "url", m.cfg.URL, "attempts", attempts)
		return
	}

	delay := retry.Jittered(m.cfg.ReconnectInterval, m.cfg.ReconnectMaxDelay, m.cfg.ReconnectJitter, attempts, maxExponent)
	gen := m.generation
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.post(reconnectCmd{gen: gen}) })
	m.metrics.ReconnectAttempts.Inc()
	m.setState(func(s *domain.ConnectionState) { s.ReconnectAttempts = attempts + 1 })
	slog.Info("Reconnect scheduled", "attempt", attempts+1, "delay", delay)
}

func (m *Manager) handleDisconnect() {
	m.shouldReconnect = false
	stopTimer(&m.reconnectTimer)

	if m.dialing {
		m.dialing = false
		m.generation++
		m.cancelDial()
		m.cancelDial = nil
	}
	m.answerWaiters(apperrors.ClosedError("disconnected while connecting", domain.ErrConnectionClosed))

	tr := m.transport
	m.teardown()
	if tr != nil {
		if err := tr.Close(domain.CloseNormal, "client disconnect"); err != nil {
			slog.Warn("Close failed", "error", err)
		}
	}

	if m.cfg.RejectPendingOnDisconnect {
		m.rejectPending()
	}
	if m.status.Status != domain.StatusDisconnected {
		now := m.clock.Now()
		m.setState(func(s *domain.ConnectionState) {
			s.Status = domain.StatusDisconnected
			s.LastDisconnected = now
		})
	}
}

// teardown forgets the current transport and stops heartbeat timers. Events
// from the old transport are ignored afterwards.
func (m *Manager) teardown() {
	stopTimer(&m.heartbeatTimer)
	stopTimer(&m.livenessTimer)

	m.generation++
	m.transport = nil
	m.current.Store(nil)
	m.queue.Pause()
}

func (m *Manager) armHeartbeat(gen uint64) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.post(heartbeatCmd{gen: gen}) })
}

func (m *Manager) handleHeartbeat(gen uint64) {
	if gen != m.generation || m.transport == nil {
		return
	}

	probeAt := m.clock.Now()
	stopTimer(&m.livenessTimer)
	m.livenessTimer = m.clock.AfterFunc(m.cfg.HeartbeatTimeout, func() {
		m.post(livenessCmd{gen: gen, probeAt: probeAt})
	})
	m.armHeartbeat(gen)

	tr := m.transport
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatTimeout)
		defer cancel()
		if err := tr.Ping(ctx); err != nil {
			slog.Debug("Heartbeat ping failed", "error", err)
		}
	}()
}

func (m *Manager) handleLiveness(c livenessCmd) {
	if c.gen != m.generation || m.transport == nil {
		return
	}
	if !time.Unix(0, m.lastSeen.Load()).Before(c.probeAt) {
		return
	}

	m.metrics.LivenessFailures.Inc()
	slog.Warn("Peer stopped answering heartbeats", "timeout", m.cfg.HeartbeatTimeout)

	if err := m.transport.Close(domain.CloseLivenessTimeout, "liveness timeout"); err != nil {
		slog.Debug("Close after liveness timeout failed", "error", err)
	}
	err := apperrors.TimeoutError("liveness timeout").WithField("timeout", m.cfg.HeartbeatTimeout.String())
	m.handleClosed(domain.CloseLivenessTimeout, err)
}

func (m *Manager) rejectPending() {
	err := apperrors.ClosedError("connection closed", domain.ErrConnectionClosed)
	if n := m.dispatcher.RejectAll(err); n > 0 {
		slog.Info("Rejected pending requests", "count", n)
	}
	m.metrics.PendingRequests.Set(0)
}

func (m *Manager) answerWaiters(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Manager) setState(mutate func(s *domain.ConnectionState)) {
	mutate(&m.status)
	m.metrics.SetState(string(m.status.Status), allStatuses...)
	m.state.Set(m.status)
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
