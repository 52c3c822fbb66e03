package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/pscheid92/livewire/internal/platform/correlation"
	"github.com/pscheid92/livewire/internal/queue"
)

// Send builds an envelope around payload and delivers it. When connected
// with an empty queue it is written directly; otherwise, or if the direct
// write fails, it is enqueued with opts. Callbacks in opts only fire for
// enqueued messages. Returns the envelope id.
func (m *Manager) Send(ctx context.Context, msgType string, payload any, opts ...queue.Option) (string, error) {
	env, err := m.envelope(msgType, payload)
	if err != nil {
		return "", err
	}
	if err := m.deliver(ctx, env, opts...); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Request sends msgType with request priority and waits for the response
// carrying the same id. A zero timeout uses Config.RequestTimeout.
func (m *Manager) Request(ctx context.Context, msgType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	env, err := m.envelope(msgType, payload)
	if err != nil {
		return nil, err
	}

	pending, err := m.dispatcher.Await(env.ID, timeout)
	if err != nil {
		return nil, err
	}
	m.metrics.PendingRequests.Set(float64(m.dispatcher.PendingCount()))
	defer func() { m.metrics.PendingRequests.Set(float64(m.dispatcher.PendingCount())) }()

	if err := m.deliver(ctx, env, queue.WithPriority(queue.PriorityRequest)); err != nil {
		m.dispatcher.Reject(env.ID, err)
		return nil, err
	}
	return pending.Wait(ctx)
}

// Transmit writes one queued envelope. It is the queue's processor when
// batching is off.
func (m *Manager) Transmit(ctx context.Context, env domain.Envelope) error {
	l := m.current.Load()
	if l == nil {
		return apperrors.TransportError("not connected", domain.ErrNotConnected)
	}
	return m.write(ctx, l, env, "queued")
}

// TransmitBatch writes several queued envelopes as one batch envelope whose
// payload is the array of envelopes.
func (m *Manager) TransmitBatch(ctx context.Context, envs []domain.Envelope) error {
	switch len(envs) {
	case 0:
		return nil
	case 1:
		return m.Transmit(ctx, envs[0])
	}

	env, err := m.envelope(domain.TypeBatch, envs)
	if err != nil {
		return err
	}
	return m.Transmit(ctx, env)
}

func (m *Manager) deliver(ctx context.Context, env domain.Envelope, opts ...queue.Option) error {
	if l := m.current.Load(); l != nil && !m.queue.Backlog() {
		err := m.write(ctx, l, env, "direct")
		if err == nil {
			return nil
		}
		slog.Debug("Direct send failed, queueing", "id", env.ID, "error", err)
	}

	if _, err := m.queue.Enqueue(ctx, env, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.Type, err)
	}
	return nil
}

func (m *Manager) write(ctx context.Context, l *link, env domain.Envelope, path string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.ValidationError("envelope is not serializable").WithField("id", env.ID)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return apperrors.TimeoutError("send rate limit wait aborted").WithField("id", env.ID)
		}
	}

	if err := l.transport.Send(ctx, data); err != nil {
		return err
	}
	m.metrics.FramesSent.WithLabelValues(path).Inc()
	return nil
}

func (m *Manager) envelope(msgType string, payload any) (domain.Envelope, error) {
	if msgType == "" {
		return domain.Envelope{}, apperrors.ValidationError("message type is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, apperrors.ValidationError("payload is not serializable").WithField("type", msgType)
	}

	return domain.Envelope{
		ID:        correlation.NewMessageID(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: m.clock.Now(),
	}, nil
}
