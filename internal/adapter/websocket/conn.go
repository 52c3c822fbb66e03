package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
)

// Conn is one open client connection.
type Conn struct {
	ws       *websocket.Conn
	clock    clockwork.Clock
	handlers domain.TransportHandlers

	writeMu   sync.Mutex
	sentCode  atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

var _ domain.Transport = (*Conn)(nil)

func newConn(ws *websocket.Conn, clock clockwork.Clock, handlers domain.TransportHandlers) *Conn {
	c := &Conn{
		ws:       ws,
		clock:    clock,
		handlers: handlers,
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.alive()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		c.alive()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), c.deadline(context.Background()))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c
}

// Subprotocol returns the protocol negotiated during the handshake.
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// Send writes one text frame. The write deadline is the earlier of ctx's
// deadline and the default write deadline.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.closed() {
		return apperrors.ClosedError("connection is closed", domain.ErrConnectionClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(c.deadline(ctx))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.TransportError("write failed", err)
	}
	return nil
}

// Ping writes a ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed() {
		return apperrors.ClosedError("connection is closed", domain.ErrConnectionClosed)
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline(ctx)); err != nil {
		return apperrors.TransportError("ping failed", err)
	}
	return nil
}

// Close starts the closing handshake. The socket is released once the peer
// echoes the close frame or after a grace period; OnClose then reports code.
func (c *Conn) Close(code int, reason string) error {
	if !c.sentCode.CompareAndSwap(0, int32(code)) || c.closed() {
		return nil
	}

	msg := websocket.FormatCloseMessage(code, reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, c.deadline(context.Background()))

	go func() {
		select {
		case <-c.done:
		case <-c.clock.After(closeGracePeriod):
			_ = c.ws.Close()
		}
	}()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		_ = c.ws.Close()
		return apperrors.TransportError("close failed", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	}
}

func (c *Conn) finish(readErr error) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		close(c.done)

		code, err := closeStatus(readErr)
		if sent := c.sentCode.Load(); sent != 0 {
			code, err = int(sent), nil
		}
		slog.Debug("WebSocket closed", "code", code, "error", err)

		if c.handlers.OnClose != nil {
			c.handlers.OnClose(code, err)
		}
	})
}

// closeStatus maps a read error to a close code. Normal and going-away
// closures from the peer are not errors.
func closeStatus(err error) (int, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return ce.Code, nil
		case websocket.CloseNoStatusReceived:
			return domain.CloseNormal, nil
		default:
			return ce.Code, apperrors.TransportError("connection closed by peer", err).WithField("code", ce.Code)
		}
	}
	return domain.CloseAbnormal, apperrors.TransportError("read failed", err)
}

func (c *Conn) alive() {
	if c.handlers.OnPong != nil {
		c.handlers.OnPong()
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	deadline := c.clock.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
