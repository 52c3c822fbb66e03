// Package websocket implements domain.Dialer and domain.Transport on top of
// gorilla/websocket.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
)

const (
	handshakeTimeout = 10 * time.Second
	writeDeadline    = 5 * time.Second
	closeGracePeriod = time.Second
	maxMessageSize   = 1 << 20
)

// Dialer opens client connections.
type Dialer struct {
	dialer *websocket.Dialer
	header http.Header
	clock  clockwork.Clock
}

var _ domain.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer. header is sent with every handshake and may be nil.
func NewDialer(header http.Header, clock clockwork.Clock) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: header,
		clock:  clock,
	}
}

// Dial performs the handshake and starts the read loop. Handlers fire from
// the read loop goroutine.
func (d *Dialer) Dial(ctx context.Context, url string, protocols []string, handlers domain.TransportHandlers) (domain.Transport, error) {
	dialer := *d.dialer
	dialer.Subprotocols = protocols

	ws, resp, err := dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.TransportError(fmt.Sprintf("handshake rejected with status %d", resp.StatusCode), err).
				WithField("url", url)
		}
		return nil, apperrors.TransportError("dial failed", err).WithField("url", url)
	}

	c := newConn(ws, d.clock, handlers)
	go c.readLoop()
	return c, nil
}
