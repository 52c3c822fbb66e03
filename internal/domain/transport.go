package domain

import "context"

// Close codes used by the connection manager.
const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	CloseLivenessTimeout = 4000
)

// TransportHandlers receive transport events. Handlers are invoked from the
// transport's read goroutine and must not block. OnPong fires for pong and
// ping control frames from the peer.
type TransportHandlers struct {
	OnMessage func(data []byte)
	OnPong    func()
	OnClose   func(code int, err error)
}

// Transport is an open, bidirectional, WebSocket-shaped message channel.
type Transport interface {
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error

	// Ping writes a liveness probe. The peer's answer arrives via OnPong.
	Ping(ctx context.Context) error

	// Close sends a close frame with the given code and releases the connection.
	// OnClose fires at most once per transport.
	Close(code int, reason string) error
}

// Dialer opens transports. A successful Dial is the "open" event.
type Dialer interface {
	Dial(ctx context.Context, url string, protocols []string, handlers TransportHandlers) (Transport, error)
}
