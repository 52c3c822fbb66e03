package domain

import "time"

// ConnectionStatus is the coarse state of the transport.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is owned by one connection manager for its whole lifetime.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastError         string           `json:"last_error,omitempty"`
	LastConnected     time.Time        `json:"last_connected,omitempty"`
	LastDisconnected  time.Time        `json:"last_disconnected,omitempty"`
}
