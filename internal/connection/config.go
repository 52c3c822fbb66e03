package connection

import "time"

// Config controls transport lifecycle behavior.
type Config struct {
	URL       string
	Protocols []string

	ReconnectEnabled     bool
	ReconnectInterval    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectJitter      time.Duration
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RejectPendingOnDisconnect bool
	RequestTimeout            time.Duration

	// SendRateLimit caps outbound frames per second. Zero disables it.
	SendRateLimit float64
}

func DefaultConfig() Config {
	return Config{
		ReconnectEnabled:          true,
		ReconnectInterval:         time.Second,
		ReconnectMaxDelay:         30 * time.Second,
		ReconnectJitter:           time.Second,
		MaxReconnectAttempts:      10,
		HeartbeatInterval:         30 * time.Second,
		HeartbeatTimeout:          10 * time.Second,
		RejectPendingOnDisconnect: true,
		RequestTimeout:            10 * time.Second,
	}
}
