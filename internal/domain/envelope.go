package domain

import (
	"encoding/json"
	"time"
)

// Reserved envelope types.
const (
	TypeWildcard = "*"
	TypeError    = "error"
	TypeBatch    = "batch"
)

// Envelope is the unit exchanged over the transport.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RemoteError is the payload of an inbound envelope with type "error".
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
