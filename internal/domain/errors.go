package domain

import "errors"

var (
	ErrNotFound           = errors.New("key not found")
	ErrNotConnected       = errors.New("not connected")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReconnectExhausted = errors.New("max reconnect attempts exhausted")
	ErrQueueStopped       = errors.New("queue stopped")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotCancellable     = errors.New("message is no longer pending")
	ErrEvicted            = errors.New("evicted by a higher-priority message")
	ErrDuplicateID        = errors.New("duplicate message id")
)
