package domain

import "context"

// Store is the pluggable string-keyed persistence contract used for queue
// snapshots. Get returns ErrNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}
