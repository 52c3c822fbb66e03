package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/livewire/internal/domain"
	"github.com/pscheid92/livewire/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

const operationTimeout = 2 * time.Second

// Store keeps queue snapshots as plain Redis strings. An optional TTL lets
// abandoned snapshots expire.
type Store struct {
	rdb    goredis.Cmdable
	ttl    time.Duration
	policy retry.Policy
}

var _ domain.Store = (*Store)(nil)

func NewStore(rdb goredis.Cmdable, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	value, err := retry.Do(ctx, s.policy, classify, func() ([]byte, error) {
		return s.rdb.Get(ctx, key).Bytes()
	})
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	err := retry.DoVoid(ctx, s.policy, classify, func() error {
		return s.rdb.Set(ctx, key, value, s.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// classify stops on misses and on an open breaker; anything else is worth
// another try.
func classify(err error) retry.Action {
	if errors.Is(err, goredis.Nil) || errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Stop
	}
	return retry.Retry
}
