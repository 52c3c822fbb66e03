package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/domain"
	"github.com/sony/gobreaker"
)

const backend = "postgres"

const (
	getSnapshotSQL = `SELECT value FROM snapshots WHERE key = $1`
	setSnapshotSQL = `INSERT INTO snapshots (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

// Store keeps queue snapshots in the snapshots table. Calls run through a
// circuit breaker that opens after 5 consecutive failures.
type Store struct {
	pool *pgxpool.Pool
	cb   *gobreaker.CircuitBreaker
}

var _ domain.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, m *metrics.StoreMetrics) *Store {
	settings := gobreaker.Settings{
		Name:        backend,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(backend).Set(float64(to))
			}
		},
	}

	return &Store{pool: pool, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.cb.Execute(func() (any, error) {
		var value []byte
		err := s.pool.QueryRow(ctx, getSnapshotSQL, key).Scan(&value)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return value, err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return result.([]byte), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.cb.Execute(func() (any, error) {
		_, err := s.pool.Exec(ctx, setSnapshotSQL, key, value)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

// State reports the breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}
