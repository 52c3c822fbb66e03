package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/adapter/store"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	poll    = time.Millisecond
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	return cfg
}

func newTestQueue(t *testing.T, cfg Config, s domain.Store) (*Queue, *clockwork.FakeClock, *metrics.QueueMetrics) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	m := metrics.NewQueueMetrics(prometheus.NewRegistry())
	q := New(context.Background(), cfg, s, clock, m)
	t.Cleanup(q.Stop)
	return q, clock, m
}

func envelope(kind string) domain.Envelope {
	return domain.Envelope{Type: kind, Payload: json.RawMessage(`{}`)}
}

func priorities(msgs []domain.QueuedMessage) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.Priority
	}
	return out
}

// advanceUntil moves the fake clock forward in steps until cond holds.
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clock.Advance(step)
		return false
	}, waitFor, poll)
}

func TestEnqueue_AssignsUniqueIDs(t *testing.T) {
	q, _, m := newTestQueue(t, testConfig(), nil)

	id1, err := q.Enqueue(context.Background(), envelope("a"))
	require.NoError(t, err)
	id2, err := q.Enqueue(context.Background(), envelope("a"))
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, q.Stats().Pending)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Enqueued))
}

func TestEnqueue_RejectsDuplicateID(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	env := envelope("a")
	env.ID = "fixed"

	_, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), env)

	assert.ErrorIs(t, err, domain.ErrDuplicateID)
	assert.Equal(t, 1, q.Stats().Total)
}

func TestEnqueue_PriorityOrderWithFIFOTieBreak(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, envelope("a"), WithPriority(1))
	urgent, _ := q.Enqueue(ctx, envelope("b"), WithPriority(5))
	second, _ := q.Enqueue(ctx, envelope("c"), WithPriority(1))

	msgs := q.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{urgent, first, second}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	var mu sync.Mutex
	var order []string
	q.SetProcessor(func(_ context.Context, env domain.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, env.ID)
		return nil
	})

	require.Eventually(t, func() bool { return q.Stats().Completed == 3 }, waitFor, poll)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{urgent, first, second}, order)
}

func TestEnqueue_OrderingHoldsForMixedSequences(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	for _, p := range []int{3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5} {
		_, err := q.Enqueue(ctx, envelope("x"), WithPriority(p))
		require.NoError(t, err)
	}

	msgs := q.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.GreaterOrEqual(t, msgs[i-1].Priority, msgs[i].Priority)
		if msgs[i-1].Priority == msgs[i].Priority {
			assert.False(t, msgs[i].EnqueuedAt.Before(msgs[i-1].EnqueuedAt))
		}
	}
}

func TestEnqueue_EvictsLowestPriorityWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	q, _, m := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	evicted := make(chan error, 1)
	_, err := q.Enqueue(ctx, envelope("low"), WithPriority(1), WithCallbacks(domain.Callbacks{
		OnError: func(_ domain.QueuedMessage, err error) { evicted <- err },
	}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, envelope("mid"), WithPriority(2))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, envelope("high"), WithPriority(3))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2}, priorities(q.Messages()))
	assert.Equal(t, int64(1), q.Stats().Evicted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evicted))

	select {
	case err := <-evicted:
		assert.ErrorIs(t, err, domain.ErrEvicted)
	case <-time.After(waitFor):
		t.Fatal("eviction callback did not fire")
	}
}

func TestEnqueue_RejectsWhenNothingIsLowerPriority(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	q, _, m := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, envelope("a"), WithPriority(1))
	_, _ = q.Enqueue(ctx, envelope("b"), WithPriority(2))
	before := q.Messages()

	for _, p := range []int{1, 0, -3} {
		_, err := q.Enqueue(ctx, envelope("c"), WithPriority(p))
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.TypeCapacity))
	}

	assert.Equal(t, before, q.Messages())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Rejected))
}

func TestEnqueue_ProcessingEntriesAreNotEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	q, _, _ := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	q.SetProcessor(func(ctx context.Context, _ domain.Envelope) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	_, err := q.Enqueue(ctx, envelope("busy"), WithPriority(0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Processing == 1 }, waitFor, poll)

	_, err = q.Enqueue(ctx, envelope("urgent"), WithPriority(10))
	assert.True(t, apperrors.IsType(err, apperrors.TypeCapacity))
}

func TestProcessing_RespectsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	q, _, _ := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	var running, peak atomic.Int32
	release := make(chan struct{})
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	for range 5 {
		_, err := q.Enqueue(ctx, envelope("x"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.Stats().Processing == 2 }, waitFor, poll)
	assert.Equal(t, 3, q.Stats().Pending)

	close(release)
	require.Eventually(t, func() bool { return q.Stats().Completed == 5 }, waitFor, poll)
	assert.Equal(t, int32(2), peak.Load())
}

func TestProcessing_SuccessUpdatesStats(t *testing.T) {
	q, clock, m := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		started <- struct{}{}
		<-release
		return nil
	})

	succeeded := make(chan domain.QueuedMessage, 1)
	_, err := q.Enqueue(ctx, envelope("x"), WithCallbacks(domain.Callbacks{
		OnSuccess: func(msg domain.QueuedMessage) { succeeded <- msg },
	}))
	require.NoError(t, err)

	<-started
	clock.Advance(2 * time.Second)
	close(release)

	select {
	case msg := <-succeeded:
		assert.Equal(t, domain.StatusCompleted, msg.Status)
	case <-time.After(waitFor):
		t.Fatal("success callback did not fire")
	}

	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, waitFor, poll)
	stats := q.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 2*time.Second, stats.AverageProcessingTime)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.0001)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Completed))
}

func TestProcessing_RetryExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxRetries = 2
	q, clock, m := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	var attempts atomic.Int32
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		attempts.Add(1)
		return errors.New("peer unavailable")
	})

	var callbacks atomic.Int32
	var lastErr atomic.Value
	id, err := q.Enqueue(ctx, envelope("x"), WithCallbacks(domain.Callbacks{
		OnError: func(_ domain.QueuedMessage, err error) {
			callbacks.Add(1)
			lastErr.Store(err)
		},
	}))
	require.NoError(t, err)

	advanceUntil(t, clock, cfg.ProcessInterval, func() bool { return q.Stats().Failed == 1 })

	assert.Equal(t, int32(3), attempts.Load())
	require.Eventually(t, func() bool { return callbacks.Load() == 1 }, waitFor, poll)
	assert.EqualError(t, lastErr.Load().(error), "peer unavailable")

	msgs := q.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, domain.StatusFailed, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].RetryCount)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return callbacks.Load() > 1 || attempts.Load() > 3 }, 50*time.Millisecond, poll)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retried))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failed))
}

func TestProcessing_RetryDelayGrows(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxRetries = 3
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = 3 * time.Second
	q, clock, _ := newTestQueue(t, cfg, nil)

	var mu sync.Mutex
	var at []time.Time
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		at = append(at, clock.Now())
		return errors.New("nope")
	})

	_, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)

	advanceUntil(t, clock, cfg.ProcessInterval, func() bool { return q.Stats().Failed == 1 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, at, 4)
	gaps := []time.Duration{at[1].Sub(at[0]), at[2].Sub(at[1]), at[3].Sub(at[2])}
	assert.GreaterOrEqual(t, gaps[0], time.Second)
	assert.GreaterOrEqual(t, gaps[1], 2*time.Second)
	assert.GreaterOrEqual(t, gaps[2], 3*time.Second)
}

func TestProcessing_PermanentErrorSkipsRetries(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)

	var attempts atomic.Int32
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		attempts.Add(1)
		return apperrors.ValidationError("payload rejected")
	})

	_, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, waitFor, poll)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestProcessing_TimeoutFreesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxRetries = 0
	cfg.ProcessingTimeout = 5 * time.Second
	q, clock, m := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	cancelled := make(chan struct{}, 1)
	var calls atomic.Int32
	q.SetProcessor(func(ctx context.Context, _ domain.Envelope) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			cancelled <- struct{}{}
			return ctx.Err()
		}
		return nil
	})

	failed := make(chan error, 1)
	_, err := q.Enqueue(ctx, envelope("stuck"), WithCallbacks(domain.Callbacks{
		OnError: func(_ domain.QueuedMessage, err error) { failed <- err },
	}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, envelope("next"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Processing == 1 }, waitFor, poll)
	clock.Advance(5 * time.Second)

	select {
	case err := <-failed:
		assert.True(t, apperrors.IsType(err, apperrors.TypeTimeout))
	case <-time.After(waitFor):
		t.Fatal("timeout did not fail the message")
	}
	<-cancelled

	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, waitFor, poll)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts))
	assert.Equal(t, int64(1), q.Stats().Failed)
}

func TestProcessing_PanicIsAFailure(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxRetries = 0
	q, _, _ := newTestQueue(t, cfg, nil)

	q.SetProcessor(func(context.Context, domain.Envelope) error {
		panic("boom")
	})

	_, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, waitFor, poll)
	assert.Contains(t, q.Messages()[0].LastError, "boom")
}

func TestPauseResume(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	var calls atomic.Int32
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		calls.Add(1)
		return nil
	})

	q.Pause()
	assert.True(t, q.Stats().Paused)

	_, err := q.Enqueue(ctx, envelope("x"))
	require.NoError(t, err)
	q.Kick()

	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, poll)
	assert.Equal(t, 1, q.Stats().Pending)

	q.Resume()
	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, waitFor, poll)
	assert.False(t, q.Stats().Paused)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancel(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, envelope("x"))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(id))
	assert.Equal(t, 0, q.Stats().Total)

	err = q.Cancel(id)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestCancel_ProcessingMessage(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)

	release := make(chan struct{})
	defer close(release)
	q.SetProcessor(func(context.Context, domain.Envelope) error {
		<-release
		return nil
	})

	id, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Processing == 1 }, waitFor, poll)

	err = q.Cancel(id)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestClear(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	for range 3 {
		_, err := q.Enqueue(ctx, envelope("x"))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.Clear())
	assert.Equal(t, 0, q.Stats().Total)
	assert.False(t, q.Backlog())
}

func TestFailedRetention(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxRetries = 0
	cfg.FailedRetention = time.Minute
	q, clock, _ := newTestQueue(t, cfg, nil)

	q.SetProcessor(func(context.Context, domain.Envelope) error { return errors.New("nope") })
	_, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, waitFor, poll)

	assert.Equal(t, 1, q.Stats().Total)
	advanceUntil(t, clock, 10*time.Second, func() bool { return q.Stats().Total == 0 })
	assert.Equal(t, int64(1), q.Stats().Failed)
}

func TestStatsSubject_NotifiesOnMutation(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)

	seen := make(chan domain.QueueStats, 10)
	unsubscribe := q.StatsSubject().Subscribe(func(s domain.QueueStats) { seen <- s })
	defer unsubscribe()

	_, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)

	select {
	case s := <-seen:
		assert.Equal(t, 1, s.Pending)
	case <-time.After(waitFor):
		t.Fatal("no stats notification")
	}
}

func TestEnqueue_AfterStop(t *testing.T) {
	q := New(context.Background(), testConfig(), nil, clockwork.NewFakeClock(), nil)
	q.Stop()

	_, err := q.Enqueue(context.Background(), envelope("x"))
	assert.ErrorIs(t, err, domain.ErrQueueStopped)
	assert.True(t, apperrors.IsType(err, apperrors.TypeClosed))
}

func TestPersistence_RoundTrip(t *testing.T) {
	mem := store.NewMemory()
	cfg := testConfig()
	ctx := context.Background()

	q1 := New(ctx, cfg, mem, clockwork.NewFakeClock(), nil)
	low, _ := q1.Enqueue(ctx, envelope("low"), WithPriority(1))
	high, _ := q1.Enqueue(ctx, envelope("high"), WithPriority(7), WithMaxRetries(5))
	q1.Stop()

	q2, _, _ := newTestQueue(t, cfg, mem)
	msgs := q2.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, high, msgs[0].ID)
	assert.Equal(t, 5, msgs[0].MaxRetries)
	assert.Equal(t, low, msgs[1].ID)
	assert.Equal(t, domain.StatusPending, msgs[1].Status)
	assert.Equal(t, "low", msgs[1].Type)
}

func TestPersistence_ProcessingNormalizesToPending(t *testing.T) {
	mem := store.NewMemory()
	snapshot := []domain.QueuedMessage{
		{Envelope: domain.Envelope{ID: "a", Type: "t"}, Priority: 1, Status: domain.StatusProcessing},
		{Envelope: domain.Envelope{ID: "b", Type: "t"}, Priority: 3, Status: domain.StatusPending},
		{Envelope: domain.Envelope{ID: "c", Type: "t"}, Priority: 1, Status: domain.StatusCompleted},
		{Envelope: domain.Envelope{ID: "d", Type: "t"}, Priority: 1, Status: domain.StatusFailed, FailedAt: time.Now()},
	}
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, mem.Set(context.Background(), "livewire:queue", data))

	q, _, _ := newTestQueue(t, testConfig(), mem)

	msgs := q.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ID)
	assert.Equal(t, domain.StatusPending, msgs[1].Status)
	assert.Equal(t, "d", msgs[2].ID)
	assert.Equal(t, domain.StatusFailed, msgs[2].Status)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}

func TestPersistence_FailuresAreNotFatal(t *testing.T) {
	q, _, m := newTestQueue(t, testConfig(), failingStore{})

	_, err := q.Enqueue(context.Background(), envelope("x"))
	require.NoError(t, err)

	assert.Equal(t, 1, q.Stats().Pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceErrors.WithLabelValues("load")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.PersistenceErrors.WithLabelValues("save")) >= 1
	}, waitFor, poll)
}

func TestPersistence_CorruptSnapshotStartsEmpty(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Set(context.Background(), "livewire:queue", []byte("{not json")))

	q, _, m := newTestQueue(t, testConfig(), mem)

	assert.Equal(t, 0, q.Stats().Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceErrors.WithLabelValues("decode")))
}

func TestTransition_RefusesIllegalEdges(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)

	tests := []struct {
		from domain.MessageStatus
		to   domain.MessageStatus
		ok   bool
	}{
		{domain.StatusPending, domain.StatusProcessing, true},
		{domain.StatusProcessing, domain.StatusCompleted, true},
		{domain.StatusProcessing, domain.StatusPending, true},
		{domain.StatusProcessing, domain.StatusFailed, true},
		{domain.StatusPending, domain.StatusCompleted, false},
		{domain.StatusPending, domain.StatusFailed, false},
		{domain.StatusCompleted, domain.StatusPending, false},
		{domain.StatusFailed, domain.StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			e := &entry{msg: domain.QueuedMessage{Envelope: domain.Envelope{ID: "m-1"}, Status: tt.from}}

			assert.Equal(t, tt.ok, q.transition(e, tt.to))

			want := tt.from
			if tt.ok {
				want = tt.to
			}
			assert.Equal(t, want, e.msg.Status)
		})
	}
}

func TestStart_RefusesEntryThatIsNotPending(t *testing.T) {
	q, _, _ := newTestQueue(t, testConfig(), nil)
	e := &entry{msg: domain.QueuedMessage{Envelope: domain.Envelope{ID: "m-1"}, Status: domain.StatusFailed}}

	assert.False(t, q.start(e, time.Now()))
	assert.Equal(t, domain.StatusFailed, e.msg.Status)
	assert.Zero(t, e.token)
	assert.Nil(t, e.timer)
}
