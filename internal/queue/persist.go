package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
)

const (
	loadTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// persist hands the current buffer to the writer goroutine. A snapshot the
// writer has not picked up yet is replaced.
func (q *Queue) persist() {
	if q.store == nil {
		return
	}

	data, err := json.Marshal(q.snapshot())
	if err != nil {
		q.metrics.PersistenceErrors.WithLabelValues("encode").Inc()
		slog.Error("Failed to encode queue snapshot", "error", err)
		return
	}

	for {
		select {
		case q.snapCh <- data:
			return
		default:
		}
		select {
		case <-q.snapCh:
		default:
		}
	}
}

func (q *Queue) writeSnapshots(done chan<- struct{}) {
	defer close(done)

	for data := range q.snapCh {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := q.store.Set(ctx, q.cfg.PersistenceKey, data); err != nil {
			q.metrics.PersistenceErrors.WithLabelValues("save").Inc()
			slog.Error("Failed to save queue snapshot",
				"key", q.cfg.PersistenceKey,
				"error", apperrors.PersistenceError("save failed", err),
			)
		}
		cancel()
	}
}

// load restores a previous snapshot. Failures leave the queue empty.
func (q *Queue) load(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	data, err := q.store.Get(ctx, q.cfg.PersistenceKey)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		q.metrics.PersistenceErrors.WithLabelValues("load").Inc()
		slog.Error("Failed to load queue snapshot", "key", q.cfg.PersistenceKey, "error", apperrors.PersistenceError("load failed", err))
		return
	}

	var msgs []domain.QueuedMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		q.metrics.PersistenceErrors.WithLabelValues("decode").Inc()
		slog.Error("Failed to decode queue snapshot", "key", q.cfg.PersistenceKey, "error", err)
		return
	}

	restored := 0
	for _, msg := range msgs {
		if msg.ID == "" || q.byID[msg.ID] != nil {
			continue
		}
		switch msg.Status {
		case domain.StatusProcessing:
			// in-flight state does not survive a restart; processing -> pending
			// is the same edge a retry takes
			if !msg.Status.CanTransition(domain.StatusPending) {
				continue
			}
			msg.Status = domain.StatusPending
		case domain.StatusPending, domain.StatusFailed:
		default:
			continue
		}

		e := &entry{msg: msg}
		if msg.Status == domain.StatusFailed {
			q.failed = append(q.failed, e)
			q.byID[msg.ID] = e
			continue
		}
		if len(q.entries) >= q.cfg.MaxSize {
			continue
		}
		q.entries = append(q.entries, e)
		q.byID[msg.ID] = e
		restored++
	}

	slices.SortStableFunc(q.entries, func(a, b *entry) int {
		return cmp.Compare(b.msg.Priority, a.msg.Priority)
	})

	slog.Info("Restored queue snapshot", "pending", restored, "failed", len(q.failed))
}
