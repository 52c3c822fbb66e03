package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livewire/internal/adapter/httpserver"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/adapter/postgres"
	"github.com/pscheid92/livewire/internal/adapter/redis"
	"github.com/pscheid92/livewire/internal/adapter/store"
	"github.com/pscheid92/livewire/internal/adapter/websocket"
	"github.com/pscheid92/livewire/internal/batch"
	"github.com/pscheid92/livewire/internal/connection"
	"github.com/pscheid92/livewire/internal/dispatch"
	"github.com/pscheid92/livewire/internal/domain"
	"github.com/pscheid92/livewire/internal/platform/config"
	"github.com/pscheid92/livewire/internal/platform/logging"
	"github.com/pscheid92/livewire/internal/platform/version"
	"github.com/pscheid92/livewire/internal/queue"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

type persistence struct {
	store  domain.Store
	check  *httpserver.HealthCheck
	closer func()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupPersistence(ctx context.Context, cfg *config.Config, m *metrics.StoreMetrics) (persistence, error) {
	switch cfg.PersistenceBackend {
	case config.BackendMemory:
		return persistence{store: store.NewMemory(), closer: func() {}}, nil

	case config.BackendFile:
		fileStore, err := store.NewFile(cfg.PersistenceDir)
		if err != nil {
			return persistence{}, err
		}
		return persistence{store: fileStore, closer: func() {}}, nil

	case config.BackendRedis:
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, m)
		if err != nil {
			return persistence{}, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return persistence{
			store: redis.NewStore(rdb, cfg.RedisSnapshotTTL),
			check: &httpserver.HealthCheck{
				Name:  "redis",
				Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			},
			closer: func() { _ = rdb.Close() },
		}, nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
		if err != nil {
			return persistence{}, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return persistence{}, fmt.Errorf("failed to run migrations: %w", err)
		}
		return persistence{
			store: postgres.NewStore(pool, m),
			check: &httpserver.HealthCheck{
				Name:  "postgres",
				Check: pool.Ping,
			},
			closer: pool.Close,
		}, nil

	default:
		return persistence{closer: func() {}}, nil
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	concurrency := cfg.QueueConcurrency
	if cfg.BatchSize > 1 {
		// A batch only fills when enough attempts are in flight at once.
		concurrency = max(concurrency, cfg.BatchSize)
	}
	return queue.Config{
		MaxSize:           cfg.QueueMaxSize,
		Concurrency:       concurrency,
		ProcessInterval:   cfg.QueueProcessInterval,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		ProcessingTimeout: cfg.ProcessingTimeout,
		FailedRetention:   cfg.FailedRetention,
		PersistenceKey:    cfg.PersistenceKey,
	}
}

// batchTimeout keeps a partial batch flushing well inside one processing
// attempt, so the queue timeout does not fire on items still waiting to flush.
func batchTimeout(cfg *config.Config) time.Duration {
	if cfg.BatchTimeout < cfg.ProcessingTimeout {
		return cfg.BatchTimeout
	}
	clamped := cfg.ProcessingTimeout / 2
	slog.Warn("Batch timeout clamped below processing timeout",
		"batch_timeout", cfg.BatchTimeout, "processing_timeout", cfg.ProcessingTimeout, "using", clamped)
	return clamped
}

func connectionConfig(cfg *config.Config) connection.Config {
	return connection.Config{
		URL:                       cfg.URL,
		Protocols:                 cfg.Protocols,
		ReconnectEnabled:          cfg.ReconnectEnabled,
		ReconnectInterval:         cfg.ReconnectInterval,
		ReconnectMaxDelay:         cfg.ReconnectMaxDelay,
		ReconnectJitter:           cfg.ReconnectJitter,
		MaxReconnectAttempts:      cfg.MaxReconnectAttempts,
		HeartbeatInterval:         cfg.HeartbeatInterval,
		HeartbeatTimeout:          cfg.HeartbeatTimeout,
		RejectPendingOnDisconnect: cfg.RejectPendingOnDisconnect,
		RequestTimeout:            cfg.RequestTimeout,
		SendRateLimit:             cfg.SendRateLimit,
	}
}

func connectionCheck(mgr *connection.Manager) httpserver.HealthCheck {
	return httpserver.HealthCheck{
		Name: "connection",
		Check: func(context.Context) error {
			state := mgr.State()
			if state.Status != domain.StatusConnected {
				return fmt.Errorf("connection is %s", state.Status)
			}
			return nil
		},
	}
}

func runGracefulShutdown(srv *httpserver.Server, batcher *batch.Processor[domain.Envelope], mgr *connection.Manager, q *queue.Queue) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if batcher != nil {
			if err := batcher.Stop(shutdownCtx); err != nil {
				slog.Warn("Final batch flush failed", "error", err)
			}
		}

		mgr.Stop()
		q.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "url", cfg.URL, "persistence", cfg.PersistenceBackend)

	reg := metrics.NewRegistry()
	storeMetrics := metrics.NewStoreMetrics(reg)

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	p, err := setupPersistence(startupCtx, cfg, storeMetrics)
	if err != nil {
		slog.Error("Failed to set up persistence", "backend", cfg.PersistenceBackend, "error", err)
		os.Exit(1)
	}
	defer p.closer()

	q := queue.New(startupCtx, queueConfig(cfg), p.store, clock, metrics.NewQueueMetrics(reg))
	dispatcher := dispatch.New(cfg.DiagnosticBufferSize, clock, metrics.NewDispatchMetrics(reg))

	header := http.Header{}
	header.Set("User-Agent", "livewire/"+version.Get().Version)
	dialer := websocket.NewDialer(header, clock)
	mgr := connection.NewManager(connectionConfig(cfg), dialer, q, dispatcher, clock, metrics.NewConnectionMetrics(reg))

	var batcher *batch.Processor[domain.Envelope]
	if cfg.BatchSize > 1 {
		timeout := batchTimeout(cfg)
		batcher = batch.New[domain.Envelope](cfg.BatchSize, timeout, clock, mgr.TransmitBatch)
		q.SetProcessor(batcher.Process)
		slog.Info("Outbound batching enabled", "size", cfg.BatchSize, "timeout", timeout)
	} else {
		q.SetProcessor(mgr.Transmit)
	}

	if err := mgr.Connect(startupCtx); err != nil {
		// Reconnect keeps trying in the background; the queue buffers until then.
		slog.Warn("Initial connect failed", "url", cfg.URL, "error", err)
	}

	checks := []httpserver.HealthCheck{connectionCheck(mgr)}
	if p.check != nil {
		checks = append(checks, *p.check)
	}

	srv := httpserver.NewServer(httpserver.Config{
		Port:         cfg.HTTPPort,
		APIRateLimit: cfg.APIRateLimit,
		APIRateBurst: cfg.APIRateBurst,
	}, mgr, q, dispatcher, reg, metrics.NewHTTPMetrics(reg), clock, checks)

	done := runGracefulShutdown(srv, batcher, mgr, q)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
