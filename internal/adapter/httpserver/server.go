// Package httpserver serves the observer API: health probes, build info,
// Prometheus metrics, connection state, queue statistics and the recent
// inbound message buffer.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/livewire/internal/adapter/metrics"
	"github.com/pscheid92/livewire/internal/domain"
)

type connectionView interface {
	State() domain.ConnectionState
}

type queueView interface {
	Stats() domain.QueueStats
	Messages() []domain.QueuedMessage
	Cancel(id string) error
}

type recentView interface {
	Recent() []domain.Envelope
}

// Config holds listener and API throttling settings.
type Config struct {
	Port         string
	APIRateLimit float64
	APIRateBurst int
}

type Server struct {
	echo   *echo.Echo
	config Config
	clock  clockwork.Clock

	connection connectionView
	queue      queueView
	recent     recentView

	gatherer     prometheus.Gatherer
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg Config, connection connectionView, queue queueView, recent recentView, gatherer prometheus.Gatherer, httpMetrics *metrics.HTTPMetrics, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		connection:   connection,
		queue:        queue,
		recent:       recent,
		gatherer:     gatherer,
		httpMetrics:  httpMetrics,
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
