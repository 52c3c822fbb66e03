package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livewire/internal/domain"
	apperrors "github.com/pscheid92/livewire/internal/errors"
)

func (s *Server) registerAPIRoutes(api *echo.Group) {
	api.GET("/connection", s.handleConnection)
	api.GET("/queue", s.handleQueueStats)
	api.GET("/queue/messages", s.handleQueueMessages)
	api.DELETE("/queue/messages/:id", s.handleCancelMessage)
	api.GET("/messages/recent", s.handleRecentMessages)
}

func (s *Server) handleConnection(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.connection.State()); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleQueueStats(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.queue.Stats()); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleQueueMessages(c echo.Context) error {
	msgs := s.queue.Messages()

	if status := c.QueryParam("status"); status != "" {
		var filtered []domain.QueuedMessage
		for _, m := range msgs {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if msgs == nil {
		msgs = []domain.QueuedMessage{}
	}

	if err := c.JSON(http.StatusOK, msgs); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCancelMessage(c echo.Context) error {
	if err := s.queue.Cancel(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRecentMessages(c echo.Context) error {
	recent := s.recent.Recent()

	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return apperrors.ValidationError("limit must be a non-negative integer").WithField("limit", raw)
		}
		if limit < len(recent) {
			recent = recent[len(recent)-limit:]
		}
	}
	if recent == nil {
		recent = []domain.Envelope{}
	}

	if err := c.JSON(http.StatusOK, recent); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
