package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livewire/internal/platform/correlation"
)

const correlationHeader = "X-Request-ID"

// correlationMiddleware tags the request context with the caller's request
// id, or a fresh one, and echoes it in the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" {
			id = correlation.NewID()
		}
		c.Response().Header().Set(correlationHeader, id)

		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
