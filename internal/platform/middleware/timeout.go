package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/apperr"
)

// RequestTimeout puts a deadline on the request context. Handlers run on the
// request goroutine and are expected to honour ctx; when one returns after
// the deadline with a context error, the client gets 504.
//
// The websocket endpoint is excluded since its connections are long-lived.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isStreamingPath(c.Request().URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return echo.NewHTTPError(http.StatusGatewayTimeout,
					apperr.Body{Code: "TIMEOUT", Message: "request processing exceeded the allowed time limit"}).SetInternal(err)
			}
			return err
		}
	}
}

// isStreamingPath matches the websocket upgrade route under any prefix.
func isStreamingPath(path string) bool {
	return strings.HasSuffix(path, "/ws") || strings.Contains(path, "/ws/")
}
