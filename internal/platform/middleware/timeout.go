package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

var timeoutBody = map[string]string{
	"message": "request processing exceeded the allowed time limit",
}

// RequestTimeout bounds every request under the given duration. The
// deadline rides on the request context, so repository calls stop with it;
// if the handler has not answered by then the client gets a 504. Paths
// starting with one of skipPrefixes run unbounded. A non-positive timeout
// disables the middleware.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			for _, p := range skipPrefixes {
				if strings.HasPrefix(c.Request().URL.Path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			result := make(chan error, 1)
			go func() { result <- next(c) }()

			select {
			case err := <-result:
				return err
			case <-ctx.Done():
			}
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			if c.Response().Committed {
				return nil
			}
			return c.JSON(http.StatusGatewayTimeout, timeoutBody)
		}
	}
}
