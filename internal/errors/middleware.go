package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var HTTPErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total HTTP errors by error type",
	},
	[]string{"type"},
)

// Middleware converts errors returned by handlers into JSON responses.
// Echo's own HTTPErrors are counted and passed through unchanged.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				HTTPErrorsTotal.WithLabelValues(string(WrapHTTPError(httpErr).Type)).Inc()
				return err
			}

			return HandleError(c, err)
		}
	}
}

// HandleError writes err as a structured JSON response.
func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := AsStructuredError(err)
	HTTPErrorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
	logError(c, structuredErr)

	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}

	switch err.Type {
	case TypeValidation, TypeNotFound:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case TypeRateLimited:
		slog.WarnContext(ctx, "Rate limited", attrs...)
	case TypeUnavailable:
		slog.ErrorContext(ctx, "Dependency unavailable", attrs...)
	default:
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}

// WrapHTTPError maps an echo.HTTPError (router 404s, recovered panics) onto
// the structured error types.
func WrapHTTPError(httpErr *echo.HTTPError) *Error {
	message := "internal server error"
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		errType = TypeValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		errType = TypeNotFound
	case http.StatusTooManyRequests:
		errType = TypeRateLimited
	case http.StatusServiceUnavailable:
		errType = TypeUnavailable
	default:
		errType = TypeInternal
	}

	err := newError(errType, message, nil)
	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}
	return err
}
