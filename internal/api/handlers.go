// Package api contains the HTTP handlers for the VM request broker.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"vm-broker/backend/internal/reconciler"
	"vm-broker/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Pinger reports whether the request store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Loop is the liveness view of the reconciliation loop.
type Loop interface {
	Liveness() []reconciler.PassStatus
	Healthy() bool
}

// Handler serves the health endpoints.
type Handler struct {
	store   Pinger
	loop    Loop
	version string
}

// NewHandler creates a new Handler. loop may be nil when reconciliation is
// disabled.
func NewHandler(store Pinger, loop Loop, version string) *Handler {
	return &Handler{store: store, loop: loop, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string                  `json:"status"`
	Timestamp  time.Time               `json:"timestamp"`
	Service    string                  `json:"service"`
	Version    string                  `json:"version"`
	Database   string                  `json:"database"`
	Reconciler []reconciler.PassStatus `json:"reconciler,omitempty"`
}

// HandleHealth reports store connectivity and reconciler liveness.
// (GET /healthz)
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "vm-broker",
		Version:   h.version,
		Database:  "ok",
	}
	code := http.StatusOK

	if err := h.store.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		status.Database = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if h.loop != nil {
		status.Reconciler = h.loop.Liveness()
		if !h.loop.Healthy() {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}

// HandleLiveness fails when a reconciliation pass has stopped finishing.
// (GET /livez)
func (h *Handler) HandleLiveness(c echo.Context) error {
	if h.loop == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "reconciler": "disabled"})
	}
	passes := h.loop.Liveness()
	if !h.loop.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "stale", "passes": passes})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "passes": passes})
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, detail string) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, problem)
}

// statusFor maps domain errors onto HTTP status codes. External call
// failures come first since their causes may wrap domain sentinels.
func statusFor(err error) int {
	var external *models.ExternalCallError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &external):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrDataIntegrity):
		return http.StatusUnprocessableEntity
	case errors.As(err, &httpErr):
		return httpErr.Code
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every error returned by a handler as problem+json.
// Internal errors are logged and their detail is not echoed to the caller.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := statusFor(err)
		detail := err.Error()
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			if msg, ok := httpErr.Message.(string); ok {
				detail = msg
			} else {
				detail = http.StatusText(code)
			}
		}
		if code >= http.StatusInternalServerError && code != http.StatusBadGateway && code != http.StatusServiceUnavailable {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
			detail = "internal error"
		}
		if writeErr := writeError(c, code, detail); writeErr != nil {
			logger.Error("failed to write error response", "error", writeErr)
		}
	}
}
