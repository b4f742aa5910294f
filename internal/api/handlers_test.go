package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveHealth(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	e := echo.New()
	e.GET("/healthz", h.HandleHealth)
	e.GET("/livez", h.HandleLiveness)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec, body := serveHealth(t, NewHandler(stubPinger{}, stubLoop{healthy: true}, "1.2.3"), "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "1.2.3", body["version"])
		assert.Len(t, body["reconciler"], 2)
	})

	t.Run("database down", func(t *testing.T) {
		rec, body := serveHealth(t, NewHandler(stubPinger{err: errors.New("refused")}, nil, "dev"), "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unavailable", body["database"])
		assert.NotContains(t, body, "reconciler")
	})

	t.Run("stale loop", func(t *testing.T) {
		rec, body := serveHealth(t, NewHandler(stubPinger{}, stubLoop{}, "dev"), "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "ok", body["database"])
	})
}

func TestHandleLiveness(t *testing.T) {
	rec, body := serveHealth(t, NewHandler(stubPinger{}, stubLoop{healthy: true}, "dev"), "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = serveHealth(t, NewHandler(stubPinger{}, stubLoop{}, "dev"), "/livez")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "stale", body["status"])

	rec, body = serveHealth(t, NewHandler(stubPinger{}, nil, "dev"), "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", body["reconciler"])
}

func TestSpecHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://idp.test").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "https://idp.test/.well-known/openid-configuration")
	assert.NotContains(t, rec.Body.String(), "{issuer}")
}

func TestSwaggerHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	req.Host = "broker.test"
	rec := httptest.NewRecorder()
	SwaggerHandler("swagger-client", []string{"openid", "vmbroker:approve"}).ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `clientId: "swagger-client"`)
	assert.Contains(t, body, "http://broker.test/docs/oauth2-redirect.html")
	assert.Contains(t, body, `scopes: "openid vmbroker:approve"`)
}
