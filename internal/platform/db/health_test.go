package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return rec, body
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	rec, body := runHealth(t, HealthHandler(nil, Check{Name: "cache", Probe: ok}))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]interface{})
	if checks["cache"].(map[string]interface{})["status"] != "healthy" {
		t.Errorf("unexpected cache check: %v", checks["cache"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("pool stats should be omitted without a pool")
	}
}

func TestHealthHandler_FailingProbe(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	down := func(ctx context.Context) error { return errors.New("connection refused") }
	rec, body := runHealth(t, HealthHandler(nil,
		Check{Name: "cache", Probe: down},
		Check{Name: "events", Probe: ok},
	))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	cache := body["checks"].(map[string]interface{})["cache"].(map[string]interface{})
	if cache["error"] != "connection refused" {
		t.Errorf("unexpected cache check: %v", cache)
	}
}
