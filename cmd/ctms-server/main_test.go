package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ctms/ctms/internal/config"
	"github.com/ctms/ctms/internal/domain/trial"
	"github.com/ctms/ctms/internal/platform/caldate"
	"github.com/ctms/ctms/internal/platform/db"
	"github.com/ctms/ctms/internal/platform/middleware"
)

const fixtureYAML = `
through: 2025-07-31
studies:
  - key: ONC-101
    dosing_frequency: BID
    subjects:
      - key: "001"
        cycles:
          - container_id: K1
            dispensed_count: 60
            returned_count: 12
            dispensing_date: 2025-06-01
            last_dose_date: 2025-06-30
`

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		logger := newLogger("production", tt.level, &bytes.Buffer{})
		if got := logger.GetLevel(); got != tt.want {
			t.Errorf("level %q: expected %s, got %s", tt.level, tt.want, got)
		}
	}
}

func testServer() *echo.Echo {
	cfg := &config.Config{CORSOrigins: []string{"*"}}
	svc := trial.NewService(nil, nil, nil, nil, nil, nil)
	return newServer(cfg, zerolog.Nop(), svc, db.HealthHandler(nil))
}

func TestNewServer_Health(t *testing.T) {
	e := testServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

func TestNewServer_APIRoutes(t *testing.T) {
	e := testServer()

	paths := make(map[string]bool)
	for _, r := range e.Routes() {
		paths[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /api/v1/studies",
		"POST /api/v1/subjects/:id/dispenses",
		"GET /api/v1/compliance/trends",
	} {
		if !paths[want] {
			t.Errorf("route %s not registered", want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", rec.Code)
	}
}

func TestEvaluateFixture(t *testing.T) {
	var out bytes.Buffer
	if err := evaluateFixture(strings.NewReader(fixtureYAML), &out, 2, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var res trial.FixtureResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(res.Cycles) != 1 || res.Cycles[0].CompliancePercentage != 80 {
		t.Fatalf("unexpected cycles: %+v", res.Cycles)
	}
	trends := res.Report.Trends
	if len(trends.Points) != 2 || trends.From != "2025-06" || trends.Through != "2025-07" {
		t.Errorf("unexpected trends: %+v", trends)
	}
	if res.Through.String() != "2025-07-31" {
		t.Errorf("expected fixture end date 2025-07-31, got %s", res.Through)
	}
}

func TestEvaluateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"evaluate", "--file", path, "--through", "2025-06-30", "--months", "1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), `"month": "2025-06"`) {
		t.Errorf("expected June trend point in output:\n%s", out.String())
	}
}

func TestEvaluateCommand_BadInput(t *testing.T) {
	for _, args := range [][]string{
		{"evaluate"},
		{"evaluate", "--file", "missing.yaml"},
		{"evaluate", "--file", "x.yaml", "--through", "31/07/2025"},
	} {
		cmd := rootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	applied := caldate.MustParse("2025-01-02").Time()
	var out bytes.Buffer
	printStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "trial_core", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "next", Applied: false},
	})
	s := out.String()
	if !strings.Contains(s, "applied") || !strings.Contains(s, "2025-01-02 00:00:00") || !strings.Contains(s, "pending") {
		t.Errorf("unexpected status table:\n%s", s)
	}
}
