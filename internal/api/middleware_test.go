package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func TestRequestLoggerTagsChartRoutes(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := NewServer(&stubService{}, Feed{})
	do(t, h, http.MethodPost, "/api/v1/charts/abc/attach", "")
	do(t, h, http.MethodGet, "/api/v1/charts/abc/status", "")
	do(t, h, http.MethodGet, "/health", "")

	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.Fatalf("log line %q: %v", raw, err)
		}
		if rec["msg"] == "http request" {
			lines = append(lines, rec)
		}
	}
	if len(lines) != 3 {
		t.Fatalf("request lines = %d; want 3\n%s", len(lines), buf.String())
	}

	attach := lines[0]
	if attach["chart_id"] != "abc" || attach["route"] != "/api/v1/charts/{chart_id}/attach" || attach["level"] != "INFO" {
		t.Fatalf("attach line = %v", attach)
	}
	if lines[1]["level"] != "WARN" {
		t.Fatalf("409 logged at %v; want WARN", lines[1]["level"])
	}
	if lines[2]["level"] != "DEBUG" {
		t.Fatalf("/health logged at %v; want DEBUG", lines[2]["level"])
	}
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/api/v1/charts", 200, slog.LevelInfo},
		{"/health", 200, slog.LevelDebug},
		{"/health", 503, slog.LevelError},
		{"/api/v1/charts/x/status", 409, slog.LevelWarn},
		{"/api/v1/charts/x/attach", 502, slog.LevelError},
	}
	for _, tt := range tests {
		if got := requestLevel(tt.path, tt.status); got != tt.want {
			t.Errorf("requestLevel(%q, %d) = %v; want %v", tt.path, tt.status, got, tt.want)
		}
	}
}
