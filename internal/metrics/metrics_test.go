package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Ticks.WithLabelValues("evaluated").Inc()
	m.StreamMessages.Add(3)

	h := NewHealthStatus()
	srv := NewServer(":0", h, reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{`candlebot_ticks_total{outcome="evaluated"} 1`, "candlebot_stream_messages_total 3", "candlebot_cumulative_return 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in /metrics output", want)
		}
	}

	// a second registry must not collide
	NewMetrics(prometheus.NewRegistry())
}

func TestHealth_Statuses(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *HealthStatus)
		wantCode  int
		wantState string
	}{
		{"healthy", func(h *HealthStatus) {
			h.SetStream("CONNECTED", true)
			h.CheckSQLite(context.Background(), stubPinger{})
		}, http.StatusOK, "healthy"},
		{"redis down when enabled", func(h *HealthStatus) {
			h.SetStream("CONNECTED", true)
			h.SetSQLiteOK(true)
			h.SetRedisEnabled(true)
			h.CheckRedis(context.Background(), stubPinger{err: errors.New("down")})
		}, http.StatusServiceUnavailable, "degraded"},
		{"stream and sqlite down", func(h *HealthStatus) {
			h.SetStream("RECONNECTING", false)
		}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			tt.setup(h)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var body map[string]any
			json.NewDecoder(rec.Body).Decode(&body)
			if body["status"] != tt.wantState {
				t.Errorf("expected %s, got %v", tt.wantState, body["status"])
			}
		})
	}
}
