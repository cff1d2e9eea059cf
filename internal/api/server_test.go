package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/config"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/emergency"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/resilience"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/state"
)

func newTestServer(t *testing.T) (*Server, *infra.Infrastructure) {
	t.Helper()

	cfg := config.Default(config.EnvDevelopment)
	bus := events.NewMemoryBus(16)
	store := state.NewMemoryStore()
	inf := &infra.Infrastructure{
		Config: cfg,
		Store:  store,
		Bus:    bus,
		Breakers: resilience.NewBreakerGroup(resilience.BreakerDefaults{
			FailureThreshold: cfg.Resilience.CircuitFailureThreshold,
			RecoveryTimeout:  cfg.Resilience.CircuitRecoveryTimeout,
			HalfOpenMaxCalls: cfg.Resilience.CircuitHalfOpenMaxCalls,
		}),
		Emergency: emergency.NewController(emergency.Config{Bus: bus, Store: store}),
	}
	t.Cleanup(func() {
		bus.Close()
		store.Close()
	})
	return NewServer(cfg, inf), inf
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := get(t, srv, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "tradeflow", body["server"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHealthEndpointHealthy(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	ws := body["websocket"].(map[string]any)
	assert.Equal(t, float64(0), ws["connected_clients"])

	inf := body["infrastructure"].(map[string]any)
	assert.Equal(t, "healthy", inf["state"])
	assert.Equal(t, "healthy", inf["events"])
	assert.Equal(t, "normal", inf["emergency"])
}

func TestHealthEndpointUnhealthyAfterShutdown(t *testing.T) {
	srv, inf := newTestServer(t)
	require.NoError(t, inf.Emergency.Shutdown(context.Background(), "test"))

	rec, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "shutdown", body["infrastructure"].(map[string]any)["emergency"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["connected_clients"])
	assert.Contains(t, body, "events_received")
	assert.Contains(t, body, "recent_buffer_size")
}
