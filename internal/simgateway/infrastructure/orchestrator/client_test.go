package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Namespace: "sim"})
}

func TestCreateSimulator(t *testing.T) {
	var got createRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/namespaces/sim/simulators", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"endpoint":"10.0.0.5:50051","pod_name":"sim-1"}`))
	})

	p, err := c.CreateSimulator(context.Background(), domain.CreateSimulatorRequest{SimulatorID: "sim-1", SessionID: "sess-1", UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:50051", p.Endpoint)
	assert.Equal(t, "sim-1", p.PodName)
	assert.Equal(t, "sim", p.Namespace)
	assert.Equal(t, createRequest{SimulatorID: "sim-1", SessionID: "sess-1", UserID: "u-1"}, got)
}

func TestCreateSimulatorFailures(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"quota exceeded"}`))
	})
	_, err := c.CreateSimulator(context.Background(), domain.CreateSimulatorRequest{SimulatorID: "sim-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "quota exceeded")

	c = newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
	_, err = c.CreateSimulator(context.Background(), domain.CreateSimulatorRequest{SimulatorID: "sim-1"})
	assert.ErrorContains(t, err, "no endpoint")
}

func TestDeleteSimulatorIgnoresNotFound(t *testing.T) {
	codes := map[string]int{"/api/v1/namespaces/sim/simulators/gone": http.StatusNotFound, "/api/v1/namespaces/sim/simulators/ok": http.StatusNoContent, "/api/v1/namespaces/sim/simulators/bad": http.StatusInternalServerError}
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(codes[r.URL.Path])
	})

	assert.NoError(t, c.DeleteSimulator(context.Background(), "gone"))
	assert.NoError(t, c.DeleteSimulator(context.Background(), "ok"))
	assert.Error(t, c.DeleteSimulator(context.Background(), "bad"))
}

func TestSimulatorStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/namespaces/sim/simulators/missing/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"running"}`))
	})

	s, err := c.SimulatorStatus(context.Background(), "sim-1")
	require.NoError(t, err)
	assert.Equal(t, "running", s)

	s, err = c.SimulatorStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, s)
}
