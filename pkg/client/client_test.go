package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStatusDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"services":   []map[string]any{{"name": "mariadb", "state": "running", "pid": 10, "metrics": map[string]any{"memory_mb": 80.5}}},
			"versions":   map[string]any{"frontend": map[string]any{"version": "v1.2.0"}},
			"ports":      map[string]int{"mariadb": 3307},
			"installing": true,
		})
	})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Services, 1)
	assert.Equal(t, "running", st.Services[0].State)
	require.NotNil(t, st.Services[0].Metrics)
	assert.InDelta(t, 80.5, st.Services[0].Metrics.MemoryMB, 0.001)
	assert.Equal(t, "v1.2.0", st.Versions["frontend"].Version)
	assert.True(t, st.Installing)
	assert.True(t, c.IsReachable(context.Background()))
}

func TestStartStopPaths(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		writeJSON(w, http.StatusOK, OKResponse{OK: true, Message: "done"})
	})
	msg, err := c.Start(context.Background(), "backend")
	require.NoError(t, err)
	assert.Equal(t, "done", msg)
	_, err = c.Stop(context.Background(), "frontend")
	require.NoError(t, err)
	assert.Equal(t, []string{"POST /api/start/backend", "POST /api/stop/frontend"}, paths)
}

func TestAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/install/start":
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "installation already in progress"})
		case "/api/start/nope":
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown service: nope"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	err := c.StartInstall(context.Background())
	assert.ErrorIs(t, err, ErrConflict)

	_, err = c.Start(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "unknown service")
	assert.False(t, errors.Is(err, ErrConflict))

	err = c.StartUpdate(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP 500", apiErr.Error())
}

func TestInvalidLicenseIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, License{Reason: "License Expired", Expiry: "2025-01-31"})
	})
	lic, err := c.License(context.Background())
	require.NoError(t, err)
	assert.False(t, lic.Valid)
	assert.Equal(t, "License Expired", lic.Reason)
}

func TestQueryParameters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/logs/backend":
			assert.Equal(t, "20", r.URL.Query().Get("lines"))
			writeJSON(w, http.StatusOK, map[string]any{"lines": []string{"a", "b"}})
		case "/api/history":
			assert.Equal(t, "", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, []Event{{Type: "start", Name: "backend", PID: 7}})
		}
	})
	lines, err := c.Logs(context.Background(), "backend", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	events, err := c.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].PID)
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
