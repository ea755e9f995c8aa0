package rnode

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnode-server/rnode/static"
	"github.com/rnode-server/rnode/ws"
)

func TestServerStaticServesAndFallsThrough(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.css"), []byte("body{}"), 0o644))

	s := New()
	require.NoError(t, s.Static("/assets", dir, static.DefaultOptions()))
	require.NoError(t, s.GET("/fallback", func(req *Request, res *Response) error {
		return res.WriteString("fallback")
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/assets/app.css", nil))
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "body{}", rw.Body.String())

	rw = httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/fallback", nil))
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "fallback", rw.Body.String())
}

func TestServerStaticMissingFileFallsThroughToNotFound(t *testing.T) {
	dir := t.TempDir()

	s := New()
	require.NoError(t, s.Static("/assets", dir, static.DefaultOptions()))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/assets/missing.css", nil))
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestServerEnableMetricsEndpointReportsRequests(t *testing.T) {
	s := New()
	require.NoError(t, s.GET("/ok", func(req *Request, res *Response) error {
		return res.WriteString("ok")
	}))
	require.NoError(t, s.EnableMetricsEndpoint("/metrics"))

	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "http_requests_total")
}

func TestServerWebSocketRouteRegistersOnHub(t *testing.T) {
	s := New()
	s.WebSocket("/ws", &ws.Route{Events: ws.AllEvents})

	route, ok := s.WebSocketHub().RouteFor("/ws")
	require.True(t, ok)
	assert.Equal(t, "/ws", route.Path)
}

func TestServerNonUpgradeRequestToWebSocketPathIsNotHijacked(t *testing.T) {
	s := New()
	s.WebSocket("/ws", &ws.Route{Events: ws.AllEvents})

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusNotFound, rw.Code)
}
