package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/bridge/wsbridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/config"
	"github.com/GriffinCanCode/ScriptBridge/internal/host"
	"github.com/GriffinCanCode/ScriptBridge/internal/monitoring"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(config.Default(), nil, monitoring.NewMetrics())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func bridgeURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge"
}

func newRemoteHost(t *testing.T, ts *httptest.Server, fns map[string]host.Function) *host.Host {
	t.Helper()
	h := host.New(host.Options{
		Factory: func() (bridge.Bridge, error) {
			return wsbridge.Dial(context.Background(), bridgeURL(ts), nil)
		},
		Functions:   fns,
		EvalTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = h.Dispose() })
	return h
}

func TestEvalOverWebsocket(t *testing.T) {
	_, ts := newTestServer(t)
	h := newRemoteHost(t, ts, nil)

	// Numbers come back as float64 after the JSON round trip.
	result, err := h.Eval(context.Background(), "2 + 3", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)
}

func TestHostFunctionOverWebsocket(t *testing.T) {
	_, ts := newTestServer(t)
	h := newRemoteHost(t, ts, map[string]host.Function{
		"double": func(scope *host.CallScope, args []any) (any, error) {
			return args[0].(float64) * 2, nil
		},
	})

	result, err := h.Eval(context.Background(), "double(21)", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, float64(42), result)
}

func TestInvalidationOverWebsocket(t *testing.T) {
	_, ts := newTestServer(t)
	h := newRemoteHost(t, ts, nil)

	fired := make(chan struct{}, 1)
	_, err := h.Eval(context.Background(), "value || 0", host.EvalOptions{
		Idempotent:   true,
		OnInvalidate: func() { fired <- struct{}{} },
	})
	require.NoError(t, err)

	_, err = h.Eval(context.Background(), "value = 1", host.EvalOptions{})
	require.NoError(t, err)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation never crossed the websocket")
	}
}

func TestSandboxPerConnection(t *testing.T) {
	_, ts := newTestServer(t)
	h1 := newRemoteHost(t, ts, nil)
	h2 := newRemoteHost(t, ts, nil)

	_, err := h1.Eval(context.Background(), "secret = 7", host.EvalOptions{})
	require.NoError(t, err)
	result, err := h2.Eval(context.Background(), "typeof secret", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	h := newRemoteHost(t, ts, nil)
	_, err := h.Eval(context.Background(), "1", host.EvalOptions{})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scriptbridge_ws_connections")
}
