package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/bridge/local"
	"github.com/GriffinCanCode/ScriptBridge/internal/host"
	"github.com/GriffinCanCode/ScriptBridge/internal/sandbox"
)

// newBridgedHost wires a host to a real sandbox over an in-process bridge
// pair, the same topology the serve command uses minus the websocket.
func newBridgedHost(t *testing.T, fns map[string]host.Function) *host.Host {
	t.Helper()
	var sandboxes []*sandbox.Sandbox
	h := host.New(host.Options{
		Factory: func() (bridge.Bridge, error) {
			pair := local.NewPair()
			sb := sandbox.New(sandbox.Options{ExecTimeout: 5 * time.Second})
			sb.Attach(pair.SandboxSide)
			sandboxes = append(sandboxes, sb)
			return pair.HostSide, nil
		},
		Functions:   fns,
		EvalTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		_ = h.Dispose()
		for _, sb := range sandboxes {
			_ = sb.Dispose()
		}
	})
	return h
}

func TestEndToEndEval(t *testing.T) {
	h := newBridgedHost(t, nil)
	result, err := h.Eval(context.Background(), "6 * 7", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)
}

func TestVariablesPersistAcrossEvals(t *testing.T) {
	h := newBridgedHost(t, nil)
	_, err := h.Eval(context.Background(), "counter = 1", host.EvalOptions{})
	require.NoError(t, err)
	result, err := h.Eval(context.Background(), "counter + 1", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result)
}

func TestInstanceIsolation(t *testing.T) {
	h := newBridgedHost(t, nil)
	_, err := h.Eval(context.Background(), "v = 1", host.EvalOptions{InstanceID: "a"})
	require.NoError(t, err)
	result, err := h.Eval(context.Background(), "typeof v", host.EvalOptions{InstanceID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)
}

func TestHostFunctionRoundTrip(t *testing.T) {
	h := newBridgedHost(t, map[string]host.Function{
		"double": func(scope *host.CallScope, args []any) (any, error) {
			return args[0].(int64) * 2, nil
		},
	})
	result, err := h.Eval(context.Background(), "double(21)", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)
}

func TestHostFunctionErrorBecomesScriptError(t *testing.T) {
	h := newBridgedHost(t, map[string]host.Function{
		"fail": func(*host.CallScope, []any) (any, error) {
			return nil, assert.AnError
		},
	})
	_, err := h.Eval(context.Background(), "fail()", host.EvalOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), assert.AnError.Error())
}

func TestScriptErrorSurfaced(t *testing.T) {
	h := newBridgedHost(t, nil)
	_, err := h.Eval(context.Background(), "throw new Error('kaboom')", host.EvalOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

// The canonical reactive sequence: observing "value || 0" yields the initial
// value, then one new value per write that dominates the observed version.
func TestObservationTracksWrites(t *testing.T) {
	h := newBridgedHost(t, nil)

	results := make(chan any, 8)
	cancel, err := h.Observe(context.Background(), "value || 0", host.ObserveOptions{
		OnNext:  func(result any) { results <- result },
		OnError: func(err error) { t.Errorf("observation failed: %v", err) },
	})
	require.NoError(t, err)

	next := func() any {
		select {
		case v := <-results:
			return v
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for observation result")
			return nil
		}
	}

	assert.Equal(t, int64(0), next())

	_, err = h.Eval(context.Background(), "value = 1", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next())

	_, err = h.Eval(context.Background(), "++value", host.EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next())

	cancel()
	_, err = h.Eval(context.Background(), "++value", host.EvalOptions{})
	require.NoError(t, err)
	select {
	case v := <-results:
		t.Fatalf("cancelled observation emitted %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOwnWriteIsNotADependency(t *testing.T) {
	h := newBridgedHost(t, nil)

	fired := make(chan struct{}, 1)
	_, err := h.Eval(context.Background(), "value = 10", host.EvalOptions{})
	require.NoError(t, err)

	// The evaluation reads other (a dependency) and overwrites value after
	// reading it, so value is not a dependency and the evaluation's own
	// write must not count as a change.
	_, err = h.Eval(context.Background(), "value = value + (other || 0) + 1", host.EvalOptions{
		OnInvalidate: func() { fired <- struct{}{} },
	})
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("evaluation invalidated by its own write")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = h.Eval(context.Background(), "value = 99", host.EvalOptions{})
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("write to a non-dependency invalidated the evaluation")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = h.Eval(context.Background(), "other = 1", host.EvalOptions{})
	require.NoError(t, err)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("write to a dependency never invalidated the evaluation")
	}
}

func TestWhenIdleAfterBurst(t *testing.T) {
	h := newBridgedHost(t, nil)
	for i := 0; i < 5; i++ {
		_, err := h.Eval(context.Background(), "1", host.EvalOptions{})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.WhenIdle(ctx, 10*time.Millisecond))
}
