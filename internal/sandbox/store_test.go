package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

func newTestStore(t *testing.T) *store {
	t.Helper()
	s := New(Options{})
	t.Cleanup(func() { _ = s.Dispose() })
	st, err := s.store("")
	require.NoError(t, err)
	return st
}

func evalReq(id, script string, track bool) *protocol.Eval {
	return &protocol.Eval{
		Header: protocol.NewHeader(protocol.TypeEval, id),
		Script: script,
		Track:  track,
	}
}

func TestRunResult(t *testing.T) {
	st := newTestStore(t)
	resp, err := st.run(evalReq("e1", "1 + 2", false), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Result)
	assert.Nil(t, resp.Vars, "untracked evaluation must not report versions")
}

func TestRunTracksReadsAndWrites(t *testing.T) {
	st := newTestStore(t)

	resp, err := st.run(evalReq("e1", "a = (b || 0) + 1", true), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Result)
	require.Contains(t, resp.Vars, "a")
	require.Contains(t, resp.Vars, "b")
	assert.Nil(t, resp.Vars["a"].Read)
	assert.Equal(t, uint64(1), *resp.Vars["a"].Write)
	assert.Equal(t, uint64(0), *resp.Vars["b"].Read)
	assert.Nil(t, resp.Vars["b"].Write)

	// Read-then-write of the same variable reports both versions.
	resp, err = st.run(evalReq("e2", "a = a + 1", true), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Result)
	assert.Equal(t, uint64(1), *resp.Vars["a"].Read)
	assert.Equal(t, uint64(2), *resp.Vars["a"].Write)
}

func TestFirstReadVersionWins(t *testing.T) {
	st := newTestStore(t)
	_, err := st.run(evalReq("e1", "x = 1", true), nil, 0)
	require.NoError(t, err)

	// x is read at version 1 and repeatedly after; the reported read
	// version is the first one observed.
	resp, err := st.run(evalReq("e2", "x + x + x", true), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Result)
	assert.Equal(t, uint64(1), *resp.Vars["x"].Read)
}

func TestBindingsShadowUntilWritten(t *testing.T) {
	st := newTestStore(t)
	_, err := st.run(evalReq("e1", "x = 5", false), nil, 0)
	require.NoError(t, err)

	req := evalReq("e2", "x + 1", true)
	req.Bindings = map[string]any{"x": 100}
	resp, err := st.run(req, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(101), resp.Result)
	assert.Nil(t, resp.Vars, "binding reads are not dependencies")

	// Writing the bound name goes to the store and ends the shadowing.
	req = evalReq("e3", "x = x + 1; x", true)
	req.Bindings = map[string]any{"x": 100}
	resp, err = st.run(req, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(101), resp.Result)
	assert.Nil(t, resp.Vars["x"].Read)
	assert.Equal(t, uint64(2), *resp.Vars["x"].Write)

	resp, err = st.run(evalReq("e4", "x", false), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(101), resp.Result)
}

func TestRefreshBuiltin(t *testing.T) {
	st := newTestStore(t)
	resp, err := st.run(evalReq("e1", "refresh(5000); refresh(1000); refresh(0); 1", true), nil, 0)
	require.NoError(t, err)
	require.NotNil(t, resp.Refresh)
	assert.Equal(t, int64(1000), *resp.Refresh)

	// Refresh is per evaluation, not sticky.
	resp, err = st.run(evalReq("e2", "2", true), nil, 0)
	require.NoError(t, err)
	assert.Nil(t, resp.Refresh)
}

func TestBuiltinsAndLocalsNotTracked(t *testing.T) {
	st := newTestStore(t)
	resp, err := st.run(evalReq("e1", "var local = Math.max(1, 2); local + JSON.parse(\"3\")", true), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Result)
	assert.Nil(t, resp.Vars)
}

func TestDangerousGlobalsScrubbed(t *testing.T) {
	st := newTestStore(t)
	resp, err := st.run(evalReq("e1", "typeof require + \" \" + typeof process", false), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "undefined undefined", resp.Result)
}

func TestThrownValueSurfaced(t *testing.T) {
	st := newTestStore(t)
	_, err := st.run(evalReq("e1", "throw new Error('bad thing')", false), nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad thing")
}

func TestExecutionInterrupt(t *testing.T) {
	st := newTestStore(t)
	_, err := st.run(evalReq("e1", "while (true) {}", false), nil, 20*time.Millisecond)
	require.Error(t, err)

	// The interrupt is cleared; the store keeps working.
	resp, err := st.run(evalReq("e2", "1 + 1", false), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Result)
}

type captureBridge struct {
	msgs chan protocol.Message
}

func newCapture() *captureBridge {
	return &captureBridge{msgs: make(chan protocol.Message, 16)}
}

func (c *captureBridge) Post(m protocol.Message) error        { c.msgs <- m; return nil }
func (c *captureBridge) Listen(func(protocol.Message)) func() { return func() {} }
func (c *captureBridge) Dispose() error                       { return nil }

func (c *captureBridge) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sandbox reply")
		return nil
	}
}

func TestHandleInitAndPing(t *testing.T) {
	s := New(Options{})
	t.Cleanup(func() { _ = s.Dispose() })
	c := newCapture()
	s.Attach(c)

	s.Handle(&protocol.Init{Header: protocol.NewHeader(protocol.TypeInit, "i1")})
	ret, ok := c.next(t).(*protocol.Return)
	require.True(t, ok)
	assert.Equal(t, "i1", ret.InResponseTo)

	s.Handle(&protocol.Ping{Header: protocol.NewHeader(protocol.TypePing, "p1")})
	pong, ok := c.next(t).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, "p1", pong.InResponseTo)
}

func TestHandleEvalAnswersAsynchronously(t *testing.T) {
	s := New(Options{})
	t.Cleanup(func() { _ = s.Dispose() })
	c := newCapture()
	s.Attach(c)

	s.Handle(evalReq("e1", "40 + 2", false))
	ret, ok := c.next(t).(*protocol.Return)
	require.True(t, ok)
	assert.Equal(t, "e1", ret.InResponseTo)
	assert.Equal(t, int64(42), ret.Result)

	s.Handle(evalReq("e2", "throw 'nope'", false))
	errMsg, ok := c.next(t).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "e2", errMsg.InResponseTo)
	assert.Contains(t, errMsg.Text, "nope")
}

func TestEvalAfterDisposeRejected(t *testing.T) {
	s := New(Options{})
	c := newCapture()
	s.Attach(c)
	require.NoError(t, s.Dispose())

	s.Handle(evalReq("e1", "1", false))
	errMsg, ok := c.next(t).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, errMsg.Text, "disposed")
}
