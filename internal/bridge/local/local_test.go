package local

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

func ping(id string) protocol.Message {
	return &protocol.Ping{Header: protocol.NewHeader(protocol.TypePing, id)}
}

func TestRoundTrip(t *testing.T) {
	pair := NewPair()
	defer pair.HostSide.Dispose()    //nolint:errcheck
	defer pair.SandboxSide.Dispose() //nolint:errcheck

	got := make(chan protocol.Message, 1)
	pair.SandboxSide.Listen(func(m protocol.Message) { got <- m })

	require.NoError(t, pair.HostSide.Post(ping("m1")))
	select {
	case m := <-got:
		assert.Equal(t, "m1", m.MessageID())
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestDeliveryOrderPreserved(t *testing.T) {
	pair := NewPair()
	defer pair.HostSide.Dispose()    //nolint:errcheck
	defer pair.SandboxSide.Dispose() //nolint:errcheck

	const n = 100
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	pair.SandboxSide.Listen(func(m protocol.Message) {
		mu.Lock()
		seen = append(seen, m.MessageID())
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		require.NoError(t, pair.HostSide.Post(ping(fmt.Sprintf("m%03d", i))))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		assert.Equal(t, fmt.Sprintf("m%03d", i), id)
	}
}

func TestPostAfterDispose(t *testing.T) {
	pair := NewPair()
	require.NoError(t, pair.SandboxSide.Dispose())

	assert.ErrorIs(t, pair.HostSide.Post(ping("m1")), ErrClosed)
	assert.ErrorIs(t, pair.SandboxSide.Post(ping("m2")), ErrClosed)
	// Dispose is idempotent.
	require.NoError(t, pair.SandboxSide.Dispose())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	pair := NewPair()
	defer pair.HostSide.Dispose()    //nolint:errcheck
	defer pair.SandboxSide.Dispose() //nolint:errcheck

	got := make(chan protocol.Message, 4)
	unsubscribe := pair.SandboxSide.Listen(func(m protocol.Message) { got <- m })

	require.NoError(t, pair.HostSide.Post(ping("m1")))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	unsubscribe()
	require.NoError(t, pair.HostSide.Post(ping("m2")))
	select {
	case m := <-got:
		t.Fatalf("delivered %s after unsubscribe", m.MessageID())
	case <-time.After(50 * time.Millisecond):
	}
}
