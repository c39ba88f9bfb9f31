// Package local provides an in-process bridge pair. Both endpoints share a
// process but exchange messages only through buffered mailboxes with a single
// delivery goroutine each, so handler invocations are strictly serialized in
// arrival order just like a remote transport.
package local

import (
	"errors"
	"sync"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// ErrClosed is returned by Post after either endpoint is disposed.
var ErrClosed = errors.New("local bridge is closed")

const mailboxSize = 256

// Pair is a connected pair of bridge endpoints.
type Pair struct {
	HostSide    bridge.Bridge
	SandboxSide bridge.Bridge
}

// NewPair creates two connected endpoints.
func NewPair() *Pair {
	a := newEndpoint()
	b := newEndpoint()
	a.peer = b
	b.peer = a
	return &Pair{HostSide: a, SandboxSide: b}
}

type endpoint struct {
	peer *endpoint

	inbox chan protocol.Message
	done  chan struct{}

	mu       sync.Mutex
	handler  func(protocol.Message)
	pumpOnce sync.Once
	dispose  sync.Once
}

func newEndpoint() *endpoint {
	return &endpoint{
		inbox: make(chan protocol.Message, mailboxSize),
		done:  make(chan struct{}),
	}
}

func (e *endpoint) Post(msg protocol.Message) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-e.peer.done:
		return ErrClosed
	case e.peer.inbox <- msg:
		return nil
	}
}

func (e *endpoint) Listen(handler func(protocol.Message)) func() {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()

	e.pumpOnce.Do(func() {
		go e.pump()
	})

	return func() {
		e.mu.Lock()
		e.handler = nil
		e.mu.Unlock()
	}
}

func (e *endpoint) pump() {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.inbox:
			e.mu.Lock()
			handler := e.handler
			e.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

func (e *endpoint) Dispose() error {
	e.dispose.Do(func() {
		close(e.done)
	})
	return nil
}
