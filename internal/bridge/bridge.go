// Package bridge defines the transport abstraction connecting a script host
// to a sandbox. Delivery is asynchronous, reliable and ordered; the bridge
// itself interprets nothing.
package bridge

import "github.com/GriffinCanCode/ScriptBridge/internal/protocol"

// Bridge is one endpoint of a bidirectional message channel.
//
// Listen registers exactly one delivery handler per call; the handler is
// invoked once per inbound message, in delivery order, never concurrently
// with itself. Post is fire-and-forget and preserves ordering.
type Bridge interface {
	Post(msg protocol.Message) error
	Listen(handler func(protocol.Message)) (unsubscribe func())
	Dispose() error
}

// Factory lazily creates a bridge. The host calls it on first use, so a
// sandbox is only provisioned when something actually needs evaluating.
type Factory func() (Bridge, error)
