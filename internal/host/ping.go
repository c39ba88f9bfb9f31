package host

import (
	"time"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// startPing arms the liveness probe. Pings are fire-and-forget: they are not
// registered as pending requests, so probing never flips the idle state. Any
// inbound message counts as proof of life, not just pongs.
func (h *Host) startPing() {
	if h.opts.PingInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	h.mu.Lock()
	h.pingStop = stop
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.post(&protocol.Ping{
					Header: protocol.NewHeader(protocol.TypePing, h.ids.Next()),
				})
			}
		}
	}()
}

// IsUnresponsive reports whether the sandbox has been silent longer than the
// configured threshold. It is always false before the first inbound message
// and when probing is disabled.
func (h *Host) IsUnresponsive() bool {
	if h.opts.PingInterval <= 0 {
		return false
	}
	threshold := h.opts.UnresponsiveAfter
	if threshold <= 0 {
		threshold = 3 * h.opts.PingInterval
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messageSeen && time.Since(h.lastMessage) > threshold
}
