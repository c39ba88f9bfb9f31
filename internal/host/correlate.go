package host

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

type outcome struct {
	msg protocol.Message
	err error
}

// pendingRequest tracks one request awaiting its response. At most one entry
// exists per message id; settle delivers at most once.
type pendingRequest struct {
	id     string
	expect protocol.Type
	ch     chan outcome
	timer  *time.Timer
	isEval bool
}

func (p *pendingRequest) settle(o outcome) {
	select {
	case p.ch <- o:
	default:
	}
}

// request sends a message and waits for its correlated response. The pending
// handler is registered before posting, so even a bridge that answers
// synchronously cannot race the registration. A positive timeout rejects the
// request without tearing down the sandbox.
func (h *Host) request(ctx context.Context, msg protocol.Message, expect protocol.Type, timeout time.Duration) (protocol.Message, error) {
	h.mu.Lock()
	if h.state == stateDisposed {
		h.mu.Unlock()
		return nil, ErrDisposed
	}
	br := h.br
	if br == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("no sandbox bridge")
	}
	p := &pendingRequest{
		id:     msg.MessageID(),
		expect: expect,
		ch:     make(chan outcome, 1),
	}
	_, p.isEval = msg.(*protocol.Eval)
	h.pending[p.id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { h.expire(p.id) })
	}
	becameBusy := len(h.pending) == 1
	n := len(h.pending)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PendingGauge.Set(float64(n))
	}
	if becameBusy {
		h.notifyIdle(false)
	}

	if err := br.Post(msg); err != nil {
		h.removePending(p.id, outcome{err: fmt.Errorf("post %s request: %w", msg.Kind(), err)})
	}

	select {
	case o := <-p.ch:
		return o.msg, o.err
	case <-ctx.Done():
		h.removePending(p.id, outcome{err: ctx.Err()})
		o := <-p.ch // whichever settled first wins
		return o.msg, o.err
	}
}

// expire fails one request with a timeout, leaving all others untouched.
func (h *Host) expire(msgID string) {
	removed := h.removePending(msgID, outcome{
		err: fmt.Errorf("request %s %w", msgID, ErrTimeout),
	})
	if removed && h.metrics != nil {
		h.metrics.EvalTimeouts.Inc()
	}
}

// removePending drops a pending entry if still present, settles it, and
// fires the busy→idle transition when it was the last one.
func (h *Host) removePending(msgID string, o outcome) bool {
	h.mu.Lock()
	p, ok := h.pending[msgID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.pending, msgID)
	if p.timer != nil {
		p.timer.Stop()
	}
	n := len(h.pending)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PendingGauge.Set(float64(n))
	}
	p.settle(o)
	if n == 0 {
		h.notifyIdle(true)
	}
	return true
}

// handleResponse matches a response to its pending request, runs evaluation
// bookkeeping (observer feeding, scope settlement, observer registration) in
// arrival order, then settles the waiter.
func (h *Host) handleResponse(msg protocol.Message) {
	h.mu.Lock()
	p, ok := h.pending[msg.ResponseTo()]
	if !ok {
		h.mu.Unlock()
		h.log.Debug("unmatched response",
			zap.String("type", string(msg.Kind())),
			zap.String("in_response_to", msg.ResponseTo()))
		return
	}
	delete(h.pending, p.id)
	if p.timer != nil {
		p.timer.Stop()
	}
	n := len(h.pending)

	var out outcome
	switch {
	case msg.Kind() == p.expect:
		out = outcome{msg: msg}
	case msg.Kind() == protocol.TypeError:
		out = outcome{err: &RemoteError{Text: msg.(*protocol.Error).Text}}
	default:
		out = outcome{err: unexpectedResponse(p.expect, msg.Kind())}
	}

	// Evaluation bookkeeping becomes deferred work run after the lock
	// drops: first observers fed by this response's writes, then this
	// evaluation's own settlement, whose exit hooks precede any deferred
	// invalidation of the same evaluation. Observations re-run their exit
	// hooks right before re-evaluating, so hooks never trail the
	// re-evaluation they guard.
	var work []func()
	if p.isEval {
		if ret, isReturn := msg.(*protocol.Return); isReturn {
			work = append(work, h.feedObserversLocked(ret.Vars)...)
			work = append(work, h.settleScopeLocked(p.id, ret)...)
		} else {
			work = append(work, h.settleScopeLocked(p.id, nil)...)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PendingGauge.Set(float64(n))
	}
	for _, fn := range work {
		fn()
	}
	p.settle(out)
	if n == 0 {
		h.notifyIdle(true)
	}
}

// OnIdleChange subscribes to idle transitions. The callback fires exactly on
// each false→true and true→false boundary crossing of the pending count.
func (h *Host) OnIdleChange(fn func(idle bool)) (unsubscribe func()) {
	h.mu.Lock()
	h.idleSeq++
	key := h.idleSeq
	h.idleSubs[key] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.idleSubs, key)
		h.mu.Unlock()
	}
}

func (h *Host) notifyIdle(idle bool) {
	h.mu.Lock()
	keys := make([]int, 0, len(h.idleSubs))
	for key := range h.idleSubs {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	subs := make([]func(bool), 0, len(keys))
	for _, key := range keys {
		subs = append(subs, h.idleSubs[key])
	}
	h.mu.Unlock()

	for _, fn := range subs {
		callback := fn
		h.safeCall("idle change", func() { callback(idle) })
	}
}

// WhenIdle resolves once the host has been idle for debounce continuously.
// Any busy transition during the window restarts the wait.
func (h *Host) WhenIdle(ctx context.Context, debounce time.Duration) error {
	h.mu.Lock()
	if h.state == stateDisposed {
		h.mu.Unlock()
		return ErrDisposed
	}
	h.mu.Unlock()

	ch := make(chan bool, 16)
	unsubscribe := h.OnIdleChange(func(idle bool) {
		select {
		case ch <- idle:
		default:
		}
	})
	defer unsubscribe()

	idle := h.IsIdle()
	for {
		if !idle {
			select {
			case idle = <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if debounce <= 0 {
			return nil
		}
		timer := time.NewTimer(debounce)
		settled := false
		for !settled {
			select {
			case <-timer.C:
				return nil
			case v := <-ch:
				if !v {
					idle = false
					timer.Stop()
					settled = true
				}
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}
