package host

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// CallScope is the invocation context handed to a host function when a
// script calls it. It ties the call to the evaluation that made it.
type CallScope struct {
	h      *Host
	key    string
	idem   bool
	ctx    context.Context
	evalID string
	obs    *observation
}

// Key returns the function name the script invoked.
func (c *CallScope) Key() string { return c.key }

// Idempotent reports whether this call is forbidden from side effects. The
// flag comes from the call message, not the originating evaluation: one
// evaluation can contain calls of mixed purity.
func (c *CallScope) Idempotent() bool { return c.idem }

// Context returns the context propagated from the evaluation's options.
func (c *CallScope) Context() context.Context { return c.ctx }

// Invalidate marks the owning evaluation's result stale. It is a no-op
// while the evaluation is still running and takes effect once the
// evaluation has returned, so a function can never invalidate its own
// still-in-flight evaluation.
func (c *CallScope) Invalidate() {
	c.h.mu.Lock()
	if sc, ok := c.h.scopes[c.evalID]; ok {
		sc.invalidated = true
	}
	c.h.mu.Unlock()
}

// OnScriptExit registers a callback invoked when the owning evaluation
// settles. If the evaluation already settled, the callback runs immediately.
func (c *CallScope) OnScriptExit(hook func()) {
	c.h.mu.Lock()
	sc, ok := c.h.scopes[c.evalID]
	if ok {
		sc.exitHooks = append(sc.exitHooks, hook)
		c.h.mu.Unlock()
		return
	}
	c.h.mu.Unlock()
	c.h.safeCall("script exit hook", hook)
}

// SupportsObserverExit reports whether this call runs under an observation,
// i.e. whether OnObserverExit callbacks can ever fire.
func (c *CallScope) SupportsObserverExit() bool { return c.obs != nil }

// OnObserverExit registers a callback invoked when the owning observation
// is cancelled or before it re-evaluates. Returns false when the call does
// not run under an observation.
func (c *CallScope) OnObserverExit(hook func()) bool {
	if c.obs == nil {
		return false
	}
	c.obs.addExitHook(hook)
	return true
}

// dispatchCall answers a function-call request from the sandbox with exactly
// one response message. The function runs on its own goroutine; lookup is
// live, so functions exposed after init are callable.
func (h *Host) dispatchCall(m *protocol.Call) {
	h.mu.Lock()
	fn, ok := h.functions[m.Function]
	if !ok {
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.FunctionCalls.WithLabelValues(m.Function, "undefined").Inc()
		}
		h.postError(m.ID, fmt.Sprintf("function not defined: %s", m.Function))
		return
	}
	sc, ok := h.scopes[m.CorrelationID]
	if !ok {
		// A function must never run outside a live evaluation.
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.FunctionCalls.WithLabelValues(m.Function, "no_scope").Inc()
		}
		h.postError(m.ID, fmt.Sprintf("no active evaluation for call to %s", m.Function))
		return
	}
	scope := &CallScope{
		h:      h,
		key:    m.Function,
		idem:   m.Idempotent,
		ctx:    sc.ctx,
		evalID: m.CorrelationID,
		obs:    sc.obs,
	}
	h.mu.Unlock()

	go func() {
		result, err := h.invoke(fn, scope, m.Args)
		if err != nil {
			if h.metrics != nil {
				h.metrics.FunctionCalls.WithLabelValues(m.Function, "error").Inc()
			}
			h.postError(m.ID, err.Error())
			return
		}
		if h.metrics != nil {
			h.metrics.FunctionCalls.WithLabelValues(m.Function, "ok").Inc()
		}
		h.post(&protocol.Return{
			Header: protocol.NewResponseHeader(protocol.TypeReturn, h.ids.Next(), m.ID),
			Result: result,
		})
	}()
}

// invoke runs a host function, converting panics into errors so the sandbox
// always receives a response.
func (h *Host) invoke(fn Function, scope *CallScope, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("function %s panicked: %v", scope.key, r)
		}
	}()
	return fn(scope, args)
}

func (h *Host) postError(inResponseTo, text string) {
	h.post(&protocol.Error{
		Header: protocol.NewResponseHeader(protocol.TypeError, h.ids.Next(), inResponseTo),
		Text:   text,
	})
}
