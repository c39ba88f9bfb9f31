package host

import (
	"context"
	"time"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// EvalOptions controls one evaluation.
type EvalOptions struct {
	// Idempotent forbids host-function side effects during the evaluation
	// and makes it eligible for safe re-evaluation under observation.
	Idempotent bool
	// InstanceID selects a reusable variable store inside the sandbox.
	InstanceID string
	// Bindings are input values visible to the script.
	Bindings map[string]any
	// Track forces read/write version reporting. It is implied when the
	// evaluation is non-idempotent or OnInvalidate is set, because a
	// concurrent observer may depend on variables this evaluation writes.
	Track bool
	// Timeout overrides the host default; zero uses the default.
	Timeout time.Duration
	// OnInvalidate is called at most once when a later evaluation writes a
	// variable this one depended on, or when the sandbox-reported refresh
	// window elapses.
	OnInvalidate func()

	observation *observation
}

// Eval evaluates a script in the sandbox, lazily initializing it first, and
// returns the result or the error the sandbox reported.
func (h *Host) Eval(ctx context.Context, script string, opts EvalOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.ensureInit(ctx); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = h.opts.EvalTimeout
	}
	msg := &protocol.Eval{
		Header:     protocol.NewHeader(protocol.TypeEval, h.ids.Next()),
		Script:     script,
		Idempotent: opts.Idempotent,
		InstanceID: opts.InstanceID,
		Bindings:   opts.Bindings,
		Track:      opts.Track || !opts.Idempotent || opts.OnInvalidate != nil,
	}

	h.mu.Lock()
	if h.state == stateDisposed {
		h.mu.Unlock()
		return nil, ErrDisposed
	}
	h.scopes[msg.ID] = &activeScope{
		id:           msg.ID,
		ctx:          ctx,
		onInvalidate: opts.OnInvalidate,
		obs:          opts.observation,
	}
	h.mu.Unlock()

	start := time.Now()
	resp, err := h.request(ctx, msg, protocol.TypeReturn, timeout)
	if h.metrics != nil {
		h.metrics.EvalDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if h.metrics != nil {
			h.metrics.EvalsTotal.WithLabelValues("error").Inc()
		}
		h.abandonScope(msg.ID)
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.EvalsTotal.WithLabelValues("ok").Inc()
	}
	return resp.(*protocol.Return).Result, nil
}

// abandonScope retires a scope whose evaluation failed without a matched
// response (timeout, cancellation, post failure). Script-exit hooks still
// run; no observer is registered.
func (h *Host) abandonScope(evalID string) {
	h.mu.Lock()
	sc, ok := h.scopes[evalID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.scopes, evalID)
	hooks := sc.exitHooks
	sc.exitHooks = nil
	h.mu.Unlock()

	for _, hook := range hooks {
		h.safeCall("script exit hook", hook)
	}
}
