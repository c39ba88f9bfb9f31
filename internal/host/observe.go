package host

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ObserveOptions controls an observation.
type ObserveOptions struct {
	// OnNext receives each successful result. Required.
	OnNext func(result any)
	// OnError receives evaluation failures. When nil, failures are dropped.
	OnError func(err error)

	InstanceID string
	Bindings   map[string]any
	Timeout    time.Duration
}

// Observe evaluates a script and re-evaluates it whenever data it depended
// on changes, emitting each result through OnNext. Evaluations run
// idempotent. The returned function cancels the observation; a re-evaluation
// already in flight at cancellation completes but its result is discarded.
func (h *Host) Observe(ctx context.Context, script string, opts ObserveOptions) (cancel func(), err error) {
	if opts.OnNext == nil {
		return nil, errors.New("observe requires an OnNext callback")
	}
	h.mu.Lock()
	if h.state == stateDisposed {
		h.mu.Unlock()
		return nil, ErrDisposed
	}
	h.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	o := &observation{
		h:      h,
		ctx:    ctx,
		script: script,
		opts:   opts,
		active: true,
	}
	go o.run()
	return o.cancel, nil
}

// observation is one reactive subscription: it owns the active flag that
// discards late results, the current write-observer registration, and the
// observer-exit hooks functions may register during its evaluations.
type observation struct {
	h      *Host
	ctx    context.Context
	script string
	opts   ObserveOptions

	mu         sync.Mutex
	active     bool
	observerID string
	exitHooks  []func()
}

// run performs one observation cycle: release resources from the previous
// cycle, evaluate, emit. Invalidation schedules the next cycle.
func (o *observation) run() {
	o.runExitHooks()
	if !o.isActive() {
		return
	}

	result, err := o.h.Eval(o.ctx, o.script, EvalOptions{
		Idempotent:   true,
		InstanceID:   o.opts.InstanceID,
		Bindings:     o.opts.Bindings,
		Timeout:      o.opts.Timeout,
		OnInvalidate: func() { go o.run() },
		observation:  o,
	})

	if !o.isActive() {
		return
	}
	if err != nil {
		if o.opts.OnError != nil {
			o.h.safeCall("observer error", func() { o.opts.OnError(err) })
		}
		return
	}
	o.h.safeCall("observer next", func() { o.opts.OnNext(result) })
}

func (o *observation) cancel() {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return
	}
	o.active = false
	observerID := o.observerID
	o.observerID = ""
	hooks := o.exitHooks
	o.exitHooks = nil
	o.mu.Unlock()

	if observerID != "" {
		o.h.removeObserver(observerID)
	}
	for _, hook := range hooks {
		o.h.safeCall("observer exit hook", hook)
	}
}

func (o *observation) isActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// setObserver records the current write-observer registration. It reports
// false when the observation was already cancelled, in which case the caller
// must drop the registration itself: cancel has run past its unregister step.
func (o *observation) setObserver(evalID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return false
	}
	o.observerID = evalID
	return true
}

func (o *observation) addExitHook(hook func()) {
	o.mu.Lock()
	o.exitHooks = append(o.exitHooks, hook)
	o.mu.Unlock()
}

func (o *observation) runExitHooks() {
	o.mu.Lock()
	hooks := o.exitHooks
	o.exitHooks = nil
	o.mu.Unlock()
	for _, hook := range hooks {
		o.h.safeCall("observer exit hook", hook)
	}
}
