package host

import (
	"context"
	"sort"
	"time"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// activeScope is the live context of an in-flight evaluation, keyed by the
// evaluation's message id. It exists only while the request is outstanding
// and authorizes function calls the sandbox makes back into the host.
type activeScope struct {
	id           string
	ctx          context.Context
	onInvalidate func()
	invalidated  bool
	exitHooks    []func()
	obs          *observation
}

// writeObserver is a subscription over a dependency set, keyed by the
// message id of the evaluation that created it. It fires at most once, when
// a later evaluation reports a write version strictly greater than the
// version this evaluation read.
type writeObserver struct {
	id         string
	deps       map[string]uint64
	invalidate func()
	refresh    *time.Timer
	obs        *observation
}

// dependencySet extracts the variables an evaluation depends on: every
// variable with a defined read version not dominated by a same-evaluation
// write.
func dependencySet(vars map[string]protocol.VarAccess) map[string]uint64 {
	deps := make(map[string]uint64)
	for name, access := range vars {
		if access.Read == nil {
			continue
		}
		if access.Write == nil || *access.Read > *access.Write {
			deps[name] = *access.Read
		}
	}
	return deps
}

// feedObserversLocked feeds the written set of an evaluation response to
// every registered observer and returns the fired invalidation callbacks as
// deferred work. Fired observers are removed before anything re-evaluates.
// Caller holds h.mu.
func (h *Host) feedObserversLocked(vars map[string]protocol.VarAccess) []func() {
	if len(vars) == 0 || len(h.observers) == 0 {
		return nil
	}
	written := make(map[string]uint64)
	for name, access := range vars {
		if access.Write != nil {
			written[name] = *access.Write
		}
	}
	if len(written) == 0 {
		return nil
	}

	var fired []*writeObserver
	for _, o := range h.observers {
		for name, v := range written {
			if readAt, ok := o.deps[name]; ok && v > readAt {
				fired = append(fired, o)
				break
			}
		}
	}
	if len(fired) == 0 {
		return nil
	}
	// Observer ids sort in creation order, so invalidations run in
	// message-id order regardless of map iteration.
	sort.Slice(fired, func(i, j int) bool { return fired[i].id < fired[j].id })

	work := make([]func(), 0, len(fired))
	for _, o := range fired {
		delete(h.observers, o.id)
		if o.refresh != nil {
			o.refresh.Stop()
		}
		callback := o.invalidate
		work = append(work, func() {
			if h.metrics != nil {
				h.metrics.Invalidations.WithLabelValues("write").Inc()
			}
			h.safeCall("invalidate", callback)
		})
	}
	if h.metrics != nil {
		h.metrics.ObserverGauge.Set(float64(len(h.observers)))
	}
	return work
}

// settleScopeLocked retires an evaluation's active scope once its response
// arrived: script-exit hooks become deferred work, a deferred Invalidate
// from a function call takes effect now, and successful tracked responses
// register a write observer and optional refresh timer. Caller holds h.mu.
func (h *Host) settleScopeLocked(evalID string, ret *protocol.Return) []func() {
	sc, ok := h.scopes[evalID]
	if !ok {
		return nil
	}
	delete(h.scopes, evalID)

	var work []func()
	for _, hook := range sc.exitHooks {
		callback := hook
		work = append(work, func() { h.safeCall("script exit hook", callback) })
	}
	sc.exitHooks = nil

	if sc.invalidated {
		// A function call invalidated its own evaluation; now that the
		// evaluation has returned, the notice fires instead of a
		// subscription being registered.
		if sc.onInvalidate != nil {
			callback := sc.onInvalidate
			work = append(work, func() {
				if h.metrics != nil {
					h.metrics.Invalidations.WithLabelValues("deferred").Inc()
				}
				h.safeCall("invalidate", callback)
			})
		}
		return work
	}

	if ret == nil || sc.onInvalidate == nil {
		return work
	}

	deps := dependencySet(ret.Vars)
	o := &writeObserver{
		id:         evalID,
		deps:       deps,
		invalidate: sc.onInvalidate,
		obs:        sc.obs,
	}
	if ret.Refresh != nil && *ret.Refresh > 0 {
		o.refresh = time.AfterFunc(time.Duration(*ret.Refresh)*time.Millisecond, func() {
			h.refreshFire(evalID)
		})
	}
	if len(deps) == 0 && o.refresh == nil {
		return work
	}
	h.observers[evalID] = o
	if sc.obs != nil && !sc.obs.setObserver(evalID) {
		// The observation was cancelled while this response settled; its
		// cancel could not see the registration, so drop it here.
		delete(h.observers, evalID)
		if o.refresh != nil {
			o.refresh.Stop()
		}
		return work
	}
	if h.metrics != nil {
		h.metrics.ObserverGauge.Set(float64(len(h.observers)))
	}
	return work
}

// refreshFire force-invalidates a subscription whose refresh window elapsed
// without an observed write.
func (h *Host) refreshFire(evalID string) {
	h.mu.Lock()
	o, ok := h.observers[evalID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.observers, evalID)
	if h.metrics != nil {
		h.metrics.ObserverGauge.Set(float64(len(h.observers)))
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Invalidations.WithLabelValues("refresh").Inc()
	}
	h.safeCall("invalidate", o.invalidate)
}

// removeObserver cancels a subscription without firing it.
func (h *Host) removeObserver(evalID string) {
	h.mu.Lock()
	o, ok := h.observers[evalID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.observers, evalID)
	if o.refresh != nil {
		o.refresh.Stop()
	}
	if h.metrics != nil {
		h.metrics.ObserverGauge.Set(float64(len(h.observers)))
	}
	h.mu.Unlock()
}
