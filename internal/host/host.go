// Package host implements the orchestrator side of sandboxed script
// evaluation: request/response correlation with timeouts, lazy sandbox
// initialization, dependency-based invalidation, dispatch of script-initiated
// function calls back into host code, and reactive observation built on top
// of evaluation.
//
// A Host owns exactly one bridge at a time and serializes all bookkeeping
// under one mutex; the bridge contract already delivers messages one at a
// time, so dependency tracking and idle transitions never race.
package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/id"
	"github.com/GriffinCanCode/ScriptBridge/internal/logging"
	"github.com/GriffinCanCode/ScriptBridge/internal/monitoring"
	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// Function is a host-exposed function callable from sandboxed scripts. The
// scope authorizes and contextualizes the call; args are positional.
type Function func(scope *CallScope, args []any) (any, error)

// Options configures a Host.
type Options struct {
	// Factory creates the sandbox bridge, lazily, on first use. Required.
	Factory bridge.Factory

	// Functions initially exposed to scripts. More can be added later with
	// Expose; lookup is live, not snapshotted at init.
	Functions map[string]Function

	Logger  *logging.Logger
	Metrics *monitoring.Metrics

	// InitTimeout bounds the init round-trip. Zero means no timeout.
	InitTimeout time.Duration
	// EvalTimeout is the default per-evaluation timeout. Zero means none.
	EvalTimeout time.Duration
	// PingInterval enables liveness probing when positive.
	PingInterval time.Duration
	// UnresponsiveAfter is the silence threshold for IsUnresponsive.
	// Defaults to three ping intervals.
	UnresponsiveAfter time.Duration
}

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
	stateDisposed
)

// Host evaluates scripts in a sandbox reachable only through a bridge.
type Host struct {
	opts    Options
	log     *logging.Logger
	metrics *monitoring.Metrics
	ids     *id.Generator

	mu        sync.Mutex
	state     state
	initDone  chan struct{}
	br        bridge.Bridge
	unlisten  func()
	functions map[string]Function
	pending   map[string]*pendingRequest
	scopes    map[string]*activeScope
	observers map[string]*writeObserver
	idleSeq   int
	idleSubs  map[int]func(bool)
	pingStop  chan struct{}

	lastMessage time.Time
	messageSeen bool
}

// New creates a host. No sandbox exists until the first Eval, Observe or
// explicit Init.
func New(opts Options) *Host {
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	functions := make(map[string]Function, len(opts.Functions))
	for name, fn := range opts.Functions {
		functions[name] = fn
	}
	return &Host{
		opts:      opts,
		log:       log,
		metrics:   opts.Metrics,
		ids:       id.New("host"),
		functions: functions,
		pending:   make(map[string]*pendingRequest),
		scopes:    make(map[string]*activeScope),
		observers: make(map[string]*writeObserver),
		idleSubs:  make(map[int]func(bool)),
	}
}

// Expose makes a function callable from scripts. Functions added after init
// are resolved by live lookup when the sandbox calls them.
func (h *Host) Expose(name string, fn Function) {
	h.mu.Lock()
	h.functions[name] = fn
	h.mu.Unlock()
}

// IsInitialized reports whether the sandbox is created and ready.
func (h *Host) IsInitialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateReady
}

// IsDisposed reports whether the host has been permanently disposed.
func (h *Host) IsDisposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateDisposed
}

// IsIdle reports whether no request is currently awaiting a response.
func (h *Host) IsIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) == 0
}

// Init eagerly initializes the sandbox. Concurrent callers share one
// in-flight init; no duplicate init requests are ever sent.
func (h *Host) Init(ctx context.Context) error {
	return h.ensureInit(ctx)
}

func (h *Host) ensureInit(ctx context.Context) error {
	for {
		h.mu.Lock()
		switch h.state {
		case stateDisposed:
			h.mu.Unlock()
			return ErrDisposed

		case stateReady:
			h.mu.Unlock()
			return nil

		case stateInitializing:
			done := h.initDone
			h.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Re-check: the shared attempt may have failed or the host may
			// have been reset; the loop settles it.

		case stateUninitialized:
			h.state = stateInitializing
			done := make(chan struct{})
			h.initDone = done
			h.mu.Unlock()

			err := h.initialize(ctx)

			h.mu.Lock()
			if h.state == stateInitializing {
				if err != nil {
					h.state = stateUninitialized
				} else {
					h.state = stateReady
				}
			} else if h.state == stateDisposed && err == nil {
				err = ErrDisposed
			}
			h.mu.Unlock()
			close(done)
			return err
		}
	}
}

// initialize creates the bridge, attaches the listener, arms the ping timer
// and performs the init round-trip listing all exposed function names.
func (h *Host) initialize(ctx context.Context) error {
	br, err := h.opts.Factory()
	if err != nil {
		return err
	}
	unlisten := br.Listen(h.handleMessage)

	h.mu.Lock()
	if h.state != stateInitializing {
		h.mu.Unlock()
		unlisten()
		br.Dispose() //nolint:errcheck
		return ErrDisposed
	}
	h.br = br
	h.unlisten = unlisten
	names := make([]string, 0, len(h.functions))
	for name := range h.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	h.mu.Unlock()

	h.startPing()

	msg := &protocol.Init{
		Header:    protocol.NewHeader(protocol.TypeInit, h.ids.Next()),
		Functions: names,
	}
	if _, err := h.request(ctx, msg, protocol.TypeReturn, h.opts.InitTimeout); err != nil {
		h.shutdown(stateUninitialized, ErrReset)
		return err
	}
	return nil
}

// Dispose permanently tears down the host. All pending requests settle
// rejected before observable effects complete; if any were outstanding,
// exactly one idle notification fires. Safe to call more than once.
func (h *Host) Dispose() error {
	h.shutdown(stateDisposed, ErrDisposed)
	return nil
}

// Reset tears down the current sandbox and all tracked state but allows
// lazy re-initialization on next use. Requests in flight settle with
// ErrReset, not ErrDisposed: their host is still alive.
func (h *Host) Reset() error {
	h.mu.Lock()
	if h.state == stateDisposed {
		h.mu.Unlock()
		return ErrDisposed
	}
	h.mu.Unlock()
	h.shutdown(stateUninitialized, ErrReset)
	return nil
}

// shutdown moves the host to the given terminal-or-fresh state, failing all
// pending requests with cause, clearing observers and scopes, and releasing
// the bridge.
func (h *Host) shutdown(next state, cause error) {
	h.mu.Lock()
	if h.state == stateDisposed {
		h.mu.Unlock()
		return
	}
	wasBusy := len(h.pending) > 0
	pending := h.pending
	h.pending = make(map[string]*pendingRequest)
	observers := h.observers
	h.observers = make(map[string]*writeObserver)
	scopes := h.scopes
	h.scopes = make(map[string]*activeScope)
	br := h.br
	h.br = nil
	unlisten := h.unlisten
	h.unlisten = nil
	pingStop := h.pingStop
	h.pingStop = nil
	h.state = next
	h.mu.Unlock()

	if pingStop != nil {
		close(pingStop)
	}
	if unlisten != nil {
		unlisten()
	}
	for _, o := range observers {
		if o.refresh != nil {
			o.refresh.Stop()
		}
	}
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.settle(outcome{err: cause})
	}
	for _, sc := range scopes {
		for _, hook := range sc.exitHooks {
			h.safeCall("script exit hook", hook)
		}
	}
	if wasBusy {
		h.notifyIdle(true)
	}
	if h.metrics != nil {
		h.metrics.PendingGauge.Set(0)
		h.metrics.ObserverGauge.Set(0)
	}
	if br != nil {
		if err := br.Dispose(); err != nil {
			h.log.Warn("bridge dispose failed", zap.Error(err))
		}
	}
}

// handleMessage is the single inbound entry point; the bridge invokes it
// once per message in delivery order.
func (h *Host) handleMessage(msg protocol.Message) {
	h.mu.Lock()
	h.lastMessage = time.Now()
	h.messageSeen = true
	disposed := h.state == stateDisposed
	h.mu.Unlock()
	if disposed {
		return
	}

	switch m := msg.(type) {
	case *protocol.Call:
		h.dispatchCall(m)
	case *protocol.Ping:
		h.post(&protocol.Pong{
			Header: protocol.NewResponseHeader(protocol.TypePong, h.ids.Next(), m.ID),
		})
	case *protocol.Yield:
		h.post(&protocol.Continue{
			Header: protocol.NewResponseHeader(protocol.TypeContinue, h.ids.Next(), m.ID),
		})
	case *protocol.Pong:
		// Liveness already updated above; unmatched pongs are expected
		// because pings are fire-and-forget.
	default:
		if msg.ResponseTo() != "" {
			h.handleResponse(msg)
		} else {
			h.log.Debug("ignoring message", zap.String("type", string(msg.Kind())))
		}
	}
}

// post sends a message without expecting a response.
func (h *Host) post(msg protocol.Message) {
	h.mu.Lock()
	br := h.br
	h.mu.Unlock()
	if br == nil {
		return
	}
	if err := br.Post(msg); err != nil {
		h.log.Warn("post failed",
			zap.String("type", string(msg.Kind())),
			zap.Error(err))
	}
}

// safeCall invokes a caller-supplied callback, reporting panics instead of
// letting them abort message processing for other subscribers.
func (h *Host) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("callback panicked",
				zap.String("callback", what),
				zap.Any("panic", r))
		}
	}()
	fn()
}
