package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// scopeFactory builds the tracked scope object scripts resolve free
// identifiers against. Identifiers shadowed by runtime globals (builtins,
// var declarations, host functions) resolve normally; everything else is a
// shared variable whose reads and writes go through the Go traps.
const scopeFactory = `(function(get, set) {
	return new Proxy({}, {
		has: function(t, k) { return typeof k !== "symbol" && !(k in globalThis); },
		get: function(t, k) { if (typeof k === "symbol") { return undefined; } return get(String(k)); },
		set: function(t, k, v) { if (typeof k === "symbol") { return true; } set(String(k), v); return true; }
	});
})`

// store holds one instance's variables and the runtime that evaluates
// against them. Evaluations against the same store are serialized; the
// current evaluation record is only touched by the goroutine holding evalMu.
type store struct {
	sb *Sandbox
	vm *goja.Runtime

	versions  map[string]uint64
	values    map[string]goja.Value
	installed map[string]bool

	evalMu  sync.Mutex
	current *evalRecord
}

// evalRecord accumulates the read/write versions of one evaluation.
type evalRecord struct {
	evalID     string
	idempotent bool
	bindings   map[string]goja.Value
	reads      map[string]uint64
	writes     map[string]uint64
	refresh    *int64
}

func newStore(sb *Sandbox) (*store, error) {
	st := &store{
		sb:        sb,
		vm:        goja.New(),
		versions:  make(map[string]uint64),
		values:    make(map[string]goja.Value),
		installed: make(map[string]bool),
	}
	if err := st.setupGlobals(); err != nil {
		return nil, err
	}
	return st, nil
}

// setupGlobals scrubs dangerous globals and installs the tracked scope and
// the refresh builtin.
func (st *store) setupGlobals() error {
	vm := st.vm

	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())
	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
	vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})

	// refresh(ms) lets a script bound its own staleness when it depends on
	// something no variable version can express.
	vm.Set("refresh", func(ms int64) {
		if rec := st.current; rec != nil && ms > 0 {
			if rec.refresh == nil || *rec.refresh > ms {
				rec.refresh = protocol.Int64(ms)
			}
		}
	})

	factory, err := vm.RunString(scopeFactory)
	if err != nil {
		return fmt.Errorf("install scope factory: %w", err)
	}
	build, ok := goja.AssertFunction(factory)
	if !ok {
		return fmt.Errorf("scope factory is not callable")
	}
	scope, err := build(goja.Undefined(), vm.ToValue(st.getVar), vm.ToValue(st.setVar))
	if err != nil {
		return fmt.Errorf("build scope: %w", err)
	}
	vm.Set("__scope__", scope)
	return nil
}

// getVar resolves a free identifier. Request bindings shadow the store until
// the script overwrites them; store reads record the version read at, once
// per variable.
func (st *store) getVar(name string) goja.Value {
	rec := st.current
	if rec == nil {
		return goja.Undefined()
	}
	if _, wrote := rec.writes[name]; !wrote {
		if v, ok := rec.bindings[name]; ok {
			return v
		}
		if _, seen := rec.reads[name]; !seen {
			rec.reads[name] = st.versions[name]
		}
	}
	if v, ok := st.values[name]; ok {
		return v
	}
	return goja.Undefined()
}

// setVar writes a variable, bumping its version.
func (st *store) setVar(name string, value goja.Value) {
	st.versions[name]++
	st.values[name] = value
	if rec := st.current; rec != nil {
		rec.writes[name] = st.versions[name]
	}
}

// syncFunctions installs host function globals that are not yet present.
// Called at the start of every evaluation, so functions exposed after init
// become callable without a new init round-trip.
func (st *store) syncFunctions(names []string) {
	for _, name := range names {
		if st.installed[name] {
			continue
		}
		fn := name
		st.vm.Set(fn, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			rec := st.current
			if rec == nil {
				panic(st.vm.ToValue("host function called outside an evaluation"))
			}
			result, err := st.sb.callHost(fn, args, rec)
			if err != nil {
				panic(st.vm.ToValue(err.Error()))
			}
			return st.vm.ToValue(result)
		})
		st.installed[name] = true
	}
}

// run executes one eval request and builds its response message.
func (st *store) run(req *protocol.Eval, functions []string, execTimeout time.Duration) (*protocol.Return, error) {
	st.evalMu.Lock()
	defer st.evalMu.Unlock()

	st.syncFunctions(functions)

	rec := &evalRecord{
		evalID:     req.ID,
		idempotent: req.Idempotent,
		reads:      make(map[string]uint64),
		writes:     make(map[string]uint64),
	}
	if len(req.Bindings) > 0 {
		rec.bindings = make(map[string]goja.Value, len(req.Bindings))
		for name, v := range req.Bindings {
			rec.bindings[name] = st.vm.ToValue(v)
		}
	}
	st.current = rec
	defer func() { st.current = nil }()

	if execTimeout > 0 {
		timer := time.AfterFunc(execTimeout, func() {
			st.vm.Interrupt("execution timeout exceeded")
		})
		defer func() {
			timer.Stop()
			st.vm.ClearInterrupt()
		}()
	}

	val, err := st.vm.RunString("with (__scope__) {\n" + req.Script + "\n}")
	if err != nil {
		return nil, scriptError(err)
	}

	resp := &protocol.Return{
		Header: protocol.NewResponseHeader(protocol.TypeReturn, st.sb.ids.Next(), req.ID),
		Result: exportValue(val),
	}
	if req.Track {
		resp.Vars = rec.varAccess()
		resp.Refresh = rec.refresh
	}
	return resp, nil
}

// varAccess flattens the record into the wire shape.
func (rec *evalRecord) varAccess() map[string]protocol.VarAccess {
	if len(rec.reads) == 0 && len(rec.writes) == 0 {
		return nil
	}
	vars := make(map[string]protocol.VarAccess, len(rec.reads)+len(rec.writes))
	for name, v := range rec.reads {
		access := vars[name]
		access.Read = protocol.Uint64(v)
		vars[name] = access
	}
	for name, v := range rec.writes {
		access := vars[name]
		access.Write = protocol.Uint64(v)
		vars[name] = access
	}
	return vars
}

// scriptError extracts the thrown value's text so the host surfaces what the
// script actually threw, not a Go-flavored wrapper.
func scriptError(err error) error {
	if ex, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("%s", ex.Value().String())
	}
	return err
}

// exportValue converts a goja value to a plain Go value.
func exportValue(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
