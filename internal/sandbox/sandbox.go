// Package sandbox implements the script-executing side of the bridge
// protocol on top of a goja JavaScript runtime.
//
// The sandbox owns all script state: per-instance variable stores with
// monotonic per-variable write versions, and the runtime the scripts execute
// in. Hosts talk to it exclusively through protocol messages; scripts talk
// back to the host through call messages proxied by this package.
package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/id"
	"github.com/GriffinCanCode/ScriptBridge/internal/logging"
	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// Options configures a sandbox.
type Options struct {
	Logger *logging.Logger
	// ExecTimeout interrupts a single script execution that runs longer.
	// Zero disables the interrupt.
	ExecTimeout time.Duration
}

// Sandbox executes eval requests and answers protocol traffic.
type Sandbox struct {
	log         *logging.Logger
	ids         *id.Generator
	execTimeout time.Duration

	mu        sync.Mutex
	post      func(protocol.Message) error
	stores    map[string]*store
	functions []string
	pending   map[string]chan protocol.Message
	done      chan struct{}
	disposed  bool
}

// New creates a detached sandbox. Call Attach to connect it to a bridge.
func New(opts Options) *Sandbox {
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Sandbox{
		log:         log,
		ids:         id.New("sbx"),
		execTimeout: opts.ExecTimeout,
		stores:      make(map[string]*store),
		pending:     make(map[string]chan protocol.Message),
		done:        make(chan struct{}),
	}
}

// Attach wires the sandbox to one endpoint of a bridge and starts handling
// inbound messages. The returned function detaches the listener.
func (s *Sandbox) Attach(b bridge.Bridge) func() {
	s.mu.Lock()
	s.post = b.Post
	s.mu.Unlock()
	return b.Listen(s.Handle)
}

// Handle processes one inbound message. Eval requests execute on their own
// goroutine so the sandbox keeps answering pings and call replies while a
// script runs.
func (s *Sandbox) Handle(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Init:
		s.mu.Lock()
		s.functions = append([]string(nil), m.Functions...)
		s.mu.Unlock()
		s.reply(&protocol.Return{
			Header: protocol.NewResponseHeader(protocol.TypeReturn, s.ids.Next(), m.ID),
		})
	case *protocol.Eval:
		go s.evaluate(m)
	case *protocol.Ping:
		s.reply(&protocol.Pong{
			Header: protocol.NewResponseHeader(protocol.TypePong, s.ids.Next(), m.ID),
		})
	case *protocol.Return:
		s.deliver(m.ResponseTo(), m)
	case *protocol.Error:
		s.deliver(m.ResponseTo(), m)
	case *protocol.Continue:
		s.deliver(m.ResponseTo(), m)
	default:
		s.log.Debug("sandbox ignoring message", zap.String("type", string(msg.Kind())))
	}
}

// Dispose releases the sandbox. Safe to call more than once.
func (s *Sandbox) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	close(s.done)
	s.stores = make(map[string]*store)
	return nil
}

func (s *Sandbox) evaluate(req *protocol.Eval) {
	st, err := s.store(req.InstanceID)
	if err != nil {
		s.replyError(req.ID, err.Error())
		return
	}

	s.mu.Lock()
	names := append([]string(nil), s.functions...)
	s.mu.Unlock()

	resp, err := st.run(req, names, s.execTimeout)
	if err != nil {
		s.replyError(req.ID, err.Error())
		return
	}
	s.reply(resp)
}

// store returns the variable store for an instance id, creating it lazily.
// The empty id selects the default store.
func (s *Sandbox) store(instanceID string) (*store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, errors.New("sandbox is disposed")
	}
	st, ok := s.stores[instanceID]
	if !ok {
		var err error
		st, err = newStore(s)
		if err != nil {
			return nil, err
		}
		s.stores[instanceID] = st
	}
	return st, nil
}

// callHost forwards a script's function invocation to the host and blocks
// the calling script until the host answers.
func (s *Sandbox) callHost(fn string, args []any, rec *evalRecord) (any, error) {
	s.mu.Lock()
	post := s.post
	if post == nil || s.disposed {
		s.mu.Unlock()
		return nil, errors.New("sandbox is not attached to a bridge")
	}
	call := &protocol.Call{
		Header:        protocol.NewHeader(protocol.TypeCall, s.ids.Next()),
		Function:      fn,
		Args:          args,
		Idempotent:    rec.idempotent,
		CorrelationID: rec.evalID,
	}
	ch := make(chan protocol.Message, 1)
	s.pending[call.ID] = ch
	s.mu.Unlock()

	if err := post(call); err != nil {
		s.dropPending(call.ID)
		return nil, err
	}

	select {
	case reply := <-ch:
		switch r := reply.(type) {
		case *protocol.Return:
			return r.Result, nil
		case *protocol.Error:
			return nil, errors.New(r.Text)
		default:
			return nil, fmt.Errorf("unexpected %s reply to call", reply.Kind())
		}
	case <-s.done:
		return nil, errors.New("sandbox is disposed")
	}
}

func (s *Sandbox) deliver(inResponseTo string, msg protocol.Message) {
	if inResponseTo == "" {
		return
	}
	s.mu.Lock()
	ch := s.pending[inResponseTo]
	delete(s.pending, inResponseTo)
	s.mu.Unlock()
	if ch != nil {
		ch <- msg
	} else {
		s.log.Debug("sandbox received unmatched response",
			zap.String("in_response_to", inResponseTo))
	}
}

func (s *Sandbox) dropPending(msgID string) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
}

func (s *Sandbox) reply(msg protocol.Message) {
	s.mu.Lock()
	post := s.post
	s.mu.Unlock()
	if post == nil {
		return
	}
	if err := post(msg); err != nil {
		s.log.Warn("sandbox reply failed",
			zap.String("type", string(msg.Kind())),
			zap.Error(err))
	}
}

func (s *Sandbox) replyError(inResponseTo, text string) {
	s.reply(&protocol.Error{
		Header: protocol.NewResponseHeader(protocol.TypeError, s.ids.Next(), inResponseTo),
		Text:   text,
	})
}
