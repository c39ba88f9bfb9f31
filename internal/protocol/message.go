// Package protocol defines the messages exchanged between a script host and
// a sandbox over a bridge. Every message carries a unique messageId; response
// messages additionally carry inResponseTo naming the request they answer.
package protocol

// Type discriminates message shapes on the wire.
type Type string

const (
	TypeInit     Type = "init"
	TypeEval     Type = "eval"
	TypeCall     Type = "call"
	TypeReturn   Type = "return"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
	TypeYield    Type = "yield"
	TypeContinue Type = "continue"
	TypeError    Type = "error"
	TypeGeneric  Type = "generic"
)

// Message is implemented by every wire message.
type Message interface {
	Kind() Type
	MessageID() string
	ResponseTo() string
}

// Header carries the fields common to all messages.
type Header struct {
	Type         Type   `json:"type"`
	ID           string `json:"messageId"`
	InResponseTo string `json:"inResponseTo,omitempty"`
}

func (h *Header) Kind() Type         { return h.Type }
func (h *Header) MessageID() string  { return h.ID }
func (h *Header) ResponseTo() string { return h.InResponseTo }

// NewHeader builds a request header.
func NewHeader(t Type, id string) Header {
	return Header{Type: t, ID: id}
}

// NewResponseHeader builds a response header answering the given request.
func NewResponseHeader(t Type, id, inResponseTo string) Header {
	return Header{Type: t, ID: id, InResponseTo: inResponseTo}
}

// Init announces the host to the sandbox and lists the names of all host
// functions scripts may call. Answered with a Return.
type Init struct {
	Header
	Functions []string `json:"functions,omitempty"`
}

// Eval asks the sandbox to evaluate a script.
//
// Track must be true if the caller wants an invalidation notice or the
// evaluation is non-idempotent: a concurrent observer may later depend on
// variables this evaluation writes.
type Eval struct {
	Header
	Script     string         `json:"script"`
	Idempotent bool           `json:"idempotent,omitempty"`
	InstanceID string         `json:"instanceId,omitempty"`
	Bindings   map[string]any `json:"vars,omitempty"`
	Track      bool           `json:"track,omitempty"`
}

// Call is sent by the sandbox when a script invokes a host function.
// CorrelationID names the evaluation the call belongs to.
type Call struct {
	Header
	Function      string `json:"function"`
	Args          []any  `json:"args,omitempty"`
	Idempotent    bool   `json:"idempotent,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// VarAccess reports the logical versions at which an evaluation read and/or
// wrote one variable. Versions are per-variable write counters maintained by
// the sandbox, not wall-clock time.
type VarAccess struct {
	Read  *uint64 `json:"read,omitempty"`
	Write *uint64 `json:"write,omitempty"`
}

// Return answers Init, Eval and Call requests. For tracked evaluations, Vars
// reports read/write versions per variable and Refresh optionally bounds the
// result's staleness in milliseconds.
type Return struct {
	Header
	Result  any                  `json:"result,omitempty"`
	Vars    map[string]VarAccess `json:"vars,omitempty"`
	Refresh *int64               `json:"refresh,omitempty"`
}

// Error answers any request that failed. Text is surfaced verbatim.
type Error struct {
	Header
	Text string `json:"message"`
}

// Ping probes liveness; answered with a Pong.
type Ping struct {
	Header
}

// Pong answers a Ping.
type Pong struct {
	Header
}

// Yield is sent by the sandbox during a long-running evaluation to keep the
// channel alive; answered with a Continue.
type Yield struct {
	Header
	CorrelationID string `json:"correlationId,omitempty"`
}

// Continue answers a Yield.
type Continue struct {
	Header
}

// Generic carries messages with no dedicated shape.
type Generic struct {
	Header
	Data map[string]any `json:"data,omitempty"`
}

// Uint64 returns a pointer to v. Convenience for building VarAccess values.
func Uint64(v uint64) *uint64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
