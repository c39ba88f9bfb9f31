package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode serializes a message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	data, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind(), err)
	}
	return data, nil
}

// Decode parses a JSON wire message into its concrete shape. Unknown types
// decode as Generic so foreign sandboxes can extend the protocol without
// breaking older hosts.
func Decode(data []byte) (Message, error) {
	var h Header
	if err := sonic.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode message header: %w", err)
	}
	if h.ID == "" {
		return nil, fmt.Errorf("message has no messageId")
	}

	var m Message
	switch h.Type {
	case TypeInit:
		m = &Init{}
	case TypeEval:
		m = &Eval{}
	case TypeCall:
		m = &Call{}
	case TypeReturn:
		m = &Return{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeYield:
		m = &Yield{}
	case TypeContinue:
		m = &Continue{}
	case TypeError:
		m = &Error{}
	default:
		m = &Generic{}
	}

	if err := sonic.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", h.Type, err)
	}
	return m, nil
}
