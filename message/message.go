// Package message defines the IPC envelope exchanged between peers.
//
// Message is the "envelope" for every exchange. It gets serialized by the codec layer
// and wrapped in a length-prefixed frame for transmission over TCP.
//
//   - On request:  Kind and Attributes describe the operation, Outcome is empty.
//   - On response: ID and Kind mirror the request, Outcome carries the result.
package message

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrInvalid is returned by Validate for a message that must never be transmitted.
var ErrInvalid = errors.New("invalid message")

// Kind selects one of the six exchange types.
type Kind uint8

const (
	KindObjectActivation Kind = iota + 1 // Proxy handshake, carries the object path
	KindGetProperty                      // Read one property of an activated object
	KindSetProperty                      // Write one property of an activated object
	KindSubscribeSignal                  // Ask the session to forward a signal
	KindSignalDelivery                   // Unsolicited push of one signal emission
	KindInvoke                           // One-shot method call
)

func (k Kind) String() string {
	switch k {
	case KindObjectActivation:
		return "ObjectActivation"
	case KindGetProperty:
		return "GetProperty"
	case KindSetProperty:
		return "SetProperty"
	case KindSubscribeSignal:
		return "SubscribeSignal"
	case KindSignalDelivery:
		return "SignalDelivery"
	case KindInvoke:
		return "Invoke"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	return k >= KindObjectActivation && k <= KindInvoke
}

// Attribute keys used by the message kinds.
const (
	AttrObjectPath = "objectPath" // Activation, Invoke
	AttrProperty   = "property"   // GetProperty, SetProperty
	AttrValue      = "value"      // SetProperty
	AttrMethod     = "method"     // Invoke
	AttrArgs       = "args"       // Invoke, SignalDelivery
	AttrSignal     = "signal"     // SubscribeSignal, SignalDelivery
	AttrProperties = "properties" // Activation response
	AttrSignals    = "signals"    // Activation response
	AttrInvokables = "invokables" // Activation response
)

// Outcome is the result triple carried by a response.
type Outcome struct {
	Success bool
	Code    string // Application-level error code, empty unless supplied
	Message string // Human-readable failure text
	Value   any    // Property value or method return value
}

// Succeeded builds a successful outcome carrying value.
func Succeeded(value any) Outcome {
	return Outcome{Success: true, Value: value}
}

// Failed builds a failed outcome with a formatted message.
func Failed(format string, args ...any) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

// Message carries one request or response.
type Message struct {
	ID         uint64
	Kind       Kind
	IsResponse bool
	Attributes map[string]any
	Outcome    Outcome
}

var lastID atomic.Uint64

// NextID returns the next process-local request id. The first id is 1.
func NextID() uint64 {
	return lastID.Add(1)
}

// NewRequest builds a request with a fresh id.
func NewRequest(kind Kind, attrs map[string]any) *Message {
	return NewRequestWithID(NextID(), kind, attrs)
}

// NewRequestWithID builds a request with an id reserved earlier through NextID.
func NewRequestWithID(id uint64, kind Kind, attrs map[string]any) *Message {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &Message{
		ID:         id,
		Kind:       kind,
		Attributes: attrs,
	}
}

// NewResponse builds the response answering req.
func NewResponse(req *Message, outcome Outcome) *Message {
	return &Message{
		ID:         req.ID,
		Kind:       req.Kind,
		IsResponse: true,
		Attributes: map[string]any{},
		Outcome:    outcome,
	}
}

// Validate checks that m may be put on the wire.
func (m *Message) Validate() error {
	if m == nil {
		return errors.Wrap(ErrInvalid, "nil message")
	}
	if !m.Kind.Valid() {
		return errors.Wrapf(ErrInvalid, "unknown kind %d", uint8(m.Kind))
	}
	return nil
}

// String returns the attribute key as a string, or "" when absent or of another type.
func (m *Message) String(key string) string {
	s, _ := m.Attributes[key].(string)
	return s
}

// List returns the attribute key as a list, or nil when absent or of another type.
func (m *Message) List(key string) []any {
	l, _ := m.Attributes[key].([]any)
	return l
}

// Map returns the attribute key as a map, or nil when absent or of another type.
func (m *Message) Map(key string) map[string]any {
	mm, _ := m.Attributes[key].(map[string]any)
	return mm
}

// Strings returns the attribute key as a list of strings, skipping other element types.
func (m *Message) Strings(key string) []string {
	l := m.List(key)
	out := make([]string, 0, len(l))
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
