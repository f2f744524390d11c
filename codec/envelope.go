// Package codec implements the self-describing wire envelope that carries
// method calls, results, events, and errors between a ClientNode and the
// server, preserving rich types (timestamps, regular expressions, binary
// data, non-finite numbers, and custom registered types) across a
// JSON-compatible transport.
package codec

import (
	"github.com/google/uuid"
)

// EnvelopeType discriminates the five wire shapes pulsekit recognizes.
type EnvelopeType string

const (
	TypeMethod EnvelopeType = "method"
	TypeResult EnvelopeType = "result"
	TypeEvent  EnvelopeType = "event"
	TypeError  EnvelopeType = "error"
	TypeSetup  EnvelopeType = "setup"
)

// FieldError is one entry in a schema-validation error reply.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Envelope is the single record type framing every message pulsekit sends
// or receives. Not every field applies to every Type; see spec.md §6 for
// the per-type field sets. Params/Result carry arbitrary application
// values and are encoded/decoded through the tagging rules in tags.go.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// UUID correlates a method call with its result or error reply.
	// Present on method/result/error. Event envelopes built by NewEvent
	// also carry one, as an informational id only (events use
	// Channel/Event to route, not correlate).
	UUID string `json:"uuid,omitempty"`

	// Method call fields.
	Method string `json:"method,omitempty"`
	Params any    `json:"params,omitempty"`
	Void   bool   `json:"void,omitempty"`

	// Result fields.
	Result any `json:"result,omitempty"`

	// Event fields.
	Event   string `json:"event,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Error fields.
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Stack   string       `json:"stack,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// NewMethodCall builds a method-call envelope with a fresh correlation id.
func NewMethodCall(method string, params any, void bool) *Envelope {
	return &Envelope{
		Type:   TypeMethod,
		UUID:   uuid.NewString(),
		Method: method,
		Params: params,
		Void:   void,
	}
}

// NewResult builds a result envelope correlating to uuid.
func NewResult(uuid_, method string, result any) *Envelope {
	return &Envelope{
		Type:   TypeResult,
		UUID:   uuid_,
		Method: method,
		Result: result,
	}
}

// NewEvent builds an event envelope. Event envelopes are not correlated to
// a specific call, so UUID is a fresh informational id rather than a reply
// correlation id.
func NewEvent(event, channel string, params any) *Envelope {
	return &Envelope{
		Type:    TypeEvent,
		UUID:    uuid.NewString(),
		Event:   event,
		Channel: channel,
		Params:  params,
	}
}

// NewError builds an error envelope. uuid may be empty (e.g. a parse error
// on an envelope that couldn't even be decoded far enough to find its id).
func NewError(uuid_, code, message string) *Envelope {
	return &Envelope{
		Type:    TypeError,
		UUID:    uuid_,
		Code:    code,
		Message: message,
	}
}

// NewSetup builds a setup envelope used by a duplex client to (re)assign
// its ClientNode identity.
func NewSetup(clientID string) *Envelope {
	return &Envelope{
		Type: TypeSetup,
		UUID: clientID,
	}
}
