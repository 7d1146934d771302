// Package message defines the messages exchanged between an RPC client and an
// RPC listener, and classifies whatever arrives on the transport.
//
// Three shapes travel on the wire, all as plain maps so that any transport able
// to carry structured values can move them:
//
//	RPC        {id, topic, data}               correlated by id, runs through middleware
//	Lifecycle  {clientLifecycle|iframeLifecycle, data?}   fire-and-forget
//	Custom     {type, payload?}                fire-and-forget, listener side only
//
// The data of an RPC message is either a structured value or a raw binary
// blob (the legacy compressed format). That duality is resolved once, when the
// message is parsed, into a Payload.
package message

import (
	"fmt"
)

// Wire keys of an RPC message.
const (
	KeyID    = "id"
	KeyTopic = "topic"
	KeyData  = "data"

	KeyMethod = "method"
	KeyParams = "params"
	KeyResult = "result"
	KeyError  = "error"
)

// PayloadKind tells whether a payload is a structured value or raw bytes.
type PayloadKind byte

const (
	PayloadStructured PayloadKind = 0 // Any structured-clone compatible value
	PayloadRawBinary  PayloadKind = 1 // Binary blob, e.g. a hash-protected payload
)

func (k PayloadKind) String() string {
	if k == PayloadRawBinary {
		return "raw-binary"
	}
	return "structured"
}

// Payload is the data field of an RPC message.
//
//   - Kind == PayloadRawBinary:  Bytes holds the blob, Value is nil.
//   - Kind == PayloadStructured: Value holds the value, Bytes is nil.
type Payload struct {
	Kind  PayloadKind
	Bytes []byte
	Value any
}

// PayloadOf resolves a wire value into a Payload. A []byte is always raw binary.
func PayloadOf(v any) Payload {
	if b, ok := v.([]byte); ok {
		return Binary(b)
	}
	return Structured(v)
}

// Binary wraps raw bytes.
func Binary(b []byte) Payload {
	return Payload{Kind: PayloadRawBinary, Bytes: b}
}

// Structured wraps a structured value.
func Structured(v any) Payload {
	return Payload{Kind: PayloadStructured, Value: v}
}

// IsBinary reports whether the payload is a raw binary blob.
func (p Payload) IsBinary() bool {
	return p.Kind == PayloadRawBinary
}

// Wire returns the value to put on the transport.
func (p Payload) Wire() any {
	if p.IsBinary() {
		return p.Bytes
	}
	return p.Value
}

// Message is one RPC request or response.
//
//   - On request:  Data holds {method, params}, possibly compressed to binary.
//   - On response: Data holds {result} or {error}, or a bare binary result.
type Message struct {
	ID    string  // Unique per request/subscription, echoed on every response
	Topic string  // Method name, echoed verbatim on responses
	Data  Payload // Structured value or raw binary
}

// Wire returns the map form sent over the transport.
func (m *Message) Wire() map[string]any {
	return map[string]any{
		KeyID:    m.ID,
		KeyTopic: m.Topic,
		KeyData:  m.Data.Wire(),
	}
}

// ParseMessage builds a Message from a wire value that Classify reported as KindRPC.
func ParseMessage(data any) (*Message, error) {
	m, ok := asMap(data)
	if !ok {
		return nil, fmt.Errorf("message: rpc message must be an object, got %T", data)
	}
	id, ok := m[KeyID].(string)
	if !ok {
		return nil, fmt.Errorf("message: rpc message id must be a string, got %T", m[KeyID])
	}
	topic, ok := m[KeyTopic].(string)
	if !ok {
		return nil, fmt.Errorf("message: rpc message topic must be a string, got %T", m[KeyTopic])
	}
	return &Message{
		ID:    id,
		Topic: topic,
		Data:  PayloadOf(m[KeyData]),
	}, nil
}

// Request is the structured data of an outgoing RPC request.
type Request struct {
	Method string
	Params any
}

// Wire returns the {method, params} map.
func (r Request) Wire() map[string]any {
	return map[string]any{
		KeyMethod: r.Method,
		KeyParams: r.Params,
	}
}

// RequestParams extracts the handler params from a request payload.
// A structured {method, params} object yields its params; any other value
// (e.g. params already unwrapped by a decompression step) is returned as is.
func RequestParams(p Payload) any {
	if p.IsBinary() {
		return p.Bytes
	}
	if m, ok := asMap(p.Value); ok {
		_, hasMethod := m[KeyMethod]
		params, hasParams := m[KeyParams]
		if hasMethod && hasParams {
			return params
		}
	}
	return p.Value
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}
