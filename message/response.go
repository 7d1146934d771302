package message

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Standard protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Application error codes, adjacent to the protocol band.
const (
	CodeClientNotConnected                  = -32001
	CodeConfigError                         = -32002
	CodeCorruptedResponse                   = -32003
	CodeClientAborted                       = -32004
	CodeWalletNotConnected                  = -32005
	CodeServerErrorForInteractionDelegation = -32006
	CodeUserRejected                        = -32007
)

// RpcError is the error object carried by an error response.
type RpcError struct {
	Code    int    `mapstructure:"code"`
	Message string `mapstructure:"message"`
	Data    any    `mapstructure:"data"`
}

// NewError returns an RpcError with the given code and message.
func NewError(code int, message string) *RpcError {
	return &RpcError{Code: code, Message: message}
}

// Errorf returns an RpcError with a formatted message.
func Errorf(code int, format string, args ...any) *RpcError {
	return &RpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Wire returns the {code, message, data?} map.
func (e *RpcError) Wire() map[string]any {
	w := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Data != nil {
		w["data"] = e.Data
	}
	return w
}

// ToRpcError converts any error into an RpcError. An RpcError anywhere in the
// chain keeps its own code, message and data; anything else becomes an
// internal error wrapping the error text.
func ToRpcError(err error) *RpcError {
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeInternalError, err.Error())
}

// Response is the outcome of one RPC call, or one chunk of a stream.
// Exactly one arm is set: Error != nil selects the error arm, otherwise Result
// is the value (which may legitimately be nil).
type Response struct {
	Result any
	Error  *RpcError
}

// Success returns a result response.
func Success(result any) *Response {
	return &Response{Result: result}
}

// Failure returns an error response.
func Failure(err *RpcError) *Response {
	return &Response{Error: err}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// HasBinaryResult reports whether the result is a raw binary blob.
func (r *Response) HasBinaryResult() bool {
	if r.IsError() {
		return false
	}
	return PayloadOf(r.Result).IsBinary()
}

// Payload returns the wire data of the response message. A raw binary result
// travels bare, the legacy compressed format; everything else is wrapped as
// {result} or {error}.
func (r *Response) Payload() Payload {
	if r.IsError() {
		return Structured(map[string]any{KeyError: r.Error.Wire()})
	}
	if r.HasBinaryResult() {
		return Binary(r.Result.([]byte))
	}
	return Structured(map[string]any{KeyResult: r.Result})
}

// ParseResponse reads the data of an inbound response message.
// A bare binary payload is the legacy format and is normalised to {result: bytes}.
func ParseResponse(p Payload) (*Response, error) {
	if p.IsBinary() {
		return Success(p.Bytes), nil
	}
	m, ok := asMap(p.Value)
	if !ok {
		return nil, fmt.Errorf("message: response data must be an object or binary, got %T", p.Value)
	}
	if raw, ok := m[KeyError]; ok && raw != nil {
		rpcErr, err := decodeRpcError(raw)
		if err != nil {
			return nil, err
		}
		return Failure(rpcErr), nil
	}
	if result, ok := m[KeyResult]; ok {
		return Success(result), nil
	}
	return nil, errors.New("message: response data has neither result nor error")
}

func decodeRpcError(raw any) (*RpcError, error) {
	if rpcErr, ok := raw.(*RpcError); ok {
		return rpcErr, nil
	}
	rpcErr := &RpcError{}
	if err := Decode(raw, rpcErr); err != nil {
		return nil, fmt.Errorf("message: malformed error object: %w", err)
	}
	return rpcErr, nil
}

// Decode converts a structured wire value into out (a pointer), tolerating the
// numeric widening that happens across transports (int vs int64 vs float64).
func Decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
