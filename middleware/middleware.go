// Package middleware implements the ordered step pipeline that both the RPC
// client and the RPC listener run messages through.
//
// Unlike an onion, both directions fold over the steps in the declared order:
//
//	Chain{A, B, C}
//	RunRequest:  A.OnRequest  → B.OnRequest  → C.OnRequest
//	RunResponse: A.OnResponse → B.OnResponse → C.OnResponse
//
// Each step finishes before the next one starts and the first error aborts the
// rest of the chain.
package middleware

import (
	"context"

	"frak-rpc/message"
	"frak-rpc/transport"
)

// Context is the request context accumulated by the steps. It is immutable:
// With returns an extended copy, and nothing can remove a key, so values added
// by earlier steps always survive later ones.
type Context struct {
	Origin string           // Normalised origin of the peer
	Source transport.Poster // Where replies go, nil on the client side
	values map[string]any
}

// NewContext returns the base context for one message.
func NewContext(origin string, source transport.Poster) *Context {
	return &Context{Origin: origin, Source: source}
}

// With returns a copy of c carrying key=value in addition to its own values.
func (c *Context) With(key string, value any) *Context {
	values := make(map[string]any, len(c.values)+1)
	for k, v := range c.values {
		values[k] = v
	}
	values[key] = value
	return &Context{Origin: c.Origin, Source: c.Source, values: values}
}

// Value returns the value stored under key.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Step is one middleware. OnRequest may mutate msg in place and returns the
// context for the following steps (nil keeps the current one). OnResponse may
// mutate resp or return a replacement (nil keeps the current one).
type Step interface {
	OnRequest(ctx context.Context, msg *message.Message, mc *Context) (*Context, error)
	OnResponse(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error)
}

type (
	RequestFunc  func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error)
	ResponseFunc func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error)
)

// StepFuncs builds a Step from functions; either may be nil.
type StepFuncs struct {
	Request  RequestFunc
	Response ResponseFunc
}

func (s StepFuncs) OnRequest(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
	if s.Request == nil {
		return mc, nil
	}
	return s.Request(ctx, msg, mc)
}

func (s StepFuncs) OnResponse(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
	if s.Response == nil {
		return resp, nil
	}
	return s.Response(ctx, msg, resp, mc)
}

// Chain is an ordered list of steps.
type Chain []Step

// RunRequest runs every OnRequest in order and returns the final context.
func (c Chain) RunRequest(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
	for _, step := range c {
		next, err := step.OnRequest(ctx, msg, mc)
		if err != nil {
			return mc, err
		}
		if next != nil {
			mc = next
		}
	}
	return mc, nil
}

// RunResponse runs every OnResponse in order and returns the final response.
func (c Chain) RunResponse(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
	for _, step := range c {
		next, err := step.OnResponse(ctx, msg, resp, mc)
		if err != nil {
			return resp, err
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}
