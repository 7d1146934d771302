// Package client implements the calling side of the RPC layer.
//
// One-shot requests and subscriptions share a single multiplexer: every call
// gets a unique id, and the response listener routes each inbound message to
// the channel registered under that id.
//
//	goroutine-1 ──Request(id=a)──┐
//	goroutine-2 ──Listen(id=b)───┼──→ transport ──→ listener
//	goroutine-3 ──Request(id=c)──┘
//
//	HandleMessage: ←── {id:b, result} → channels[b] → callback, channel kept
//	               ←── {id:a, result} → channels[a] → Request returns, channel removed
package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"frak-rpc/message"
	"frak-rpc/middleware"
	"frak-rpc/transport"
)

// LifecycleHandler receives one lifecycle event. Errors are only logged.
type LifecycleHandler func(ctx context.Context, event string, data any) error

// LifecycleHandlers receives lifecycle events, by direction.
type LifecycleHandlers struct {
	Client LifecycleHandler // {clientLifecycle} messages
	Iframe LifecycleHandler // {iframeLifecycle} messages
}

type Option func(*Client)

// WithLogger sets the logger, zap.NewNop() by default.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMiddleware appends steps to the middleware chain.
func WithMiddleware(steps ...middleware.Step) Option {
	return func(c *Client) {
		c.chain = append(c.chain, steps...)
	}
}

func WithLifecycleHandlers(h LifecycleHandlers) Option {
	return func(c *Client) {
		c.lifecycle = h
	}
}

// WithListeningTransport receives responses on t instead of the emitting
// transport.
func WithListeningTransport(t transport.Transport) Option {
	return func(c *Client) {
		c.listening = t
	}
}

// Client sends requests to a single target origin.
type Client struct {
	emitting     transport.Transport
	listening    transport.Transport
	targetOrigin string // As configured, used as the postMessage target
	target       string // Normalised, compared against inbound origins
	chain        middleware.Chain
	lifecycle    LifecycleHandlers
	channels     *channels
	logger       *zap.Logger

	ctx    context.Context // Cancelled by Cleanup
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates a client posting to targetOrigin over t and starts listening
// for responses.
func New(t transport.Transport, targetOrigin string, opts ...Option) (*Client, error) {
	target, err := message.NormalizeOrigin(targetOrigin)
	if err != nil {
		return nil, message.Errorf(message.CodeConfigError, "invalid target origin %q: %v", targetOrigin, err)
	}
	c := &Client{
		emitting:     t,
		listening:    t,
		targetOrigin: targetOrigin,
		target:       target,
		channels:     newChannels(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.listening.AddEventListener(c)
	return c, nil
}

// Request calls method and waits for its response. An error response is
// returned as a *message.RpcError.
//
// If ctx ends first the call is abandoned and ctx.Err() returned; a late
// response is then ignored. Cleanup aborts pending calls with a
// CodeClientAborted error.
func (c *Client) Request(ctx context.Context, method string, params any) (any, error) {
	if c.closed.Load() {
		return nil, message.NewError(message.CodeClientNotConnected, "client is cleaned up")
	}

	id := xid.New().String()
	done := make(chan *message.Response, 1) // A one-shot channel delivers at most once
	c.channels.add(id, &channel{
		deliver: func(resp *message.Response) { done <- resp },
	})
	if !c.stillOpen(id) {
		return nil, message.NewError(message.CodeClientNotConnected, "client is cleaned up")
	}

	if err := c.send(ctx, id, method, params); err != nil {
		c.channels.remove(id)
		return nil, err
	}

	select {
	case resp := <-done:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.channels.remove(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.channels.remove(id)
		return nil, message.NewError(message.CodeClientAborted, "client cleaned up while waiting for a response")
	}
}

// Listen subscribes to method. callback runs for every result, on the
// transport's delivery goroutine. An error response is logged and ends the
// subscription. ctx only bounds the send.
func (c *Client) Listen(ctx context.Context, method string, params any, callback func(result any)) (unsubscribe func(), err error) {
	if c.closed.Load() {
		return nil, message.NewError(message.CodeClientNotConnected, "client is cleaned up")
	}

	id := xid.New().String()
	c.channels.add(id, &channel{
		persistent: true,
		deliver: func(resp *message.Response) {
			if resp.IsError() {
				c.logger.Error("subscription ended by error response",
					zap.String("id", id),
					zap.String("topic", method),
					zap.Int("code", resp.Error.Code),
					zap.String("error", resp.Error.Message))
				return
			}
			c.safeCallback(id, method, func() { callback(resp.Result) })
		},
	})
	if !c.stillOpen(id) {
		return nil, message.NewError(message.CodeClientNotConnected, "client is cleaned up")
	}

	if err := c.send(ctx, id, method, params); err != nil {
		c.channels.remove(id)
		return nil, err
	}
	return func() { c.channels.remove(id) }, nil
}

// SendLifecycle posts a lifecycle event. It bypasses the middleware and is
// never answered.
func (c *Client) SendLifecycle(event message.Lifecycle) error {
	return c.emitting.PostMessage(event.Wire(), c.targetOrigin)
}

// SendCustom posts a custom {type, payload} message to the listener side.
func (c *Client) SendCustom(msg message.Custom) error {
	return c.emitting.PostMessage(msg.Wire(), c.targetOrigin)
}

// Cleanup stops listening and drops every channel. Safe to call more than
// once.
func (c *Client) Cleanup() {
	if c.closed.Swap(true) {
		return
	}
	c.listening.RemoveEventListener(c)
	c.channels.clear()
	c.cancel()
}

// stillOpen drops channel id again if Cleanup ran while it was being added.
// Cleanup flags closed before clearing, so either the clear or this check
// sees the channel.
func (c *Client) stillOpen(id string) bool {
	if c.closed.Load() {
		c.channels.remove(id)
		return false
	}
	return true
}

// Pending returns the number of open channels.
func (c *Client) Pending() int {
	return c.channels.len()
}

func (c *Client) send(ctx context.Context, id, method string, params any) error {
	msg := &message.Message{
		ID:    id,
		Topic: method,
		Data:  message.Structured(message.Request{Method: method, Params: params}.Wire()),
	}
	if _, err := c.chain.RunRequest(ctx, msg, middleware.NewContext(c.target, nil)); err != nil {
		return err
	}
	if err := c.emitting.PostMessage(msg.Wire(), c.targetOrigin); err != nil {
		return fmt.Errorf("post %s: %w", method, err)
	}
	return nil
}

// HandleMessage implements transport.EventListener.
func (c *Client) HandleMessage(ev *transport.MessageEvent) {
	if !message.SameOrigin(ev.Origin, c.target) {
		c.logger.Debug("ignoring message from unexpected origin",
			zap.String("origin", ev.Origin), zap.String("expected", c.target))
		return
	}

	switch message.Classify(ev.Data) {
	case message.KindLifecycle:
		c.handleLifecycle(ev)
	case message.KindRPC:
		c.handleResponse(ev)
	}
}

func (c *Client) handleResponse(ev *transport.MessageEvent) {
	msg, err := message.ParseMessage(ev.Data)
	if err != nil {
		c.logger.Warn("dropping malformed response", zap.Error(err))
		return
	}
	// A bare binary payload becomes {result: bytes} here
	resp, err := message.ParseResponse(msg.Data)
	if err != nil {
		c.logger.Warn("dropping malformed response",
			zap.String("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))
		return
	}

	mc := middleware.NewContext(c.target, ev.Source)
	resp, err = c.chain.RunResponse(c.ctx, msg, resp, mc)
	if err != nil {
		c.logger.Warn("response middleware failed",
			zap.String("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))
		resp = message.Failure(message.Errorf(message.CodeInternalError, "response middleware failed: %v", err))
	}

	ch, ok := c.channels.settle(msg.ID, resp.IsError())
	if !ok {
		return
	}
	ch.deliver(resp)
}

func (c *Client) handleLifecycle(ev *transport.MessageEvent) {
	lc, err := message.ParseLifecycle(ev.Data)
	if err != nil {
		c.logger.Warn("dropping malformed lifecycle message", zap.Error(err))
		return
	}
	fn := c.lifecycle.Iframe
	if lc.IsClient() {
		fn = c.lifecycle.Client
	}
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("lifecycle handler panicked", zap.String("event", lc.Event()), zap.Any("panic", r))
		}
	}()
	if err := fn(c.ctx, lc.Event(), lc.Data); err != nil {
		c.logger.Error("lifecycle handler failed", zap.String("event", lc.Event()), zap.Error(err))
	}
}

func (c *Client) safeCallback(id, topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscription callback panicked",
				zap.String("id", id), zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	fn()
}
