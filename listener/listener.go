// Package listener implements the answering side of the RPC layer: it accepts
// messages from allowed origins, routes them to registered handlers and
// replies through the event source.
//
// Request processing pipeline:
//
//	HandleMessage → origin check → classify
//	  lifecycle → lifecycle handler            (no middleware)
//	  custom    → custom handler               (no middleware)
//	  rpc       → go handleRPC:
//	                OnRequest chain → promise handler → OnResponse chain → reply
//	                                → stream handler  → OnResponse per chunk → reply
//	                                → none            → method not found
package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"frak-rpc/message"
	"frak-rpc/middleware"
	"frak-rpc/registry"
	"frak-rpc/transport"
)

// LifecycleHandlers receives lifecycle events, by direction.
type LifecycleHandlers struct {
	Client LifecycleHandler // {clientLifecycle} messages
	Iframe LifecycleHandler // {iframeLifecycle} messages
}

type Option func(*Listener)

// WithLogger sets the logger, zap.NewNop() by default.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithMiddleware appends steps to the middleware chain.
func WithMiddleware(steps ...middleware.Step) Option {
	return func(l *Listener) {
		l.chain = append(l.chain, steps...)
	}
}

func WithLifecycleHandlers(h LifecycleHandlers) Option {
	return func(l *Listener) {
		l.lifecycle = h
	}
}

func WithCustomHandler(fn CustomHandler) Option {
	return func(l *Listener) {
		l.custom = fn
	}
}

// WithOriginRegistry adds the origins of reg to the allowlist and follows its
// changes until the listener is cleaned up.
func WithOriginRegistry(reg registry.OriginRegistry) Option {
	return func(l *Listener) {
		l.registry = reg
	}
}

// Listener answers RPC requests arriving on a transport.
type Listener struct {
	transport transport.Transport
	static    []string
	allowed   atomic.Pointer[allowlist]
	handlers  *handlers
	chain     middleware.Chain
	lifecycle LifecycleHandlers
	custom    CustomHandler
	registry  registry.OriginRegistry
	logger    *zap.Logger

	ctx    context.Context // Cancelled by Cleanup
	cancel context.CancelFunc

	mu     sync.RWMutex // Orders wg.Add against closing
	closed bool
	wg     sync.WaitGroup // In-flight RPC dispatches
}

// New creates a listener on t accepting the given origins ("*" accepts any)
// and starts listening.
func New(t transport.Transport, allowedOrigins []string, opts ...Option) (*Listener, error) {
	l := &Listener{
		transport: t,
		handlers:  newHandlers(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, raw := range allowedOrigins {
		origin, err := normalizeAllowed(raw)
		if err != nil {
			return nil, fmt.Errorf("listener: invalid allowed origin %q: %w", raw, err)
		}
		l.static = append(l.static, origin)
	}
	l.allowed.Store(newAllowlist(l.static))
	l.ctx, l.cancel = context.WithCancel(context.Background())

	if l.registry != nil {
		// Watch before the first read so no change slips in between
		updates := l.registry.Watch(l.ctx)
		discoverCtx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
		entries, err := l.registry.Discover(discoverCtx)
		cancel()
		if err != nil {
			l.cancel()
			return nil, fmt.Errorf("listener: failed to load allowed origins: %w", err)
		}
		l.setRegistryOrigins(entries)
		go l.followRegistry(updates)
	}

	t.AddEventListener(l)
	return l, nil
}

// Handle registers fn for method, replacing any previous promise handler.
func (l *Listener) Handle(method string, fn Handler) {
	if l.handlers.setPromise(method, fn) {
		l.logger.Debug("replaced promise handler", zap.String("topic", method))
	}
}

// HandleStream registers fn for method, replacing any previous stream handler.
func (l *Listener) HandleStream(method string, fn StreamHandler) {
	if l.handlers.setStream(method, fn) {
		l.logger.Debug("replaced stream handler", zap.String("topic", method))
	}
}

// Unregister removes both handlers of method.
func (l *Listener) Unregister(method string) {
	l.handlers.remove(method)
}

// AllowedOrigins returns the current allowlist.
func (l *Listener) AllowedOrigins() []string {
	return l.allowed.Load().list()
}

// Cleanup detaches the listener from its transport and drops every handler.
// Stream emitters become no-ops. Safe to call more than once.
func (l *Listener) Cleanup() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.transport.RemoveEventListener(l)
	l.handlers.clear()
}

// Shutdown cleans up, then waits for in-flight requests to finish or ctx to
// end.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.Cleanup()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for ongoing requests to finish: %w", ctx.Err())
	}
}

// HandleMessage implements transport.EventListener.
func (l *Listener) HandleMessage(ev *transport.MessageEvent) {
	origin, ok := l.allowed.Load().check(ev.Origin)
	if !ok {
		l.logger.Warn("dropping message from disallowed origin", zap.String("origin", ev.Origin))
		return
	}
	rc := middleware.NewContext(origin, ev.Source)

	switch message.Classify(ev.Data) {
	case message.KindLifecycle:
		l.handleLifecycle(ev, rc)
	case message.KindCustom:
		l.handleCustom(ev, rc)
	case message.KindRPC:
		if !l.begin() {
			return
		}
		go func() {
			defer l.wg.Done()
			l.handleRPC(ev, rc)
		}()
	}
}

// begin registers one in-flight dispatch, false once cleaned up.
func (l *Listener) begin() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	return true
}

func (l *Listener) handleLifecycle(ev *transport.MessageEvent, rc *middleware.Context) {
	lc, err := message.ParseLifecycle(ev.Data)
	if err != nil {
		l.logger.Warn("dropping malformed lifecycle message", zap.String("origin", rc.Origin), zap.Error(err))
		return
	}
	fn := l.lifecycle.Iframe
	if lc.IsClient() {
		fn = l.lifecycle.Client
	}
	if fn == nil {
		return
	}
	l.safeCall("lifecycle", lc.Event(), func() error {
		return fn(l.ctx, lc.Event(), lc.Data, rc)
	})
}

func (l *Listener) handleCustom(ev *transport.MessageEvent, rc *middleware.Context) {
	if l.custom == nil {
		return
	}
	custom, err := message.ParseCustom(ev.Data)
	if err != nil {
		l.logger.Warn("dropping malformed custom message", zap.String("origin", rc.Origin), zap.Error(err))
		return
	}
	l.safeCall("custom", custom.Type, func() error {
		return l.custom(l.ctx, custom, rc)
	})
}

// safeCall runs a fire-and-forget handler, logging its error or panic.
func (l *Listener) safeCall(kind, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panicked", zap.String("kind", kind), zap.String("event", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		l.logger.Error("handler failed", zap.String("kind", kind), zap.String("event", name), zap.Error(err))
	}
}

func (l *Listener) handleRPC(ev *transport.MessageEvent, rc *middleware.Context) {
	msg, err := message.ParseMessage(ev.Data)
	if err != nil {
		l.logger.Warn("dropping malformed rpc message", zap.String("origin", rc.Origin), zap.Error(err))
		return
	}
	ctx := l.ctx

	rc, err = l.chain.RunRequest(ctx, msg, rc)
	if err != nil {
		l.sendError(ev, msg, err)
		return
	}

	promise, stream := l.handlers.lookup(msg.Topic)
	params := message.RequestParams(msg.Data)

	switch {
	case promise != nil:
		result, err := callPromise(ctx, promise, params, rc)
		if err != nil {
			l.sendError(ev, msg, err)
			return
		}
		resp, err := l.chain.RunResponse(ctx, msg, message.Success(result), rc)
		if err != nil {
			l.sendError(ev, msg, err)
			return
		}
		l.sendResponse(ev, msg, resp)

	case stream != nil:
		emit := func(result any) {
			if ctx.Err() != nil {
				l.logger.Debug("dropping stream chunk after cleanup", zap.String("id", msg.ID), zap.String("topic", msg.Topic))
				return
			}
			// Each chunk runs the response chain on its own; a failure only drops that chunk
			resp, err := l.chain.RunResponse(ctx, msg, message.Success(result), rc)
			if err != nil {
				l.logger.Error("middleware failed on stream chunk",
					zap.String("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))
				return
			}
			l.sendResponse(ev, msg, resp)
		}
		if err := callStream(ctx, stream, params, rc, emit); err != nil {
			l.sendError(ev, msg, err)
		}

	default:
		l.logger.Error("no handler found for method", zap.String("topic", msg.Topic), zap.String("origin", rc.Origin))
		l.sendResponse(ev, msg, message.Failure(
			message.Errorf(message.CodeMethodNotFound, "Method not found: %s", msg.Topic)))
	}
}

func callPromise(ctx context.Context, fn Handler, params any, rc *middleware.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, params, rc)
}

func callStream(ctx context.Context, fn StreamHandler, params any, rc *middleware.Context, emit Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream handler panicked: %v", r)
		}
	}()
	return fn(ctx, params, rc, emit)
}

// sendError replies with err as an RpcError; errors that are not one become
// internal errors.
func (l *Listener) sendError(ev *transport.MessageEvent, msg *message.Message, err error) {
	l.sendResponse(ev, msg, message.Failure(message.ToRpcError(err)))
}

func (l *Listener) sendResponse(ev *transport.MessageEvent, msg *message.Message, resp *message.Response) {
	if ev.Source == nil {
		l.logger.Error("no source to send response to", zap.String("id", msg.ID), zap.String("topic", msg.Topic))
		return
	}
	reply := &message.Message{ID: msg.ID, Topic: msg.Topic, Data: resp.Payload()}
	if err := ev.Source.PostMessage(reply.Wire(), replyTarget(ev.Origin)); err != nil {
		l.logger.Warn("failed to send response",
			zap.String("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))
	}
}

// replyTarget is the target origin for a reply to origin. An opaque origin
// cannot be targeted, so the reply goes to "*" through the event's own source.
func replyTarget(origin string) string {
	if _, err := message.NormalizeOrigin(origin); err != nil {
		return message.Wildcard
	}
	return origin
}

func (l *Listener) followRegistry(updates <-chan []registry.OriginEntry) {
	for entries := range updates {
		l.setRegistryOrigins(entries)
	}
}

func (l *Listener) setRegistryOrigins(entries []registry.OriginEntry) {
	origins := make([]string, 0, len(l.static)+len(entries))
	origins = append(origins, l.static...)
	for _, e := range entries {
		origin, err := normalizeAllowed(e.Origin)
		if err != nil {
			l.logger.Warn("ignoring invalid registry origin", zap.String("origin", e.Origin), zap.Error(err))
			continue
		}
		origins = append(origins, origin)
	}
	l.allowed.Store(newAllowlist(origins))
	l.logger.Debug("allowed origins updated", zap.Strings("origins", origins))
}
