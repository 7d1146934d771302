package listener

import (
	"context"
	"sync"

	"frak-rpc/message"
	"frak-rpc/middleware"
)

// Handler answers a one-shot request. params is the request params as they
// arrived (after the request middleware ran).
type Handler func(ctx context.Context, params any, rc *middleware.Context) (any, error)

// Emitter sends one stream chunk to the caller. It may be called after the
// stream handler returned, until the listener is cleaned up.
type Emitter func(result any)

// StreamHandler answers a subscription by calling emit any number of times.
// A returned error is sent to the caller as an error response.
type StreamHandler func(ctx context.Context, params any, rc *middleware.Context, emit Emitter) error

// LifecycleHandler receives lifecycle events. Errors are only logged.
type LifecycleHandler func(ctx context.Context, event string, data any, rc *middleware.Context) error

// CustomHandler receives custom {type, payload} messages. Errors are only logged.
type CustomHandler func(ctx context.Context, msg message.Custom, rc *middleware.Context) error

// handlers holds one promise and one stream handler per method. A method may
// have both; the promise handler wins at dispatch.
type handlers struct {
	mu      sync.RWMutex
	promise map[string]Handler
	stream  map[string]StreamHandler
}

func newHandlers() *handlers {
	return &handlers{
		promise: make(map[string]Handler),
		stream:  make(map[string]StreamHandler),
	}
}

// setPromise registers fn and reports whether a previous handler was replaced.
func (h *handlers) setPromise(method string, fn Handler) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, replaced := h.promise[method]
	h.promise[method] = fn
	return replaced
}

func (h *handlers) setStream(method string, fn StreamHandler) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, replaced := h.stream[method]
	h.stream[method] = fn
	return replaced
}

func (h *handlers) remove(method string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.promise, method)
	delete(h.stream, method)
}

// lookup returns the handler for method, promise first. Both are nil when the
// method is unknown.
func (h *handlers) lookup(method string) (Handler, StreamHandler) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn, ok := h.promise[method]; ok {
		return fn, nil
	}
	return nil, h.stream[method]
}

func (h *handlers) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.promise = make(map[string]Handler)
	h.stream = make(map[string]StreamHandler)
}

func (h *handlers) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.promise) + len(h.stream)
}
