package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"frak-rpc/message"
	"frak-rpc/middleware"
	"frak-rpc/registry"
	"frak-rpc/transport"
	"frak-rpc/transport/memory"
)

const (
	hostOrigin   = "https://a.com"
	walletOrigin = "https://wallet.frak.id"
)

type harness struct {
	host     *memory.Endpoint
	frame    *memory.Endpoint
	listener *Listener
	replies  chan map[string]any
}

func newHarness(t *testing.T, from string, allowed []string, opts ...Option) *harness {
	t.Helper()
	host, frame := memory.Pipe(from, walletOrigin)
	l, err := New(frame, allowed, opts...)
	require.NoError(t, err)
	t.Cleanup(l.Cleanup)

	h := &harness{host: host, frame: frame, listener: l, replies: make(chan map[string]any, 16)}
	collect := transport.ListenerFunc(func(ev *transport.MessageEvent) {
		h.replies <- ev.Data.(map[string]any)
	})
	host.AddEventListener(&collect)
	return h
}

func (h *harness) call(t *testing.T, id, topic string, params any) {
	t.Helper()
	require.NoError(t, h.host.PostMessage(map[string]any{
		"id":    id,
		"topic": topic,
		"data":  map[string]any{"method": topic, "params": params},
	}, walletOrigin))
}

func (h *harness) reply(t *testing.T) map[string]any {
	t.Helper()
	select {
	case r := <-h.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return nil
	}
}

func (h *harness) noReply(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.replies:
		t.Fatalf("unexpected reply %v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func errorOf(t *testing.T, reply map[string]any) map[string]any {
	t.Helper()
	data, ok := reply["data"].(map[string]any)
	require.True(t, ok, "reply data is %T", reply["data"])
	e, ok := data["error"].(map[string]any)
	require.True(t, ok, "reply has no error: %v", data)
	return e
}

func TestPromiseHandler(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.Handle("ping", func(ctx context.Context, params any, rc *middleware.Context) (any, error) {
		assert.Equal(t, []any{}, params)
		assert.Equal(t, hostOrigin, rc.Origin)
		return "pong", nil
	})

	h.call(t, "abc", "ping", []any{})
	assert.Equal(t, map[string]any{
		"id":    "abc",
		"topic": "ping",
		"data":  map[string]any{"result": "pong"},
	}, h.reply(t))
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})

	h.call(t, "1", "frak_unknown", nil)
	e := errorOf(t, h.reply(t))
	assert.Equal(t, message.CodeMethodNotFound, e["code"])
	assert.Contains(t, e["message"], "frak_unknown")
}

func TestPromiseHandlerWinsOverStream(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	var streamCalls atomic.Int32
	h.listener.HandleStream("m", func(ctx context.Context, params any, rc *middleware.Context, emit Emitter) error {
		streamCalls.Add(1)
		return nil
	})
	h.listener.Handle("m", func(ctx context.Context, params any, rc *middleware.Context) (any, error) {
		return "promise", nil
	})

	h.call(t, "1", "m", nil)
	assert.Equal(t, map[string]any{"result": "promise"}, h.reply(t)["data"])
	assert.Zero(t, streamCalls.Load())
}

func TestReRegistrationReplaces(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.Handle("m", func(context.Context, any, *middleware.Context) (any, error) { return "old", nil })
	h.listener.Handle("m", func(context.Context, any, *middleware.Context) (any, error) { return "new", nil })

	h.call(t, "1", "m", nil)
	assert.Equal(t, map[string]any{"result": "new"}, h.reply(t)["data"])
}

func TestAllowlist(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		allowed []string
		accept  bool
	}{
		{"exact origin", "https://a.com", []string{"https://a.com"}, true},
		{"case and default port", "https://A.com:443", []string{"https://a.com/"}, true},
		{"other origin", "https://b.com", []string{"https://a.com"}, false},
		{"other scheme", "http://a.com", []string{"https://a.com"}, false},
		{"wildcard", "https://b.com", []string{"*"}, true},
		{"opaque origin with wildcard", "null", []string{"*"}, true},
		{"opaque origin listed", "null", []string{"https://a.com"}, false},
		{"empty allowlist", "https://a.com", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.from, tt.allowed)
			var calls atomic.Int32
			h.listener.Handle("ping", func(context.Context, any, *middleware.Context) (any, error) {
				calls.Add(1)
				return "pong", nil
			})

			h.call(t, "1", "ping", nil)
			if tt.accept {
				h.reply(t)
				assert.EqualValues(t, 1, calls.Load())
			} else {
				h.noReply(t)
				assert.Zero(t, calls.Load())
			}
		})
	}
}

func TestOpaqueOriginWithWildcard(t *testing.T) {
	h := newHarness(t, "null", []string{"*"})
	h.listener.Handle("ping", func(ctx context.Context, params any, rc *middleware.Context) (any, error) {
		assert.Equal(t, "null", rc.Origin)
		return "pong", nil
	})

	h.call(t, "1", "ping", nil)
	assert.Equal(t, map[string]any{"result": "pong"}, h.reply(t)["data"])
}

func TestNewRejectsInvalidAllowedOrigin(t *testing.T) {
	_, frame := memory.Pipe(hostOrigin, walletOrigin)
	_, err := New(frame, []string{"not an origin"})
	assert.Error(t, err)
}

func TestMiddlewareErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"rpc error keeps its code", message.NewError(message.CodeWalletNotConnected, "connect first"), message.CodeWalletNotConnected, "connect first"},
		{"wrapped rpc error", errors.Join(errors.New("ctx"), message.NewError(message.CodeUserRejected, "no")), message.CodeUserRejected, "no"},
		{"plain error becomes internal", errors.New("db down"), message.CodeInternalError, "db down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := middleware.StepFuncs{
				Request: func(ctx context.Context, msg *message.Message, mc *middleware.Context) (*middleware.Context, error) {
					return nil, tt.err
				},
			}
			h := newHarness(t, hostOrigin, []string{hostOrigin}, WithMiddleware(failing))
			var calls atomic.Int32
			h.listener.Handle("m", func(context.Context, any, *middleware.Context) (any, error) {
				calls.Add(1)
				return nil, nil
			})

			h.call(t, "1", "m", nil)
			e := errorOf(t, h.reply(t))
			assert.Equal(t, tt.code, e["code"])
			assert.Equal(t, tt.message, e["message"])
			assert.Zero(t, calls.Load())
		})
	}
}

func TestMiddlewareContextReachesHandler(t *testing.T) {
	augment := middleware.StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *middleware.Context) (*middleware.Context, error) {
			return mc.With("productId", "0x42"), nil
		},
	}
	h := newHarness(t, hostOrigin, []string{hostOrigin}, WithMiddleware(augment))
	h.listener.Handle("m", func(ctx context.Context, params any, rc *middleware.Context) (any, error) {
		v, _ := rc.Value("productId")
		return v, nil
	})

	h.call(t, "1", "m", nil)
	assert.Equal(t, map[string]any{"result": "0x42"}, h.reply(t)["data"])
}

func TestHandlerErrors(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.Handle("reject", func(context.Context, any, *middleware.Context) (any, error) {
		return nil, &message.RpcError{Code: message.CodeUserRejected, Message: "rejected", Data: "why"}
	})
	h.listener.Handle("fail", func(context.Context, any, *middleware.Context) (any, error) {
		return nil, errors.New("exploded")
	})
	h.listener.Handle("panic", func(context.Context, any, *middleware.Context) (any, error) {
		panic("oops")
	})

	h.call(t, "1", "reject", nil)
	e := errorOf(t, h.reply(t))
	assert.Equal(t, message.CodeUserRejected, e["code"])
	assert.Equal(t, "why", e["data"])

	h.call(t, "2", "fail", nil)
	e = errorOf(t, h.reply(t))
	assert.Equal(t, message.CodeInternalError, e["code"])
	assert.Equal(t, "exploded", e["message"])

	h.call(t, "3", "panic", nil)
	e = errorOf(t, h.reply(t))
	assert.Equal(t, message.CodeInternalError, e["code"])
	assert.Contains(t, e["message"], "oops")
}

func TestStreamHandler(t *testing.T) {
	dropTwo := middleware.StepFuncs{
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *middleware.Context) (*message.Response, error) {
			if resp.Result == 2 {
				return nil, errors.New("cannot encode 2")
			}
			return resp, nil
		},
	}
	h := newHarness(t, hostOrigin, []string{hostOrigin}, WithMiddleware(dropTwo))
	h.listener.HandleStream("ticker", func(ctx context.Context, params any, rc *middleware.Context, emit Emitter) error {
		for i := 1; i <= 3; i++ {
			emit(i)
		}
		return nil
	})

	h.call(t, "s1", "ticker", nil)
	first := h.reply(t)
	assert.Equal(t, "s1", first["id"])
	assert.Equal(t, map[string]any{"result": 1}, first["data"])
	assert.Equal(t, map[string]any{"result": 3}, h.reply(t)["data"])
	h.noReply(t)
}

func TestStreamHandlerError(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.HandleStream("ticker", func(ctx context.Context, params any, rc *middleware.Context, emit Emitter) error {
		emit("only")
		return message.NewError(message.CodeServerError, "stream broke")
	})

	h.call(t, "s1", "ticker", nil)
	assert.Equal(t, map[string]any{"result": "only"}, h.reply(t)["data"])
	e := errorOf(t, h.reply(t))
	assert.Equal(t, message.CodeServerError, e["code"])
}

func TestEmitAfterCleanupIsDropped(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	emitters := make(chan Emitter, 1)
	h.listener.HandleStream("ticker", func(ctx context.Context, params any, rc *middleware.Context, emit Emitter) error {
		emitters <- emit
		return nil
	})

	h.call(t, "s1", "ticker", nil)
	emit := <-emitters
	emit("before")
	assert.Equal(t, map[string]any{"result": "before"}, h.reply(t)["data"])

	h.listener.Cleanup()
	emit("after")
	h.noReply(t)
}

func TestRawBinaryResultSentBare(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.Handle("blob", func(context.Context, any, *middleware.Context) (any, error) {
		return []byte{0x01, 0x02}, nil
	})

	h.call(t, "1", "blob", nil)
	assert.Equal(t, []byte{0x01, 0x02}, h.reply(t)["data"])
}

func TestMissingSourceIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	_, frame := memory.Pipe(hostOrigin, walletOrigin)
	l, err := New(frame, []string{"*"}, WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer l.Cleanup()
	l.Handle("ping", func(context.Context, any, *middleware.Context) (any, error) { return "pong", nil })

	l.HandleMessage(&transport.MessageEvent{
		Origin: hostOrigin,
		Data:   map[string]any{"id": "1", "topic": "ping", "data": map[string]any{"method": "ping"}},
	})

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("no source to send response to").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnrecognizedMessagesIgnored(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	require.NoError(t, h.host.PostMessage("just a string", walletOrigin))
	require.NoError(t, h.host.PostMessage(map[string]any{"id": "1", "topic": "no data"}, walletOrigin))
	require.NoError(t, h.host.PostMessage(map[string]any{"id": 7, "topic": "m", "data": nil}, walletOrigin))
	h.noReply(t)
}

func TestLifecycleHandlers(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	type call struct {
		event  string
		data   any
		origin string
	}
	var mu sync.Mutex
	var calls []call
	record := func(ctx context.Context, event string, data any, rc *middleware.Context) error {
		mu.Lock()
		calls = append(calls, call{event, data, rc.Origin})
		mu.Unlock()
		switch event {
		case "fail":
			return errors.New("cannot")
		case "panic":
			panic("lifecycle panic")
		}
		return nil
	}
	h := newHarness(t, hostOrigin, []string{hostOrigin},
		WithLogger(zap.New(core)),
		WithLifecycleHandlers(LifecycleHandlers{Client: record}),
		WithMiddleware(middleware.StepFuncs{
			Request: func(context.Context, *message.Message, *middleware.Context) (*middleware.Context, error) {
				t.Error("lifecycle messages must bypass middleware")
				return nil, nil
			},
		}))

	require.NoError(t, h.host.PostMessage(message.ClientEvent("handshake-response", "token").Wire(), walletOrigin))
	require.NoError(t, h.host.PostMessage(message.ClientEvent("fail", nil).Wire(), walletOrigin))
	require.NoError(t, h.host.PostMessage(message.ClientEvent("panic", nil).Wire(), walletOrigin))
	// No iframe handler registered
	require.NoError(t, h.host.PostMessage(message.IframeEvent("connected", nil).Wire(), walletOrigin))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []call{
		{"handshake-response", "token", hostOrigin},
		{"fail", nil, hostOrigin},
		{"panic", nil, hostOrigin},
	}, calls)
	assert.Equal(t, 2, logs.Len())
	h.noReply(t)
}

func TestCustomHandler(t *testing.T) {
	got := make(chan message.Custom, 1)
	h := newHarness(t, hostOrigin, []string{hostOrigin},
		WithCustomHandler(func(ctx context.Context, msg message.Custom, rc *middleware.Context) error {
			got <- msg
			return nil
		}))

	require.NoError(t, h.host.PostMessage(map[string]any{"type": "sso-complete", "payload": "session"}, walletOrigin))
	assert.Equal(t, message.Custom{Type: "sso-complete", Payload: "session"}, <-got)
}

func TestUnregister(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.Handle("m", func(context.Context, any, *middleware.Context) (any, error) { return 1, nil })
	h.listener.HandleStream("m", func(context.Context, any, *middleware.Context, Emitter) error { return nil })
	h.listener.Unregister("m")
	assert.Zero(t, h.listener.handlers.len())

	h.call(t, "1", "m", nil)
	assert.Equal(t, message.CodeMethodNotFound, errorOf(t, h.reply(t))["code"])
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	h.listener.Handle("m", func(context.Context, any, *middleware.Context) (any, error) { return 1, nil })

	h.listener.Cleanup()
	h.listener.Cleanup()
	assert.Zero(t, h.frame.ListenerCount())
	assert.Zero(t, h.listener.handlers.len())

	h.call(t, "1", "m", nil)
	h.noReply(t)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	started := make(chan struct{})
	release := make(chan struct{})
	h.listener.Handle("slow", func(context.Context, any, *middleware.Context) (any, error) {
		close(started)
		<-release
		return "done", nil
	})

	h.call(t, "1", "slow", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.listener.Shutdown(ctx))

	close(release)
	assert.NoError(t, h.listener.Shutdown(context.Background()))
	// The in-flight request still gets its answer
	assert.Equal(t, map[string]any{"result": "done"}, h.reply(t)["data"])
}

func TestOriginRegistryFeedsAllowlist(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, registry.OriginEntry{Origin: "https://c.com"}, 0))

	h := newHarness(t, hostOrigin, []string{"https://static.com"}, WithOriginRegistry(reg))
	h.listener.Handle("ping", func(context.Context, any, *middleware.Context) (any, error) { return "pong", nil })
	assert.Equal(t, []string{"https://c.com", "https://static.com"}, h.listener.AllowedOrigins())

	h.call(t, "1", "ping", nil)
	h.noReply(t)

	require.NoError(t, reg.Register(ctx, registry.OriginEntry{Origin: hostOrigin}, 0))
	require.Eventually(t, func() bool {
		return len(h.listener.AllowedOrigins()) == 3
	}, time.Second, 10*time.Millisecond)

	h.call(t, "2", "ping", nil)
	assert.Equal(t, "2", h.reply(t)["id"])

	require.NoError(t, reg.Deregister(ctx, hostOrigin))
	require.Eventually(t, func() bool {
		return len(h.listener.AllowedOrigins()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHandleTyped(t *testing.T) {
	type interaction struct {
		ProductID string `mapstructure:"productId"`
		Amount    int    `mapstructure:"amount"`
	}
	h := newHarness(t, hostOrigin, []string{hostOrigin})
	HandleTyped(h.listener, "frak_sendInteraction", func(ctx context.Context, p interaction, rc *middleware.Context) (string, error) {
		return p.ProductID, nil
	})

	h.call(t, "1", "frak_sendInteraction", map[string]any{"productId": "0x42", "amount": int64(3)})
	assert.Equal(t, map[string]any{"result": "0x42"}, h.reply(t)["data"])

	h.call(t, "2", "frak_sendInteraction", "not an object")
	assert.Equal(t, message.CodeInvalidParams, errorOf(t, h.reply(t))["code"])
}
