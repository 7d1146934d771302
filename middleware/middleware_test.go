package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"frak-rpc/codec"
	"frak-rpc/message"
)

func recordingStep(name string, trace *[]string) Step {
	return StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
			*trace = append(*trace, name+".request")
			return mc.With(name, true), nil
		},
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
			*trace = append(*trace, name+".response")
			return resp, nil
		},
	}
}

func rpcMessage(topic string, params any) *message.Message {
	return &message.Message{
		ID:    "req-1",
		Topic: topic,
		Data:  message.Structured(message.Request{Method: topic, Params: params}.Wire()),
	}
}

func TestChainRunsForwardBothWays(t *testing.T) {
	var trace []string
	chain := Chain{recordingStep("a", &trace), recordingStep("b", &trace), recordingStep("c", &trace)}
	msg := rpcMessage("frak_ping", nil)

	mc, err := chain.RunRequest(context.Background(), msg, NewContext("https://a.com", nil))
	require.NoError(t, err)
	_, err = chain.RunResponse(context.Background(), msg, message.Success("pong"), mc)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a.request", "b.request", "c.request",
		"a.response", "b.response", "c.response",
	}, trace)

	// Every step's key survives the later ones
	for _, key := range []string{"a", "b", "c"} {
		_, ok := mc.Value(key)
		assert.True(t, ok, key)
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	var trace []string
	boom := errors.New("boom")
	failing := StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
			return nil, boom
		},
	}
	chain := Chain{recordingStep("a", &trace), failing, recordingStep("c", &trace)}

	_, err := chain.RunRequest(context.Background(), rpcMessage("frak_ping", nil), NewContext("https://a.com", nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a.request"}, trace)
}

func TestChainReplacesResponse(t *testing.T) {
	replace := StepFuncs{
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
			return message.Success("replaced"), nil
		},
	}
	keep := StepFuncs{
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
			return nil, nil
		},
	}

	resp, err := Chain{replace, keep}.RunResponse(context.Background(), rpcMessage("x", nil), message.Success("original"), NewContext("", nil))
	require.NoError(t, err)
	assert.Equal(t, "replaced", resp.Result)
}

func TestContextIsImmutable(t *testing.T) {
	base := NewContext("https://a.com", nil)
	extended := base.With("user", "alice")
	overridden := extended.With("user", "bob").With("session", 42)

	_, ok := base.Value("user")
	assert.False(t, ok)

	v, _ := extended.Value("user")
	assert.Equal(t, "alice", v)

	v, _ = overridden.Value("user")
	assert.Equal(t, "bob", v)
	v, _ = overridden.Value("session")
	assert.Equal(t, 42, v)
	assert.Equal(t, "https://a.com", overridden.Origin)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	step := Logging(zap.New(core))
	msg := rpcMessage("frak_getWalletStatus", nil)

	mc, err := step.OnRequest(context.Background(), msg, NewContext("https://a.com", nil))
	require.NoError(t, err)
	_, err = step.OnResponse(context.Background(), msg, message.Failure(message.NewError(message.CodeWalletNotConnected, "no wallet")), mc)
	require.NoError(t, err)

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[1]
	assert.Equal(t, "rpc error response", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, int64(message.CodeWalletNotConnected), fields["code"])
	assert.Contains(t, fields, "duration")
}

func TestRateLimitPerOrigin(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	step := RateLimit(1, 2)
	msg := rpcMessage("frak_ping", nil)
	fromA := NewContext("https://a.com", nil)

	for i := 0; i < 2; i++ {
		_, err := step.OnRequest(context.Background(), msg, fromA)
		require.NoError(t, err, "request %d", i)
	}

	_, err := step.OnRequest(context.Background(), msg, fromA)
	var rpcErr *message.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeServerError, rpcErr.Code)
	assert.Equal(t, "rate limit exceeded", rpcErr.Message)

	// Another origin has its own bucket
	_, err = step.OnRequest(context.Background(), msg, NewContext("https://b.com", nil))
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("frakrpc", reg)
	require.NoError(t, err)

	msg := rpcMessage("frak_listenToWalletStatus", nil)
	mc, err := m.OnRequest(context.Background(), msg, NewContext("https://a.com", nil))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = m.OnResponse(context.Background(), msg, message.Success(i), mc)
		require.NoError(t, err)
	}
	_, err = m.OnResponse(context.Background(), msg, message.Failure(message.NewError(message.CodeInternalError, "x")), mc)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("frak_listenToWalletStatus")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.responses.WithLabelValues("frak_listenToWalletStatus", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("frak_listenToWalletStatus", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	// Registering twice under the same namespace fails
	_, err = NewMetrics("frakrpc", reg)
	assert.Error(t, err)
}

func TestCompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := ClientCompression(zap.NewNop())
	listener := ListenerCompression()
	params := map[string]any{"address": "0xabc", "tags": []any{"a", "b"}}

	msg := rpcMessage("frak_sendInteraction", params)
	_, err := client.OnRequest(ctx, msg, NewContext("https://wallet.frak.id", nil))
	require.NoError(t, err)
	require.True(t, msg.Data.IsBinary())

	// Listener side receives the same bytes
	received := &message.Message{ID: msg.ID, Topic: msg.Topic, Data: message.Binary(msg.Data.Bytes)}
	_, err = listener.OnRequest(ctx, received, NewContext("https://shop.example", nil))
	require.NoError(t, err)
	assert.Equal(t, params, message.RequestParams(received.Data))

	resp, err := listener.OnResponse(ctx, received, message.Success(map[string]any{"status": "ok"}), nil)
	require.NoError(t, err)
	require.True(t, resp.HasBinaryResult())

	back, err := client.OnResponse(ctx, msg, resp, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok"}, back.Result)
}

func TestCompressionLeavesBinaryAndErrorsAlone(t *testing.T) {
	ctx := context.Background()
	listener := ListenerCompression()
	msg := rpcMessage("x", nil)

	failure := message.Failure(message.NewError(message.CodeUserRejected, "rejected"))
	resp, err := listener.OnResponse(ctx, msg, failure, nil)
	require.NoError(t, err)
	assert.Same(t, failure, resp)

	blob := message.Success([]byte{0x01})
	resp, err = listener.OnResponse(ctx, msg, blob, nil)
	require.NoError(t, err)
	assert.Same(t, blob, resp)

	binaryReq := &message.Message{ID: "1", Topic: "x", Data: message.Binary([]byte{0x02})}
	_, err = ClientCompression(zap.NewNop()).OnRequest(ctx, binaryReq, NewContext("", nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, binaryReq.Data.Bytes)
}

func TestListenerCompressionRejectsTampering(t *testing.T) {
	compressed, err := codec.HashAndCompress(map[string]any{"method": "frak_ping", "params": "hello"})
	require.NoError(t, err)

	// Flip a byte inside the "hello" string
	tampered := append([]byte(nil), compressed...)
	for i := 0; i+5 <= len(tampered); i++ {
		if string(tampered[i:i+5]) == "hello" {
			tampered[i] = 'j'
			break
		}
	}

	msg := &message.Message{ID: "1", Topic: "frak_ping", Data: message.Binary(tampered)}
	_, err = ListenerCompression().OnRequest(context.Background(), msg, NewContext("", nil))
	assert.ErrorIs(t, err, codec.ErrHashMismatch)
}

func TestClientCompressionIgnoresCorruptResponse(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	resp := message.Success([]byte{0xc1})

	got, err := ClientCompression(zap.New(core)).OnResponse(context.Background(), rpcMessage("x", nil), resp, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc1}, got.Result)
	assert.Equal(t, 1, logs.Len())
}
