package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"frak-rpc/codec"
	"frak-rpc/message"
)

// ClientCompression is the client half of the hash-protected encoding.
//
//   - OnRequest:  {method, params} → protected binary, unless already binary.
//   - OnResponse: binary result → checked, hash stripped, result unwrapped.
//     A response that fails the check is logged and passed through untouched.
func ClientCompression(logger *zap.Logger) Step {
	return StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
			if msg.Data.IsBinary() {
				return mc, nil
			}
			compressed, err := codec.HashAndCompress(msg.Data.Value)
			if err != nil {
				return nil, fmt.Errorf("compress request %s: %w", msg.Topic, err)
			}
			msg.Data = message.Binary(compressed)
			return mc, nil
		},
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
			if !resp.HasBinaryResult() {
				return resp, nil
			}
			decoded, err := codec.DecompressAndCheckHash(resp.Result.([]byte))
			if err != nil {
				logger.Warn("ignoring undecodable compressed response",
					zap.String("id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Error(err))
				return resp, nil
			}
			fields := codec.StripHash(decoded)
			if result, ok := fields[message.KeyResult]; ok {
				resp.Result = result
			} else {
				resp.Result = fields
			}
			return resp, nil
		},
	}
}

// ListenerCompression is the listener half of the hash-protected encoding.
//
//   - OnRequest:  binary data → checked, params unwrapped into the message
//     data. A failing check aborts the request.
//   - OnResponse: {method, result} → protected binary, unless the response is
//     an error or already binary.
func ListenerCompression() Step {
	return StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
			if !msg.Data.IsBinary() {
				return mc, nil
			}
			decoded, err := codec.DecompressAndCheckHash(msg.Data.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decompress request %s: %w", msg.Topic, err)
			}
			msg.Data = message.Structured(decoded[message.KeyParams])
			return mc, nil
		},
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
			if resp.IsError() || resp.HasBinaryResult() {
				return resp, nil
			}
			compressed, err := codec.HashAndCompress(map[string]any{
				message.KeyMethod: msg.Topic,
				message.KeyResult: resp.Result,
			})
			if err != nil {
				return nil, fmt.Errorf("compress response %s: %w", msg.Topic, err)
			}
			return message.Success(compressed), nil
		},
	}
}
