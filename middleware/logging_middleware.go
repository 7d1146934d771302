package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"frak-rpc/message"
)

const loggingStartKey = "logging.start"

// Logging logs every request and every response with the time elapsed since
// the request went through the step.
func Logging(logger *zap.Logger) Step {
	return StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
			logger.Debug("rpc request",
				zap.String("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("origin", mc.Origin),
				zap.Stringer("payload", msg.Data.Kind))
			return mc.With(loggingStartKey, time.Now()), nil
		},
		Response: func(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
			fields := []zap.Field{
				zap.String("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("origin", mc.Origin),
			}
			if start, ok := mc.Value(loggingStartKey); ok {
				fields = append(fields, zap.Duration("duration", time.Since(start.(time.Time))))
			}
			if resp.IsError() {
				logger.Info("rpc error response", append(fields,
					zap.Int("code", resp.Error.Code),
					zap.String("error", resp.Error.Message))...)
				return resp, nil
			}
			logger.Debug("rpc response", fields...)
			return resp, nil
		},
	}
}
