package listener

import (
	"context"

	"frak-rpc/message"
	"frak-rpc/middleware"
)

// HandleTyped registers a promise handler whose params are decoded into P.
// Params that do not decode are answered with an invalid-params error.
func HandleTyped[P, R any](l *Listener, method string, fn func(ctx context.Context, params P, rc *middleware.Context) (R, error)) {
	l.Handle(method, func(ctx context.Context, raw any, rc *middleware.Context) (any, error) {
		var params P
		if raw != nil {
			if err := message.Decode(raw, &params); err != nil {
				return nil, message.Errorf(message.CodeInvalidParams, "invalid params for %s: %v", method, err)
			}
		}
		return fn(ctx, params, rc)
	})
}
