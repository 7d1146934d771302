package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"frak-rpc/message"
)

// RateLimit rejects requests once an origin exceeds r requests per second,
// with bursts of up to burst. Each origin gets its own token bucket.
func RateLimit(r float64, burst int) Step {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(origin string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[origin]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[origin] = l
		}
		return l
	}

	return StepFuncs{
		Request: func(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
			if !limiterFor(mc.Origin).Allow() {
				return nil, message.NewError(message.CodeServerError, "rate limit exceeded")
			}
			return mc, nil
		},
	}
}
