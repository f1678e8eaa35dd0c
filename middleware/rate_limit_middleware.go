package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"fabric-rpc/message"
	"fabric-rpc/rpcerr"
)

// RateLimitMiddleware rejects invocations beyond r per second (token bucket with the given burst).
// Rejected calls never acquire a service instance.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Fail(message.KindRejected, rpcerr.ErrRateLimited.Error())
			}
			return next(ctx, req)
		}
	}
}
