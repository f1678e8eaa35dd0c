// Package middleware wraps the server-side invocation handler.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))): A sees the request first and the response last.
// Middlewares run on the connection's dispatch queue, like the handler they wrap.
package middleware

import (
	"context"

	"fabric-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
