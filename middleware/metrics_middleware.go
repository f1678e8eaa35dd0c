package middleware

import (
	"context"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"fabric-rpc/message"
)

// MetricsMiddleware records a latency timer and a failure meter per service method:
//
//	rpc.server.<service>.<method>.latency
//	rpc.server.<service>.<method>.failures
func MetricsMiddleware(registry metrics.Registry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			prefix := "rpc.server." + req.ServiceID + "." + req.Method
			start := time.Now()
			resp := next(ctx, req)
			metrics.GetOrRegisterTimer(prefix+".latency", registry).UpdateSince(start)
			if !resp.OK() {
				metrics.GetOrRegisterMeter(prefix+".failures", registry).Mark(1)
			}
			return resp
		}
	}
}
