package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fabric-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceID),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if f := resp.Failure; f != nil {
				logger.Info("invocation failed", append(fields, zap.String("kind", f.Kind), zap.String("error", f.Message))...)
				return resp
			}
			logger.Debug("invocation", fields...)
			return resp
		}
	}
}
