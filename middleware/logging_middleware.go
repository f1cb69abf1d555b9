package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"mini-ipc/message"
)

// LoggingMiddleware logs every invocation with its duration and failure message.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) message.Outcome {
			start := time.Now()
			outcome := next(ctx, req)

			log := logger.Get(ctx).With(
				zap.Uint64("id", req.ID),
				zap.String("object", req.String(message.AttrObjectPath)),
				zap.String("method", req.String(message.AttrMethod)),
				zap.Duration("duration", time.Since(start)),
			)
			if !outcome.Success {
				log.Warn("Invocation failed", zap.String("code", outcome.Code), zap.String("error", outcome.Message))
				return outcome
			}
			log.Debug("Invocation finished")
			return outcome
		}
	}
}
