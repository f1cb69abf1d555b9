package middleware

import (
	"context"

	"github.com/outofforest/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-ipc/message"
)

// MsgRateLimited is the failure message of an invocation rejected by RateLimitMiddleware.
const MsgRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects invocations beyond perSecond per server with a
// token bucket holding burst tokens. Rejected invocations never reach the object.
func RateLimitMiddleware(perSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) message.Outcome {
			if limiter.Allow() {
				return next(ctx, req)
			}
			logger.Get(ctx).Debug("Invocation rate limited",
				zap.String("object", req.String(message.AttrObjectPath)),
				zap.String("method", req.String(message.AttrMethod)))
			return message.Outcome{Message: MsgRateLimited}
		}
	}
}
