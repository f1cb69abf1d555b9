package middleware

import (
	"context"
	"time"

	"github.com/outofforest/logger"
	"go.uber.org/zap"

	"mini-ipc/message"
)

// MsgTimedOut is the failure message of an invocation cut off by TimeOutMiddleware.
const MsgTimedOut = "request timed out"

// TimeOutMiddleware fails an invocation that runs longer than timeout.
// The method keeps running with a cancelled context; its late outcome is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) message.Outcome {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			outcomes := make(chan message.Outcome, 1)
			go func() {
				outcomes <- next(ctx, req)
			}()

			select {
			case outcome := <-outcomes:
				return outcome
			case <-ctx.Done():
				logger.Get(ctx).Warn("Invocation timed out",
					zap.String("object", req.String(message.AttrObjectPath)),
					zap.String("method", req.String(message.AttrMethod)),
					zap.Duration("timeout", timeout))
				return message.Outcome{Message: MsgTimedOut}
			}
		}
	}
}
