// Package middleware wraps the server-side handling of one-shot Invoke requests.
package middleware

import (
	"context"

	"mini-ipc/message"
)

// HandlerFunc answers one Invoke request.
type HandlerFunc func(ctx context.Context, req *message.Message) message.Outcome

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. The first one runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
