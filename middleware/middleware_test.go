package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/outofforest/qa"

	"mini-ipc/message"
)

// echoHandler succeeds with the method name.
func echoHandler(ctx context.Context, req *message.Message) message.Outcome {
	return message.Succeeded(req.String(message.AttrMethod))
}

// slowHandler takes 200ms unless canceled.
func slowHandler(ctx context.Context, req *message.Message) message.Outcome {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return message.Succeeded("late")
}

func failingHandler(ctx context.Context, req *message.Message) message.Outcome {
	return message.Outcome{Code: "E_X", Message: "broken"}
}

func newInvoke() *message.Message {
	return message.NewRequest(message.KindInvoke, map[string]any{
		message.AttrObjectPath: "App.Calc",
		message.AttrMethod:     "add",
	})
}

func TestLogging(t *testing.T) {
	ctx := qa.NewContext(t)

	resp := LoggingMiddleware()(echoHandler)(ctx, newInvoke())
	if !resp.Success || resp.Value != "add" {
		t.Fatalf("unexpected outcome %+v", resp)
	}

	resp = LoggingMiddleware()(failingHandler)(ctx, newInvoke())
	if resp.Success || resp.Code != "E_X" {
		t.Fatalf("failure must pass through untouched, got %+v", resp)
	}
}

func TestTimeoutPass(t *testing.T) {
	ctx := qa.NewContext(t)
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(ctx, newInvoke())
	if !resp.Success {
		t.Fatalf("expect no error, got '%s'", resp.Message)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	ctx := qa.NewContext(t)
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(ctx, newInvoke())
	if resp.Success || resp.Message != MsgTimedOut {
		t.Fatalf("expect timeout error, got '%+v'", resp)
	}
}

func TestRateLimit(t *testing.T) {
	ctx := qa.NewContext(t)
	// Burst of 2: the third call in a row is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(ctx, newInvoke())
		if !resp.Success {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Message)
		}
	}

	resp := handler(ctx, newInvoke())
	if resp.Message != MsgRateLimited {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Message)
	}
}

func TestChain(t *testing.T) {
	ctx := qa.NewContext(t)

	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) message.Outcome {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("a"), LoggingMiddleware(), mark("b"), TimeOutMiddleware(500*time.Millisecond))
	resp := chained(echoHandler)(ctx, newInvoke())

	if !resp.Success {
		t.Fatalf("expect no error, got '%s'", resp.Message)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}
