// Package client implements one-shot outbound calls.
//
// Every Call opens its own socket, performs exactly one Invoke exchange and closes it.
// A Caller bounds how many calls hold a socket at the same time with a counting
// semaphore shared by everything that uses that Caller.
package client

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/outofforest/logger"

	"mini-ipc/message"
	"mini-ipc/transport"
)

// Failure messages reported in Result.Message.
const (
	MsgConnectTimeout = "connection timeout"
	MsgCallTimeout    = "call timeout"
	MsgConnectionCut  = "connection cut before response"
	MsgQueueTimeout   = "call queue timeout"
	MsgCancelled      = "call cancelled"
)

// ErrInvalidTarget is wrapped by validation failures.
var ErrInvalidTarget = errors.New("invalid call target")

// Config configures a Caller.
type Config struct {
	MaxConcurrent  int64         // Calls allowed to hold a socket at once
	AcquireBackoff time.Duration // Delay between permit attempts
	AcquireTimeout time.Duration // Give up waiting for a permit after this long, 0 waits for ctx
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	Transport      transport.Config

	// Dialer opens the socket of a call. Nil selects a plain net.Dialer.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultConfig returns the default caller configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  20,
		AcquireBackoff: 100 * time.Millisecond,
		AcquireTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}

// Target names the remote method to call.
type Target struct {
	Host       string
	Port       uint16
	ObjectPath string
	Method     string
	Args       []any
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) validate() error {
	switch {
	case t.Host == "":
		return errors.Wrap(ErrInvalidTarget, "empty host")
	case t.Port == 0:
		return errors.Wrap(ErrInvalidTarget, "port must not be zero")
	case t.Method == "":
		return errors.Wrap(ErrInvalidTarget, "empty method name")
	}
	return nil
}

// Result is the outcome of a finished Call.
type Result struct {
	Value   any
	Success bool
	Code    string
	Message string
}

func failure(format string, args ...any) Result {
	o := message.Failed(format, args...)
	return Result{Message: o.Message}
}

// Call is a single asynchronous invocation. It is created by Caller.Call and
// completes exactly once.
type Call struct {
	id     uint64
	target Target
	done   chan struct{}

	mu        sync.Mutex
	result    Result
	finished  bool
	callbacks []func(Result)
}

// ID returns the request id used on the wire.
func (c *Call) ID() uint64 {
	return c.id
}

// Target returns the call target.
func (c *Call) Target() Target {
	return c.target
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the result. It is the zero Result until Done is closed.
func (c *Call) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.Result(), nil
	case <-ctx.Done():
		return Result{}, errors.WithStack(ctx.Err())
	}
}

// OnFinished registers fn to run with the result. If the call already completed,
// fn runs immediately on the calling goroutine.
func (c *Call) OnFinished(fn func(Result)) {
	c.mu.Lock()
	if !c.finished {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	result := c.result
	c.mu.Unlock()

	fn(result)
}

func (c *Call) finish(result Result) {
	c.mu.Lock()
	c.result = result
	c.finished = true
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	close(c.done)
	for _, fn := range callbacks {
		fn(result)
	}
}

// Caller issues calls and owns the semaphore bounding their sockets.
type Caller struct {
	config   Config
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewCaller creates a caller. Zero config fields take their defaults.
func NewCaller(config Config) *Caller {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.AcquireBackoff <= 0 {
		config.AcquireBackoff = def.AcquireBackoff
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.Dialer == nil {
		var d net.Dialer
		config.Dialer = d.DialContext
	}
	return &Caller{
		config: config,
		sem:    semaphore.NewWeighted(config.MaxConcurrent),
	}
}

var (
	defaultCallerOnce sync.Once
	defaultCaller     *Caller
)

// DefaultCaller returns the process-wide caller with the default configuration.
// Components that are not handed a caller share it, so their calls count against
// one socket bound.
func DefaultCaller() *Caller {
	defaultCallerOnce.Do(func() {
		defaultCaller = NewCaller(DefaultConfig())
	})
	return defaultCaller
}

// Config returns the effective configuration.
func (c *Caller) Config() Config {
	return c.config
}

// InFlight returns the number of calls currently holding a permit.
func (c *Caller) InFlight() int64 {
	return c.inFlight.Load()
}

// Call starts an invocation and returns immediately.
func (c *Caller) Call(ctx context.Context, target Target) *Call {
	call := &Call{
		id:     message.NextID(),
		target: target,
		done:   make(chan struct{}),
	}
	go func() {
		call.finish(c.run(ctx, call))
	}()
	return call
}

// Do calls target and waits for the result.
func (c *Caller) Do(ctx context.Context, target Target) Result {
	call := c.Call(ctx, target)
	<-call.Done()
	return call.Result()
}

func (c *Caller) run(ctx context.Context, call *Call) Result {
	target := call.target
	log := logger.Get(ctx).With(
		zap.Uint64("id", call.id),
		zap.String("addr", target.Addr()),
		zap.String("object", target.ObjectPath),
		zap.String("method", target.Method),
	)

	if err := target.validate(); err != nil {
		return Result{Message: err.Error()}
	}
	args, err := message.NormalizeArgs(target.Args)
	if err != nil {
		return Result{Message: err.Error()}
	}

	if err := c.acquire(ctx); err != nil {
		if errors.Is(err, errAcquireTimeout) {
			return failure(MsgQueueTimeout)
		}
		return failure(MsgCancelled)
	}
	c.inFlight.Add(1)
	defer func() {
		c.inFlight.Add(-1)
		c.sem.Release(1)
	}()

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	netConn, err := c.config.Dialer(connectCtx, "tcp", target.Addr())
	connectTimedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return failure(MsgCancelled)
		case connectTimedOut:
			return failure(MsgConnectTimeout)
		default:
			log.Debug("Connecting failed", zap.Error(err))
			return failure("connection failed: %s", errors.Cause(err))
		}
	}
	conn := transport.New(ctx, netConn, c.config.Transport)
	defer conn.Close()

	req := message.NewRequestWithID(call.id, message.KindInvoke, map[string]any{
		message.AttrObjectPath: target.ObjectPath,
		message.AttrMethod:     target.Method,
		message.AttrArgs:       args,
	})

	timer := time.NewTimer(c.config.CallTimeout)
	defer timer.Stop()

	if err := conn.Send(req); err != nil {
		log.Debug("Sending request failed", zap.Error(err))
		return failure(MsgConnectionCut)
	}

	for {
		select {
		case in, ok := <-conn.Messages():
			if !ok {
				return failure(MsgConnectionCut)
			}
			if in.Err != nil {
				continue
			}
			resp := in.Message
			if !resp.IsResponse || resp.ID != req.ID || resp.Kind != message.KindInvoke {
				log.Warn("Ignoring out-of-sequence message",
					zap.Uint64("gotID", resp.ID), zap.Stringer("kind", resp.Kind), zap.Bool("response", resp.IsResponse))
				continue
			}
			return Result{
				Value:   resp.Outcome.Value,
				Success: resp.Outcome.Success,
				Code:    resp.Outcome.Code,
				Message: resp.Outcome.Message,
			}
		case <-timer.C:
			return failure(MsgCallTimeout)
		case <-ctx.Done():
			return failure(MsgCancelled)
		}
	}
}

var errAcquireTimeout = errors.New("timed out waiting for a call permit")

// acquire takes one permit. When none is free it retries every AcquireBackoff
// until a permit is won, AcquireTimeout passes or ctx is done.
func (c *Caller) acquire(ctx context.Context) error {
	if c.sem.TryAcquire(1) {
		return nil
	}

	var deadline <-chan time.Time
	if c.config.AcquireTimeout > 0 {
		t := time.NewTimer(c.config.AcquireTimeout)
		defer t.Stop()
		deadline = t.C
	}

	backoff := time.NewTimer(c.config.AcquireBackoff)
	defer backoff.Stop()

	for {
		select {
		case <-backoff.C:
			if c.sem.TryAcquire(1) {
				return nil
			}
			backoff.Reset(c.config.AcquireBackoff)
		case <-deadline:
			return errAcquireTimeout
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}
