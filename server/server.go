// Package server accepts IPC connections and serves the objects of an
// object.Registry.
//
// The first message of every accepted connection decides its fate:
//
//	Invoke             → middleware chain → Registry.Invoke → one response, close
//	ObjectActivation   → resolve + meta access check → response with snapshot → session
//
// A session lives until the peer disconnects, the object is destroyed or the
// server shuts down.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-ipc/discovery"
	"mini-ipc/message"
	"mini-ipc/middleware"
	"mini-ipc/object"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

// Config configures a Server.
type Config struct {
	// FirstMessageTimeout closes connections that stay silent after accept.
	FirstMessageTimeout time.Duration

	// InvokeTimeout bounds one-shot invocations, 0 disables the bound.
	InvokeTimeout time.Duration

	// RateLimit is the number of invocations per second, 0 disables limiting.
	RateLimit float64
	RateBurst int

	// SignalQueueSize is the number of signal pushes a session buffers. When the
	// queue is full the oldest push is dropped.
	SignalQueueSize int

	// RegistryTTL is the lease of endpoints published with Publish, in seconds.
	RegistryTTL int64

	Transport transport.Config
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		FirstMessageTimeout: 10 * time.Second,
		SignalQueueSize:     256,
		RegistryTTL:         10,
	}
}

// Server is an IPC server.
type Server struct {
	ctx     context.Context
	config  Config
	objects object.Registry
	local   *discovery.LocalServers
	id      string

	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	mu          sync.Mutex
	listener    net.Listener
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	registry    registry.Registry
	endpoint    registry.Endpoint

	wg       sync.WaitGroup // One-shot invocations in progress
	shutdown atomic.Bool
}

// New creates a server serving objects. local receives the server once it
// listens, so discovery can advertise it; it may be nil.
func New(ctx context.Context, objects object.Registry, config Config, local *discovery.LocalServers) *Server {
	defaults := DefaultConfig()
	if config.FirstMessageTimeout <= 0 {
		config.FirstMessageTimeout = defaults.FirstMessageTimeout
	}
	if config.SignalQueueSize <= 0 {
		config.SignalQueueSize = defaults.SignalQueueSize
	}
	if config.RegistryTTL <= 0 {
		config.RegistryTTL = defaults.RegistryTTL
	}

	id := uuid.NewString()
	ctx = logger.WithLogger(ctx, logger.Get(ctx).With(zap.String("serverID", id)))
	sessionCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		ctx:            ctx,
		config:         config,
		objects:        objects,
		local:          local,
		id:             id,
		sessionCtx:     sessionCtx,
		cancelSessions: cancel,
		middlewares:    []middleware.Middleware{middleware.LoggingMiddleware()},
	}
	if config.RateLimit > 0 {
		s.middlewares = append(s.middlewares, middleware.RateLimitMiddleware(config.RateLimit, config.RateBurst))
	}
	if config.InvokeTimeout > 0 {
		s.middlewares = append(s.middlewares, middleware.TimeOutMiddleware(config.InvokeTimeout))
	}
	return s
}

// ID returns the random identifier of this server instance.
func (s *Server) ID() string {
	return s.id
}

// Use appends a middleware to the Invoke pipeline. Middlewares run in the order
// they are added, after the built-in ones. Use must be called before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.middlewares = append(s.middlewares, mw)
}

// Listen binds addr and announces the server in the local server list.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server already listening")
	}
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	s.listener = ls

	if s.local != nil {
		s.local.Add(s.id, s.port())
	}
	logger.Get(s.ctx).Info("Server listening", zap.Stringer("addr", ls.Addr()))
	return nil
}

// Addr returns the bound address or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port or 0 before Listen.
func (s *Server) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.port()
}

func (s *Server) port() uint16 {
	if s.listener == nil {
		return 0
	}
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// Publish registers the server in reg under user. advertiseHost is the address
// other hosts use to reach the server, since the listen address may be a wildcard.
func (s *Server) Publish(reg registry.Registry, user, advertiseHost string) error {
	s.mu.Lock()
	port := s.port()
	s.mu.Unlock()

	if port == 0 {
		return errors.New("server not listening")
	}

	endpoint := registry.Endpoint{User: user, Host: advertiseHost, Port: port, ServerID: s.id}
	if err := reg.Register(s.ctx, endpoint, s.config.RegistryTTL); err != nil {
		return err
	}

	s.mu.Lock()
	s.registry = reg
	s.endpoint = endpoint
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Shutdown is called or the context of the
// server is done.
func (s *Server) Serve() error {
	s.mu.Lock()
	ls := s.listener
	s.handler = middleware.Chain(s.middlewares...)(s.invoke)
	s.mu.Unlock()

	if ls == nil {
		return errors.New("server not listening")
	}

	err := parallel.Run(s.ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("acceptor", parallel.Exit, func(ctx context.Context) error {
			for {
				conn, err := ls.Accept()
				if err != nil {
					if s.shutdown.Load() || ctx.Err() != nil {
						return nil
					}
					s.cancelSessions()
					return errors.WithStack(err)
				}
				if !s.track() {
					_ = conn.Close()
					return nil
				}
				spawn("conn", parallel.Continue, func(ctx context.Context) error {
					defer s.wg.Done()

					s.handleConn(conn)
					return nil
				})
			}
		})
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			_ = ls.Close()
			return nil
		})
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the server:
//  1. withdraws it from the local server list and the registry
//  2. closes the listener
//  3. ends every session
//  4. waits up to timeout for one-shot invocations to finish
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	ls := s.listener
	reg := s.registry
	endpoint := s.endpoint
	s.registry = nil
	s.shutdown.Store(true)
	s.mu.Unlock()

	if s.local != nil {
		s.local.Remove(s.id)
	}
	if reg != nil {
		if err := reg.Deregister(s.ctx, endpoint); err != nil {
			logger.Get(s.ctx).Warn("Deregistering failed", zap.Error(err))
		}
	}

	if ls != nil {
		_ = ls.Close()
	}
	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Get(s.ctx).Info("Server stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for ongoing requests to finish")
	}
}

// track counts a new connection for Shutdown to wait on. It fails once shutdown
// has started, so the counter never grows while Shutdown waits.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleConn(raw net.Conn) {
	ctx := logger.WithLogger(s.sessionCtx, logger.Get(s.sessionCtx).With(zap.Stringer("remote", raw.RemoteAddr())))
	log := logger.Get(ctx)
	conn := transport.New(ctx, raw, s.config.Transport)

	first, err := s.firstMessage(ctx, conn)
	if err != nil {
		log.Debug("Closing connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	switch first.Kind {
	case message.KindInvoke:
		// Invocations run on the server context so Shutdown lets them finish.
		outcome := s.handler(logger.WithLogger(s.ctx, log), first)
		s.replyAndClose(ctx, conn, first, outcome)
	case message.KindObjectActivation:
		s.activate(ctx, conn, first)
	default:
		s.replyAndClose(ctx, conn, first, message.Failed("Unexpected %s request on a new connection", first.Kind))
	}
}

func (s *Server) firstMessage(ctx context.Context, conn *transport.Connection) (*message.Message, error) {
	timer := time.NewTimer(s.config.FirstMessageTimeout)
	defer timer.Stop()

	for {
		select {
		case in, ok := <-conn.Messages():
			if !ok {
				return nil, errors.New("connection closed before first message")
			}
			if in.Err != nil {
				logger.Get(ctx).Warn("Dropping undecodable frame", zap.Error(in.Err))
				continue
			}
			if in.Message.IsResponse {
				return nil, errors.Errorf("unexpected %s response as first message", in.Message.Kind)
			}
			return in.Message, nil
		case <-timer.C:
			return nil, errors.New("no message received in time")
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

func (s *Server) activate(ctx context.Context, conn *transport.Connection, req *message.Message) {
	path := req.String(message.AttrObjectPath)
	ctx = logger.WithLogger(ctx, logger.Get(ctx).With(zap.String("object", path)))
	log := logger.Get(ctx)

	obj, exists := s.objects.Resolve(path)
	if !exists {
		log.Info("Activation of unknown object")
		s.replyAndClose(ctx, conn, req, message.Outcome{Message: object.NotFoundMessage(path)})
		return
	}
	if !obj.MetaAccessAllowed() {
		log.Info("Activation refused")
		s.replyAndClose(ctx, conn, req, message.Outcome{Message: object.MetaAccessDeniedMessage(path)})
		return
	}

	resp := message.NewResponse(req, message.Succeeded(nil))
	resp.Attributes[message.AttrProperties] = obj.Properties()
	resp.Attributes[message.AttrSignals] = obj.Signals()
	resp.Attributes[message.AttrInvokables] = obj.Invokables()
	if err := conn.Send(resp); err != nil {
		log.Warn("Sending activation response failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	log.Info("Session started")
	newSession(obj, conn, s.config.SignalQueueSize).run(ctx)
	log.Info("Session ended")
}

func (s *Server) replyAndClose(ctx context.Context, conn *transport.Connection, req *message.Message, outcome message.Outcome) {
	if err := conn.Send(message.NewResponse(req, outcome)); err != nil {
		logger.Get(ctx).Warn("Sending response failed", zap.Uint64("id", req.ID), zap.Error(err))
	}
	_ = conn.Close()
}

// invoke ends the middleware chain.
func (s *Server) invoke(ctx context.Context, req *message.Message) message.Outcome {
	return s.objects.Invoke(ctx, req.String(message.AttrObjectPath), req.String(message.AttrMethod),
		req.List(message.AttrArgs))
}

// String returns "server(id@port)".
func (s *Server) String() string {
	return "server(" + s.id + "@" + strconv.Itoa(int(s.Port())) + ")"
}
