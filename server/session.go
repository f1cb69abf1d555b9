package server

import (
	"context"
	"sync"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-ipc/message"
	"mini-ipc/object"
	"mini-ipc/transport"
)

// session serves one activated object over one connection.
type session struct {
	obj    object.Object
	conn   *transport.Connection
	pushes chan *message.Message

	mu            sync.Mutex
	subscriptions map[string]func()
}

func newSession(obj object.Object, conn *transport.Connection, queueSize int) *session {
	return &session{
		obj:           obj,
		conn:          conn,
		pushes:        make(chan *message.Message, queueSize),
		subscriptions: map[string]func(){},
	}
}

// run blocks until the peer disconnects, the object is destroyed or ctx is done.
func (s *session) run(ctx context.Context) {
	defer s.close()

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Exit, s.receive)
		spawn("pusher", parallel.Fail, s.push)
		spawn("object", parallel.Exit, func(ctx context.Context) error {
			select {
			case <-s.obj.Done():
				logger.Get(ctx).Info("Object destroyed")
				return nil
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			}
		})
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Get(ctx).Debug("Session failed", zap.Error(err))
	}
}

func (s *session) close() {
	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = map[string]func(){}
	s.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	_ = s.conn.Close()
}

func (s *session) receive(ctx context.Context) error {
	log := logger.Get(ctx)

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case in, ok := <-s.conn.Messages():
			if !ok {
				if err := s.conn.Err(); err != nil {
					log.Info("Connection failed", zap.Error(err))
				}
				return nil
			}
			if in.Err != nil {
				continue
			}
			if in.Message.IsResponse {
				log.Warn("Ignoring unexpected response", zap.Uint64("id", in.Message.ID),
					zap.Stringer("kind", in.Message.Kind))
				continue
			}

			outcome := s.handle(ctx, in.Message)
			if err := s.conn.Send(message.NewResponse(in.Message, outcome)); err != nil {
				return err
			}
		}
	}
}

func (s *session) handle(ctx context.Context, req *message.Message) message.Outcome {
	switch req.Kind {
	case message.KindGetProperty:
		v, err := s.obj.ReadProperty(req.String(message.AttrProperty))
		if err != nil {
			return message.Outcome{Message: err.Error()}
		}
		return message.Succeeded(v)
	case message.KindSetProperty:
		name := req.String(message.AttrProperty)
		if err := s.obj.WriteProperty(name, req.Attributes[message.AttrValue]); err != nil {
			return message.Outcome{Message: err.Error()}
		}
		v, err := s.obj.ReadProperty(name)
		if err != nil {
			return message.Outcome{Message: err.Error()}
		}
		return message.Succeeded(v)
	case message.KindSubscribeSignal:
		return s.subscribe(ctx, req.String(message.AttrSignal))
	default:
		logger.Get(ctx).Warn("Unexpected request in session", zap.Stringer("kind", req.Kind))
		return message.Failed("%s requests are not accepted in an object session", req.Kind)
	}
}

// subscribe forwards every emission of signal to the peer. Subscribing twice to
// the same signal keeps one forwarder.
func (s *session) subscribe(ctx context.Context, signal string) message.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[signal]; exists {
		return message.Succeeded(nil)
	}

	log := logger.Get(ctx).With(zap.String("signal", signal))
	cancel, err := s.obj.Subscribe(signal, func(args []any) {
		s.enqueue(log, message.NewRequest(message.KindSignalDelivery, map[string]any{
			message.AttrSignal: signal,
			message.AttrArgs:   args,
		}))
	})
	if err != nil {
		return message.Outcome{Message: err.Error()}
	}
	s.subscriptions[signal] = cancel
	log.Debug("Signal subscribed")
	return message.Succeeded(nil)
}

// enqueue queues a push without blocking the emitter. A full queue loses its
// oldest push.
func (s *session) enqueue(log *zap.Logger, msg *message.Message) {
	for {
		select {
		case s.pushes <- msg:
			return
		default:
		}

		select {
		case old := <-s.pushes:
			log.Warn("Signal queue full, dropping oldest delivery", zap.Uint64("id", old.ID))
		default:
		}
	}
}

func (s *session) push(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case msg := <-s.pushes:
			if err := s.conn.Send(msg); err != nil {
				return err
			}
		}
	}
}
