// Package proxy implements a long-lived client session bound to one remote object.
//
// A Proxy activates the object over its own connection, caches the object's
// properties, signals and methods, and then serves GetProperty, SetProperty and
// SubscribeSignal requests strictly one at a time in FIFO order. Signal deliveries
// pushed by the server bypass the queue. Method invocations use independent
// one-shot calls.
package proxy

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-ipc/client"
	"mini-ipc/message"
	"mini-ipc/object"
	"mini-ipc/transport"
)

// Failure messages delivered to request handlers and events.
const (
	MsgConnectionLost    = "connection lost"
	MsgRequestTimeout    = "request timeout"
	MsgActivationTimeout = "activation timeout"
)

var (
	// ErrNotActivated is returned by requests issued before activation finished.
	ErrNotActivated = errors.New("proxy not activated")

	// ErrUnknownProperty is returned for a property the remote object does not have.
	ErrUnknownProperty = errors.New("unknown property")

	// ErrUnknownSignal is returned for a signal the remote object does not have.
	ErrUnknownSignal = errors.New("unknown signal")

	// ErrUnknownMethod is returned for a method the remote object does not expose.
	ErrUnknownMethod = errors.New("unknown method")
)

// Handler receives the outcome of one request.
type Handler func(client.Result)

// SignalHandler receives the arguments of every delivery of a subscribed signal.
type SignalHandler func(args []any)

// Config configures a Proxy.
type Config struct {
	Host       string
	Port       uint16
	ObjectPath string

	// ActivationTimeout bounds connecting plus the activation handshake.
	ActivationTimeout time.Duration

	// RequestTimeout bounds each queued request from the moment it is queued.
	RequestTimeout time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Transport transport.Config
}

// DefaultConfig returns timeouts matching the client defaults.
func DefaultConfig() Config {
	return Config{
		ActivationTimeout: 10 * time.Second,
		RequestTimeout:    10 * time.Second,
		EventBuffer:       64,
	}
}

type request struct {
	msg      *message.Message
	handler  Handler
	timer    *time.Timer
	property string
	value    any
	signal   string
	subID    uint64
}

type subscriber struct {
	id uint64
	fn SignalHandler
}

// Proxy mirrors one remote object.
type Proxy struct {
	ctx    context.Context
	config Config
	caller *client.Caller
	events chan Event

	mu           sync.Mutex
	state        State
	gen          uint64
	conn         *transport.Connection
	activationID uint64
	activation   *time.Timer
	properties   map[string]any
	signals      map[string]bool
	invokables   map[string]string
	queue        []*request
	inFlight     *request
	subscribers  map[string][]subscriber
	nextSubID    uint64
}

// New creates a proxy and starts activating it. InvokeMethod calls go through
// caller; a nil caller selects client.DefaultCaller.
func New(ctx context.Context, config Config, caller *client.Caller) *Proxy {
	defaults := DefaultConfig()
	if config.ActivationTimeout <= 0 {
		config.ActivationTimeout = defaults.ActivationTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if caller == nil {
		caller = client.DefaultCaller()
	}

	p := &Proxy{
		ctx: logger.WithLogger(ctx, logger.Get(ctx).With(zap.String("object", config.ObjectPath),
			zap.String("addr", net.JoinHostPort(config.Host, strconv.Itoa(int(config.Port)))))),
		config: config,
		caller: caller,
		events: make(chan Event, config.EventBuffer),
	}
	p.resetCache()
	p.Reactivate()
	return p
}

// Events delivers proxy events. Events that do not fit into the channel are
// dropped and logged.
func (p *Proxy) Events() <-chan Event {
	return p.events
}

// State returns the activation state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Reactivate opens a new connection and activates the object. It does nothing
// unless the proxy is inactive.
func (p *Proxy) Reactivate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInactive || p.conn != nil {
		return
	}
	p.state = StateActivating
	p.gen++
	gen := p.gen
	p.activation = time.AfterFunc(p.config.ActivationTimeout, func() {
		p.activationTimedOut(gen)
	})

	go p.activate(gen)
}

// Close drops the connection, fails pending requests with "connection lost" and
// returns the proxy to the inactive state.
func (p *Proxy) Close() {
	p.mu.Lock()
	prev := p.state
	conn, pending := p.teardown()
	p.state = StateInactive
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.failAll(pending, MsgConnectionLost)
	if prev == StateActivated {
		p.emit(Event{Kind: EventDeactivated})
	}
}

// Properties returns the cached property values.
func (p *Proxy) Properties() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]any, len(p.properties))
	for k, v := range p.properties {
		out[k] = v
	}
	return out
}

// Property returns the cached value of one property.
func (p *Proxy) Property(name string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, exists := p.properties[name]
	return v, exists
}

// Signals returns the signal signatures captured at activation.
func (p *Proxy) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.signals))
	for sig := range p.signals {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

// Invokables returns the method signatures captured at activation.
func (p *Proxy) Invokables() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.invokables))
	for _, sig := range p.invokables {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

// GetProperty queues a read of name. The cached value is refreshed from the response.
func (p *Proxy) GetProperty(name string, handler Handler) (uint64, error) {
	return p.enqueue(func() (*request, error) {
		if _, exists := p.properties[name]; !exists {
			return nil, errors.Wrapf(ErrUnknownProperty, "%q", name)
		}
		return &request{
			msg: message.NewRequest(message.KindGetProperty, map[string]any{
				message.AttrProperty: name,
			}),
			handler:  handler,
			property: name,
		}, nil
	})
}

// SetProperty queues a write of name. The cached value is updated once the server accepts it.
func (p *Proxy) SetProperty(name string, value any, handler Handler) (uint64, error) {
	v, err := message.Normalize(value)
	if err != nil {
		return 0, err
	}
	return p.enqueue(func() (*request, error) {
		if _, exists := p.properties[name]; !exists {
			return nil, errors.Wrapf(ErrUnknownProperty, "%q", name)
		}
		return &request{
			msg: message.NewRequest(message.KindSetProperty, map[string]any{
				message.AttrProperty: name,
				message.AttrValue:    v,
			}),
			handler:  handler,
			property: name,
			value:    v,
		}, nil
	})
}

// SubscribeSignal queues a subscription to signature. fn is called for every
// delivery from now on, even before the server confirms the subscription. A
// rejected subscription removes fn again.
func (p *Proxy) SubscribeSignal(signature string, fn SignalHandler) (uint64, error) {
	return p.enqueue(func() (*request, error) {
		if !p.signals[signature] {
			return nil, errors.Wrapf(ErrUnknownSignal, "%q", signature)
		}
		p.nextSubID++
		p.subscribers[signature] = append(p.subscribers[signature], subscriber{id: p.nextSubID, fn: fn})
		return &request{
			msg: message.NewRequest(message.KindSubscribeSignal, map[string]any{
				message.AttrSignal: signature,
			}),
			signal: signature,
			subID:  p.nextSubID,
		}, nil
	})
}

// InvokeMethod calls name on the remote object through an independent one-shot
// call. handler and the RequestFinished event follow its completion.
func (p *Proxy) InvokeMethod(ctx context.Context, name string, args []any, handler Handler) (uint64, error) {
	p.mu.Lock()
	if p.state != StateActivated {
		p.mu.Unlock()
		return 0, errors.WithStack(ErrNotActivated)
	}
	_, exists := p.invokables[object.MethodName(name)]
	p.mu.Unlock()

	if !exists {
		return 0, errors.Wrapf(ErrUnknownMethod, "%q", name)
	}

	call := p.caller.Call(ctx, client.Target{
		Host:       p.config.Host,
		Port:       p.config.Port,
		ObjectPath: p.config.ObjectPath,
		Method:     object.MethodName(name),
		Args:       args,
	})
	call.OnFinished(func(res client.Result) {
		if handler != nil {
			handler(res)
		}
		p.emit(Event{Kind: EventRequestFinished, RequestID: call.ID()})
	})
	return call.ID(), nil
}

func (p *Proxy) enqueue(build func() (*request, error)) (uint64, error) {
	p.mu.Lock()
	if p.state != StateActivated {
		p.mu.Unlock()
		return 0, errors.WithStack(ErrNotActivated)
	}
	req, err := build()
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	req.timer = time.AfterFunc(p.config.RequestTimeout, func() {
		p.requestTimedOut(req)
	})
	p.queue = append(p.queue, req)
	p.mu.Unlock()

	p.sendNext()
	return req.msg.ID, nil
}

// sendNext puts the head of the queue on the wire when no request is in flight.
func (p *Proxy) sendNext() {
	p.mu.Lock()
	if p.state != StateActivated || p.inFlight != nil || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	req := p.queue[0]
	p.queue = p.queue[1:]
	p.inFlight = req
	conn := p.conn
	p.mu.Unlock()

	if err := conn.Send(req.msg); err != nil {
		logger.Get(p.ctx).Error("Sending request failed", zap.Uint64("id", req.msg.ID), zap.Error(err))
		// The receive loop reports the disconnect and fails every pending request.
		_ = conn.Close()
	}
}

func (p *Proxy) activate(gen uint64) {
	log := logger.Get(p.ctx)

	dialCtx, cancel := context.WithTimeout(p.ctx, p.config.ActivationTimeout)
	netConn, err := p.caller.Config().Dialer(dialCtx, "tcp",
		net.JoinHostPort(p.config.Host, strconv.Itoa(int(p.config.Port))))
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		reason := client.MsgConnectTimeout
		if !timedOut {
			reason = "connection failed: " + errors.Cause(err).Error()
		}
		log.Debug("Connecting failed", zap.Error(err))
		p.activationFailed(gen, reason)
		return
	}

	conn := transport.New(p.ctx, netConn, p.config.Transport)
	req := message.NewRequest(message.KindObjectActivation, map[string]any{
		message.AttrObjectPath: p.config.ObjectPath,
	})

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.conn = conn
	p.activationID = req.ID
	p.mu.Unlock()

	go p.receive(gen, conn)

	if err := conn.Send(req); err != nil {
		log.Debug("Sending activation request failed", zap.Error(err))
		_ = conn.Close()
	}
}

func (p *Proxy) receive(gen uint64, conn *transport.Connection) {
	log := logger.Get(p.ctx)

	for in := range conn.Messages() {
		if in.Err != nil {
			log.Warn("Dropping undecodable frame", zap.Error(in.Err))
			continue
		}
		p.dispatch(gen, in.Message)
	}

	if err := conn.Err(); err != nil {
		log.Info("Connection failed", zap.Error(err))
	}
	p.disconnected(gen)
}

func (p *Proxy) dispatch(gen uint64, msg *message.Message) {
	log := logger.Get(p.ctx).With(zap.Uint64("id", msg.ID), zap.Stringer("kind", msg.Kind))

	if !msg.IsResponse {
		if msg.Kind != message.KindSignalDelivery {
			log.Warn("Ignoring unexpected request")
			return
		}
		p.deliverSignal(gen, msg)
		return
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}

	switch p.state {
	case StateActivating:
		if msg.Kind != message.KindObjectActivation || msg.ID != p.activationID {
			p.mu.Unlock()
			log.Warn("Ignoring out-of-sequence response during activation")
			return
		}
		p.finishActivation(msg)
	case StateActivated:
		req := p.inFlight
		if req == nil || req.msg.ID != msg.ID || req.msg.Kind != msg.Kind {
			p.mu.Unlock()
			log.Warn("Ignoring out-of-sequence response")
			return
		}
		p.finishRequest(req, msg.Outcome)
	default:
		p.mu.Unlock()
	}
}

// finishActivation is called with p.mu held and releases it.
func (p *Proxy) finishActivation(msg *message.Message) {
	p.activation.Stop()

	if !msg.Outcome.Success {
		conn, _ := p.teardown()
		p.state = StateFailedToActivate
		p.mu.Unlock()

		_ = conn.Close()
		logger.Get(p.ctx).Info("Activation rejected", zap.String("reason", msg.Outcome.Message))
		p.emit(Event{Kind: EventCouldNotActivate, Reason: msg.Outcome.Message})
		return
	}

	for name, v := range msg.Map(message.AttrProperties) {
		p.properties[name] = v
	}
	for _, sig := range msg.Strings(message.AttrSignals) {
		p.signals[sig] = true
	}
	for _, sig := range msg.Strings(message.AttrInvokables) {
		p.invokables[object.MethodName(sig)] = sig
	}
	p.state = StateActivated
	p.mu.Unlock()

	logger.Get(p.ctx).Debug("Object activated")
	p.emit(Event{Kind: EventActivated})
	p.sendNext()
}

// finishRequest is called with p.mu held and releases it.
func (p *Proxy) finishRequest(req *request, outcome message.Outcome) {
	p.inFlight = nil
	req.timer.Stop()

	var updated bool
	var value any
	switch {
	case req.msg.Kind == message.KindGetProperty && outcome.Success:
		value, updated = outcome.Value, true
	case req.msg.Kind == message.KindSetProperty && outcome.Success:
		value, updated = req.value, true
		if outcome.Value != nil {
			value = outcome.Value
		}
	case req.msg.Kind == message.KindSubscribeSignal && !outcome.Success:
		p.removeSubscriber(req.signal, req.subID)
	}
	if updated {
		p.properties[req.property] = value
	}
	p.mu.Unlock()

	p.complete(req, client.Result{
		Value:   outcome.Value,
		Success: outcome.Success,
		Code:    outcome.Code,
		Message: outcome.Message,
	})
	if updated {
		p.emit(Event{Kind: EventPropertyUpdated, Property: req.property, Value: value})
	}
	p.sendNext()
}

func (p *Proxy) deliverSignal(gen uint64, msg *message.Message) {
	signature := msg.String(message.AttrSignal)
	args := msg.List(message.AttrArgs)

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	subs := append([]subscriber(nil), p.subscribers[signature]...)
	p.mu.Unlock()

	for _, s := range subs {
		s.fn(args)
	}
	p.emit(Event{Kind: EventSignalOccurred, Signature: signature, Args: args})
}

func (p *Proxy) requestTimedOut(req *request) {
	p.mu.Lock()
	switch {
	case p.inFlight == req:
		p.inFlight = nil
	case p.dequeue(req):
	default:
		p.mu.Unlock()
		return
	}
	if req.signal != "" {
		p.removeSubscriber(req.signal, req.subID)
	}
	p.mu.Unlock()

	logger.Get(p.ctx).Warn("Request timed out", zap.Uint64("id", req.msg.ID), zap.Stringer("kind", req.msg.Kind))
	p.complete(req, client.Result{Message: MsgRequestTimeout})
	p.sendNext()
}

func (p *Proxy) activationTimedOut(gen uint64) {
	p.mu.Lock()
	if p.gen != gen || p.state != StateActivating {
		p.mu.Unlock()
		return
	}
	conn, _ := p.teardown()
	p.state = StateFailedToActivate
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	logger.Get(p.ctx).Info("Activation timed out")
	p.emit(Event{Kind: EventCouldNotActivate, Reason: MsgActivationTimeout})
}

func (p *Proxy) activationFailed(gen uint64, reason string) {
	p.mu.Lock()
	if p.gen != gen || p.state != StateActivating {
		p.mu.Unlock()
		return
	}
	p.teardown()
	p.state = StateFailedToActivate
	p.mu.Unlock()

	p.emit(Event{Kind: EventCouldNotActivate, Reason: reason})
}

func (p *Proxy) disconnected(gen uint64) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	prev := p.state
	_, pending := p.teardown()
	if prev == StateActivating {
		p.state = StateFailedToActivate
	} else {
		p.state = StateInactive
	}
	p.mu.Unlock()

	p.failAll(pending, MsgConnectionLost)
	switch prev {
	case StateActivated:
		logger.Get(p.ctx).Info("Connection lost")
		p.emit(Event{Kind: EventDeactivated})
	case StateActivating:
		p.emit(Event{Kind: EventCouldNotActivate, Reason: MsgConnectionLost})
	}
}

// teardown detaches the connection and clears cached state. It is called with
// p.mu held and returns what the caller must close and fail after unlocking.
func (p *Proxy) teardown() (*transport.Connection, []*request) {
	p.gen++
	if p.activation != nil {
		p.activation.Stop()
		p.activation = nil
	}

	var pending []*request
	if p.inFlight != nil {
		pending = append(pending, p.inFlight)
	}
	pending = append(pending, p.queue...)
	p.inFlight = nil
	p.queue = nil
	for _, req := range pending {
		req.timer.Stop()
	}

	conn := p.conn
	p.conn = nil
	p.activationID = 0
	p.resetCache()
	return conn, pending
}

func (p *Proxy) resetCache() {
	p.properties = map[string]any{}
	p.signals = map[string]bool{}
	p.invokables = map[string]string{}
	p.subscribers = map[string][]subscriber{}
}

func (p *Proxy) dequeue(req *request) bool {
	for i, r := range p.queue {
		if r == req {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Proxy) removeSubscriber(signature string, id uint64) {
	subs := p.subscribers[signature]
	for i, s := range subs {
		if s.id == id {
			p.subscribers[signature] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (p *Proxy) failAll(pending []*request, reason string) {
	for _, req := range pending {
		p.complete(req, client.Result{Message: reason})
	}
}

func (p *Proxy) complete(req *request, res client.Result) {
	if req.handler != nil {
		req.handler(res)
	}
	if !res.Success {
		p.emit(Event{Kind: EventError, RequestID: req.msg.ID, Reason: res.Message})
	}
	p.emit(Event{Kind: EventRequestFinished, RequestID: req.msg.ID})
}

func (p *Proxy) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		logger.Get(p.ctx).Warn("Event channel full, event dropped", zap.Stringer("event", ev.Kind))
	}
}
