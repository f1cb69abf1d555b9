// Package transport wraps one TCP socket into a message connection.
//
// A Connection runs a single background goroutine (recvLoop) that reads frames
// sequentially, decodes them and hands them to the owner through a channel.
// Writes are serialized by a mutex so concurrent senders never interleave frames.
//
//	owner ──Send(msg)──→ [sending mutex] ──→ socket
//	socket ──frame──→ recvLoop ──decode──→ Messages() channel ──→ owner
//
// The connection does not interpret message semantics and has no queue of its own.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("connection closed")

// Config tunes a connection.
type Config struct {
	MaxFrameSize  int           // 0 selects protocol.DefaultMaxFrameSize
	WriteTimeout  time.Duration // 0 disables write deadlines
	InboundBuffer int           // Decoded messages buffered before the reader stalls
}

// Inbound is one element of the receive stream. Err is set, and Message is nil,
// for a frame that arrived complete but could not be decoded; the stream continues after it.
type Inbound struct {
	Message *message.Message
	Err     error
}

// Connection owns one socket.
type Connection struct {
	conn   net.Conn
	codec  codec.Codec
	config Config
	log    *zap.Logger

	sending sync.Mutex // Whole frames only: header + body of one message at a time

	inbound chan Inbound
	closing chan struct{} // Closed by Close to unblock recvLoop
	done    chan struct{} // Closed when recvLoop has finished

	closeOnce sync.Once
	closed    atomic.Bool

	mu  sync.Mutex
	err error
}

// New wraps conn and starts the receive loop.
func New(ctx context.Context, conn net.Conn, config Config) *Connection {
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = 16
	}

	c := &Connection{
		conn:    conn,
		codec:   &codec.BinaryCodec{},
		config:  config,
		log:     logger.Get(ctx).With(zap.String("remote", conn.RemoteAddr().String())),
		inbound: make(chan Inbound, config.InboundBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Dial opens a TCP connection to addr. The dial is bounded by ctx.
func Dial(ctx context.Context, addr string, config Config) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return New(ctx, conn, config), nil
}

// Send encodes msg, frames it and writes it. It blocks while the socket applies backpressure.
func (c *Connection) Send(msg *message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}

	body, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return errors.WithStack(err)
		}
	}
	return protocol.WriteFrame(c.conn, body)
}

// Messages returns the receive stream. Messages arrive in receipt order.
// The channel is closed when the socket closes; Err then tells a graceful
// closure (nil) from an I/O fault.
func (c *Connection) Messages() <-chan Inbound {
	return c.inbound
}

// Done is closed once the connection is fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the fault that ended the connection, or nil for a graceful closure.
// It is meaningful after Done is closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		err = c.conn.Close()
	})
	return errors.WithStack(err)
}

func (c *Connection) recvLoop() {
	defer close(c.done)
	defer close(c.inbound)

	for {
		body, err := protocol.ReadFrame(c.conn, c.config.MaxFrameSize)
		if err != nil {
			c.finish(err)
			return
		}

		in := Inbound{}
		in.Message, in.Err = c.codec.Decode(body)
		if in.Err == nil {
			in.Err = in.Message.Validate()
		}
		if in.Err != nil {
			in.Message = nil
			c.log.Warn("Dropping undecodable frame", zap.Int("size", len(body)), zap.Error(in.Err))
		}

		select {
		case c.inbound <- in:
		case <-c.closing:
			c.finish(nil)
			return
		}
	}
}

func (c *Connection) finish(err error) {
	if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if err != nil {
		c.log.Debug("Connection failed", zap.Error(err))
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	_ = c.Close()
}
