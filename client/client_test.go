package client

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"

	"mini-ipc/message"
	"mini-ipc/transport"
)

// peer is a minimal responder speaking the wire protocol.
type peer struct {
	ls       net.Listener
	accepted atomic.Int64
}

func startPeer(ctx context.Context, t *testing.T, handle func(c *transport.Connection, req *message.Message)) *peer {
	ls, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	p := &peer{ls: ls}
	go func() {
		for {
			raw, err := ls.Accept()
			if err != nil {
				return
			}
			p.accepted.Add(1)
			go func() {
				c := transport.New(ctx, raw, transport.Config{})
				defer c.Close()
				in, ok := <-c.Messages()
				if !ok || in.Err != nil {
					return
				}
				handle(c, in.Message)
			}()
		}
	}()
	return p
}

func (p *peer) target(method string, args ...any) Target {
	host, port, _ := net.SplitHostPort(p.ls.Addr().String())
	n, _ := strconv.Atoi(port)
	return Target{Host: host, Port: uint16(n), ObjectPath: "App.Calc", Method: method, Args: args}
}

func adder(c *transport.Connection, req *message.Message) {
	var sum int64
	for _, a := range req.List(message.AttrArgs) {
		sum += a.(int64)
	}
	_ = c.Send(message.NewResponse(req, message.Succeeded(sum)))
}

func TestCallSuccess(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p := startPeer(ctx, t, adder)
	caller := NewCaller(Config{})

	call := caller.Call(ctx, p.target("add", 2, 3))
	res, err := call.Wait(ctx)
	requireT.NoError(err)
	requireT.Equal(Result{Value: int64(5), Success: true}, res)
	requireT.EqualValues(0, caller.InFlight())
	requireT.EqualValues(1, p.accepted.Load())

	var got Result
	call.OnFinished(func(r Result) { got = r })
	requireT.Equal(res, got)
}

func TestCallPassesApplicationError(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {
		_ = c.Send(message.NewResponse(req, message.Outcome{Code: "E_DIV", Message: "division by zero"}))
	})

	res := NewCaller(Config{}).Do(ctx, p.target("div", 1, 0))
	requireT.False(res.Success)
	requireT.Equal("E_DIV", res.Code)
	requireT.Equal("division by zero", res.Message)
}

func TestCallValidationFailsWithoutIO(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p := startPeer(ctx, t, adder)
	caller := NewCaller(Config{})

	bad := []Target{
		{Port: 1, Method: "add"},
		{Host: "127.0.0.1", Method: "add"},
		{Host: "127.0.0.1", Port: 1},
	}
	for _, target := range bad {
		res := caller.Do(ctx, target)
		requireT.False(res.Success)
		requireT.Contains(res.Message, ErrInvalidTarget.Error())
	}

	res := caller.Do(ctx, p.target("add", make(chan int)))
	requireT.False(res.Success)
	requireT.EqualValues(0, p.accepted.Load())
}

func TestCallTimeout(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	release := make(chan struct{})
	defer close(release)
	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {
		<-release
	})

	caller := NewCaller(Config{CallTimeout: 200 * time.Millisecond})
	res := caller.Do(ctx, p.target("add"))
	requireT.False(res.Success)
	requireT.Equal(MsgCallTimeout, res.Message)
	requireT.EqualValues(0, caller.InFlight())
}

func TestConnectTimeout(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	caller := NewCaller(Config{
		ConnectTimeout: 100 * time.Millisecond,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	res := caller.Do(ctx, Target{Host: "127.0.0.1", Port: 9, Method: "add"})
	requireT.False(res.Success)
	requireT.Equal(MsgConnectTimeout, res.Message)
	requireT.EqualValues(0, caller.InFlight())
}

func TestConnectionRefused(t *testing.T) {
	ctx := qa.NewContext(t)

	ls, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ls.Addr().(*net.TCPAddr)
	require.NoError(t, ls.Close())

	res := NewCaller(Config{}).Do(ctx, Target{Host: "127.0.0.1", Port: uint16(addr.Port), Method: "add"})
	require.False(t, res.Success)
	require.Contains(t, res.Message, "connection failed")
}

func TestConnectionCutBeforeResponse(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {})

	res := NewCaller(Config{}).Do(ctx, p.target("add"))
	requireT.False(res.Success)
	requireT.Equal(MsgConnectionCut, res.Message)
}

func TestOutOfSequenceResponseIsIgnored(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {
		stray := &message.Message{ID: req.ID + 1000, Kind: message.KindInvoke, IsResponse: true}
		_ = c.Send(stray)
		_ = c.Send(message.NewRequest(message.KindSignalDelivery, nil))
		adder(c, req)
	})

	res := NewCaller(Config{}).Do(ctx, p.target("add", 1, 1))
	requireT.True(res.Success)
	requireT.Equal(int64(2), res.Value)
}

func TestSemaphoreBoundsOpenSockets(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	var active, maxActive atomic.Int64
	release := make(chan struct{})
	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		adder(c, req)
	})

	caller := NewCaller(Config{MaxConcurrent: 2, AcquireBackoff: 10 * time.Millisecond})

	const n = 6
	calls := make([]*Call, 0, n)
	for i := range n {
		calls = append(calls, caller.Call(ctx, p.target("add", i, 1)))
	}

	requireT.Eventually(func() bool { return p.accepted.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	requireT.EqualValues(2, p.accepted.Load())
	requireT.EqualValues(2, caller.InFlight())

	close(release)

	for i, call := range calls {
		res, err := call.Wait(ctx)
		requireT.NoError(err)
		requireT.True(res.Success, res.Message)
		requireT.Equal(int64(i+1), res.Value)
	}

	requireT.EqualValues(n, p.accepted.Load())
	requireT.LessOrEqual(maxActive.Load(), int64(2))
	requireT.EqualValues(0, caller.InFlight())
}

func TestAcquireTimeout(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	release := make(chan struct{})
	defer close(release)
	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {
		<-release
	})

	caller := NewCaller(Config{
		MaxConcurrent:  1,
		AcquireBackoff: 10 * time.Millisecond,
		AcquireTimeout: 150 * time.Millisecond,
	})

	first := caller.Call(ctx, p.target("add"))
	requireT.Eventually(func() bool { return caller.InFlight() == 1 }, 5*time.Second, 10*time.Millisecond)

	res := caller.Do(ctx, p.target("add"))
	requireT.False(res.Success)
	requireT.Equal(MsgQueueTimeout, res.Message)

	select {
	case <-first.Done():
		t.Fatal("first call must still be waiting")
	default:
	}
}

func TestCallCancelledByContext(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	release := make(chan struct{})
	defer close(release)
	p := startPeer(ctx, t, func(c *transport.Connection, req *message.Message) {
		<-release
	})

	callCtx, cancel := context.WithCancel(ctx)
	call := NewCaller(Config{}).Call(callCtx, p.target("add"))
	cancel()

	res, err := call.Wait(ctx)
	requireT.NoError(err)
	requireT.False(res.Success)
	requireT.Equal(MsgCancelled, res.Message)
}

func TestDefaultCallerIsShared(t *testing.T) {
	requireT := require.New(t)

	c := DefaultCaller()
	requireT.Same(c, DefaultCaller())
	requireT.Equal(DefaultConfig().MaxConcurrent, c.Config().MaxConcurrent)
}
