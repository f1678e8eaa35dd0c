package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fabric-rpc/codec"
	"fabric-rpc/contract"
	"fabric-rpc/loadbalance"
	"fabric-rpc/message"
	"fabric-rpc/middleware"
	"fabric-rpc/protocol"
	"fabric-rpc/rpcerr"
	"fabric-rpc/server"
)

type Greeter interface {
	Hello(name string) (string, error)
	Fail(code int) error
	Block(ctx context.Context) error
	Add(ctx context.Context, a, b int) int
}

var ErrNoName = errors.New("greeter: empty name")

var greeterContract = contract.MustNew((*Greeter)(nil)).RegisterErrors(ErrNoName)

type greeter struct {
	entered atomic.Int32
	release chan struct{}
}

func (g *greeter) Hello(name string) (string, error) {
	if name == "" {
		return "", ErrNoName
	}
	return "Hello " + name + "!", nil
}

func (g *greeter) Fail(code int) error { return fmt.Errorf("failed with %d", code) }

func (g *greeter) Block(ctx context.Context) error {
	g.entered.Add(1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *greeter) Add(_ context.Context, a, b int) int { return a + b }

type fixture struct {
	svr  *server.Invoker
	svc  *greeter
	addr string
}

func startFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	svr := server.NewInvoker(append([]server.Option{
		server.WithLogger(zap.NewNop()),
		server.WithShutdownGrace(50 * time.Millisecond),
	}, opts...)...)
	svc := &greeter{release: make(chan struct{})}
	require.NoError(t, svr.RegisterService("greeter", server.Singleton(svc), greeterContract))
	require.NoError(t, svr.Start("tcp://127.0.0.1:0"))
	t.Cleanup(func() { _ = svr.Stop() })
	// Runs before the server stops, so blocked calls never hold up Stop
	t.Cleanup(func() { close(svc.release) })
	return &fixture{svr: svr, svc: svc, addr: svr.Addr()}
}

func startClient(t *testing.T, opts ...Option) *Invoker {
	t.Helper()
	inv := NewInvoker(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, inv.Start())
	t.Cleanup(func() { _ = inv.Stop() })
	return inv
}

func greeterProxy(t *testing.T, inv *Invoker, addr string) *Proxy {
	t.Helper()
	p, err := inv.GetProxy(addr, "greeter", greeterContract)
	require.NoError(t, err)
	return p
}

// asyncCall runs a call in the background and reports its error.
func asyncCall(p *Proxy, method string, args ...any) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- p.Call(context.Background(), method, nil, args...) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return nil
	}
}

func TestEcho(t *testing.T) {
	f := startFixture(t)
	p := greeterProxy(t, startClient(t), f.addr)

	var greeting string
	require.NoError(t, p.Call(context.Background(), "Hello", &greeting, "Fabric"))
	assert.Equal(t, "Hello Fabric!", greeting)

	var sum int
	require.NoError(t, p.Call(context.Background(), "Add", &sum, 2, 40))
	assert.Equal(t, 42, sum)
}

func TestBinaryCodec(t *testing.T) {
	f := startFixture(t)
	p := greeterProxy(t, startClient(t, WithCodec(codec.CodecTypeBinary)), f.addr)

	var greeting string
	require.NoError(t, p.Call(context.Background(), "Hello", &greeting, "proto"))
	assert.Equal(t, "Hello proto!", greeting)
}

func TestConcurrentLoad(t *testing.T) {
	callers, calls := 100, 1000
	if testing.Short() {
		callers, calls = 10, 100
	}

	f := startFixture(t)
	inv := startClient(t)
	p := greeterProxy(t, inv, f.addr)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < calls; j++ {
				name := fmt.Sprintf("%d-%d", i, j)
				var greeting string
				if err := p.Call(context.Background(), "Hello", &greeting, name); err != nil {
					return err
				}
				if want := "Hello " + name + "!"; greeting != want {
					return fmt.Errorf("got %q, want %q", greeting, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, inv.Connections())
}

func TestRemoteErrors(t *testing.T) {
	f := startFixture(t)
	p := greeterProxy(t, startClient(t), f.addr)

	var greeting string
	err := p.Call(context.Background(), "Hello", &greeting, "")
	require.ErrorIs(t, err, ErrNoName)
	assert.Equal(t, ErrNoName.Error(), err.Error())
	assert.False(t, rpcerr.IsTransport(err))

	err = p.Call(context.Background(), "Fail", nil, 7)
	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "failed with 7", remote.Message)
	assert.Equal(t, "*errors.errorString", remote.Type)
	assert.Nil(t, remote.Err)
}

func TestProtocolErrors(t *testing.T) {
	f := startFixture(t)
	inv := startClient(t)

	missing, err := inv.GetProxy(f.addr, "nobody", greeterContract)
	require.NoError(t, err)
	err = missing.Call(context.Background(), "Hello", nil, "x")
	require.ErrorIs(t, err, rpcerr.ErrServiceNotFound)
	assert.Equal(t, "rpc: service not found: nobody", err.Error())
	assert.False(t, rpcerr.IsTransport(err))

	// The connection survives the failure
	var greeting string
	require.NoError(t, greeterProxy(t, inv, f.addr).Call(context.Background(), "Hello", &greeting, "again"))
}

func TestRateLimitedCall(t *testing.T) {
	svr := server.NewInvoker(server.WithLogger(zap.NewNop()), server.WithMiddleware(middleware.RateLimitMiddleware(0.001, 1)))
	require.NoError(t, svr.RegisterService("greeter", server.Singleton(&greeter{}), greeterContract))
	require.NoError(t, svr.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = svr.Stop() })

	p := greeterProxy(t, startClient(t), svr.Addr())
	require.NoError(t, p.Call(context.Background(), "Hello", nil, "first"))
	err := p.Call(context.Background(), "Hello", nil, "second")
	require.ErrorIs(t, err, rpcerr.ErrRateLimited)
	assert.Equal(t, rpcerr.ErrRateLimited.Error(), err.Error())
}

func TestCallValidation(t *testing.T) {
	inv := startClient(t)
	p := greeterProxy(t, inv, "tcp://127.0.0.1:1")

	var greeting string
	require.ErrorIs(t, p.Call(context.Background(), "Goodbye", nil), rpcerr.ErrSerialization)
	require.ErrorIs(t, p.Call(context.Background(), "Hello", &greeting, 42), rpcerr.ErrSerialization)
	require.ErrorIs(t, p.Call(context.Background(), "Hello", &greeting), rpcerr.ErrSerialization)
	require.ErrorIs(t, p.Call(context.Background(), "Hello", greeting, "x"), rpcerr.ErrSerialization)
	assert.Zero(t, inv.Connections(), "nothing is sent for an invalid call")

	_, err := inv.GetProxy("not an address", "greeter", greeterContract)
	require.Error(t, err)
	_, err = inv.GetProxy("carrier-pigeon://127.0.0.1:1", "greeter", greeterContract)
	require.Error(t, err)
	_, err = inv.GetProxy("tcp://127.0.0.1:1", "", greeterContract)
	require.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestConnectFailureIsRetried(t *testing.T) {
	addr := freeAddr(t)
	p := greeterProxy(t, startClient(t), "tcp://"+addr)

	err := p.Call(context.Background(), "Hello", nil, "early")
	require.ErrorIs(t, err, rpcerr.ErrConnect)
	assert.True(t, rpcerr.IsTransport(err))

	svr := server.NewInvoker(server.WithLogger(zap.NewNop()))
	require.NoError(t, svr.RegisterService("greeter", server.Singleton(&greeter{}), greeterContract))
	require.NoError(t, svr.Start("tcp://"+addr))
	t.Cleanup(func() { _ = svr.Stop() })

	var greeting string
	require.NoError(t, p.Call(context.Background(), "Hello", &greeting, "late"))
	assert.Equal(t, "Hello late!", greeting)
}

func TestStopFailsPendingCalls(t *testing.T) {
	f := startFixture(t)
	inv := startClient(t)
	p := greeterProxy(t, inv, f.addr)

	var pending []<-chan error
	for i := 0; i < 5; i++ {
		pending = append(pending, asyncCall(p, "Block"))
	}
	require.Eventually(t, func() bool { return f.svc.entered.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, inv.Stop())
	for _, errc := range pending {
		err := waitErr(t, errc)
		require.ErrorIs(t, err, rpcerr.ErrConnectionClosed)
		assert.True(t, rpcerr.IsTransport(err))
	}
	assert.Zero(t, inv.Connections())

	require.ErrorIs(t, p.Call(context.Background(), "Hello", nil, "x"), rpcerr.ErrConnectionClosed)
	require.NoError(t, inv.Stop())

	// A stopped invoker can be started again
	require.NoError(t, inv.Start())
	require.NoError(t, p.Call(context.Background(), "Add", nil, 1, 2))
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	f := startFixture(t)
	inv := startClient(t, WithCallTimeout(100*time.Millisecond))
	p := greeterProxy(t, inv, f.addr)

	err := p.Call(context.Background(), "Block", nil)
	require.ErrorIs(t, err, rpcerr.ErrTimeout)
	assert.True(t, rpcerr.IsTransport(err))

	// Unblock the server: the late response arrives for an id that is no longer pending
	f.svc.release <- struct{}{}

	var sum int
	require.NoError(t, p.Call(context.Background(), "Add", &sum, 1, 1))
	assert.Equal(t, 2, sum)
	assert.Equal(t, 1, inv.Connections())
}

func TestContextEndsCall(t *testing.T) {
	f := startFixture(t)
	p := greeterProxy(t, startClient(t), f.addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Call(ctx, "Block", nil), rpcerr.ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err := p.Call(ctx, "Block", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rpcerr.IsTransport(err))
}

func TestServerStopIsTransportError(t *testing.T) {
	f := startFixture(t)
	inv := startClient(t)
	p := greeterProxy(t, inv, f.addr)

	errc := asyncCall(p, "Block")
	require.Eventually(t, func() bool { return f.svc.entered.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	go func() { _ = f.svr.Stop() }()
	err := waitErr(t, errc)
	require.ErrorIs(t, err, rpcerr.ErrTransport)
	assert.NotErrorIs(t, err, rpcerr.ErrConnectionClosed)

	require.Eventually(t, func() bool { return inv.Connections() == 0 }, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, p.Call(context.Background(), "Add", nil, 1, 2), rpcerr.ErrConnect)
}

// rawServer answers exactly one request, first with a response for an id that was never sent.
func rawServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		h, _, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		cdc := codec.GetCodec(codec.CodecType(h.CodecType))
		stray, _ := cdc.Encode(&message.Response{Result: []byte(`"stray"`)})
		answer, _ := cdc.Encode(&message.Response{Result: []byte(`"real"`)})

		var buf []byte
		buf = protocol.AppendFrame(buf, &protocol.Header{CodecType: h.CodecType, MsgType: protocol.MsgTypeResponse, Seq: h.Seq + 1000}, stray)
		buf = protocol.AppendFrame(buf, &protocol.Header{CodecType: h.CodecType, MsgType: protocol.MsgTypeResponse, Seq: h.Seq}, answer)
		_, _ = conn.Write(buf)
		_, _ = conn.Read(make([]byte, 1))
	}()
	return "tcp://" + l.Addr().String()
}

func TestUnknownResponseDiscarded(t *testing.T) {
	p := greeterProxy(t, startClient(t), rawServer(t))

	var greeting string
	require.NoError(t, p.Call(context.Background(), "Hello", &greeting, "x"))
	assert.Equal(t, "real", greeting)
}

func TestConnectionPool(t *testing.T) {
	f := startFixture(t)

	inv := startClient(t, WithPoolSize(3))
	p := greeterProxy(t, inv, f.addr)
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Call(context.Background(), "Add", nil, i, i))
	}
	assert.Equal(t, 3, inv.Connections())
	assert.Equal(t, 3, f.svr.Connections())

	hashed := startClient(t, WithPoolSize(3), WithBalancer(loadbalance.NewConsistentHashBalancer()))
	p = greeterProxy(t, hashed, f.addr)
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Call(context.Background(), "Add", nil, i, i))
	}
	assert.Equal(t, 1, hashed.Connections(), "one service id sticks to one connection")
}

func TestClientMetrics(t *testing.T) {
	f := startFixture(t)
	registry := metrics.NewRegistry()
	p := greeterProxy(t, startClient(t, WithMetrics(registry)), f.addr)

	require.NoError(t, p.Call(context.Background(), "Hello", nil, "a"))
	require.Error(t, p.Call(context.Background(), "Hello", nil, ""))

	assert.Equal(t, int64(2), metrics.GetOrRegisterTimer("rpc.client.greeter.Hello.latency", registry).Count())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("rpc.client.greeter.Hello.errors", registry).Count())
	assert.Zero(t, metrics.GetOrRegisterCounter("rpc.client.transport_errors", registry).Count())
}

func TestHeartbeat(t *testing.T) {
	f := startFixture(t)
	inv := startClient(t, WithHeartbeat(10*time.Millisecond))
	p := greeterProxy(t, inv, f.addr)

	require.NoError(t, p.Call(context.Background(), "Add", nil, 1, 2))
	time.Sleep(100 * time.Millisecond)

	// Heartbeats are ignored by the server and leave the connection usable
	var sum int
	require.NoError(t, p.Call(context.Background(), "Add", &sum, 3, 4))
	assert.Equal(t, 7, sum)
	assert.Equal(t, 1, inv.Connections())
}
