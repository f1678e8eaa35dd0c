// Package server implements the server invoker: it listens on a transport address, keeps the registry
// of published services and executes the invocations that arrive on its connections.
//
// Request processing pipeline:
//
//	Accept conn → readLoop (one goroutine blocks on Read)
//	  → conn queue: Decoder.Feed → for each request frame:
//	    → Codec.Decode → Middleware Chain → businessHandler (acquire, reflect.Call, release)
//	    → Codec.Encode → write response
//
// Each connection has its own dispatch queue: requests of one connection run in arrival order, requests
// of different connections run in parallel.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fabric-rpc/announce"
	"fabric-rpc/contract"
	"fabric-rpc/middleware"
	"fabric-rpc/rpcerr"
	"fabric-rpc/transport"
)

// State is the lifecycle state of an Invoker.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type options struct {
	logger        *zap.Logger
	middlewares   []middleware.Middleware
	announcer     announce.Announcer
	advertiseAddr string
	shutdownGrace time.Duration
	registry      metrics.Registry
}

// Option configures an Invoker.
type Option func(*options)

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMiddleware appends middlewares; they are applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithAnnouncer publishes every registered service id. advertiseAddr is the address announced; when
// empty the bound listener address is used, which may not be routable (e.g. "[::]:8080").
func WithAnnouncer(a announce.Announcer, advertiseAddr string) Option {
	return func(o *options) { o.announcer, o.advertiseAddr = a, advertiseAddr }
}

// WithMetrics records per-method latency and failures, and the number of open connections, in registry.
func WithMetrics(registry metrics.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithShutdownGrace bounds how long Stop waits for a connection to flush queued responses.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) { o.shutdownGrace = d }
}

// Invoker is the server side of the invocation core.
type Invoker struct {
	opts   options
	logger *zap.Logger

	lifecycle sync.Mutex // serializes Start, Stop and announcements; guards addr
	state     atomic.Int32

	mu       sync.RWMutex // guards services
	services map[string]*registration

	listener net.Listener
	addr     string
	handler  middleware.HandlerFunc
	ctx      context.Context // handed to services, cancelled by Stop
	cancel   context.CancelFunc

	connsMu sync.Mutex
	conns   map[uint64]*serverConn
	wg      sync.WaitGroup // accept loop + read loops
}

// NewInvoker creates a stopped invoker with an empty registry.
func NewInvoker(opts ...Option) *Invoker {
	o := options{shutdownGrace: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	return &Invoker{
		opts:     o,
		logger:   o.logger.Named("server"),
		services: make(map[string]*registration),
		conns:    make(map[uint64]*serverConn),
	}
}

// State returns the current lifecycle state.
func (svr *Invoker) State() State { return State(svr.state.Load()) }

// Addr returns the bound address as "scheme://host:port", or "" when not listening.
func (svr *Invoker) Addr() string {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()
	return svr.addr
}

// Start binds bindAddress ("tcp://host:port") and starts accepting connections.
// Bind failures are returned synchronously and wrap rpcerr.ErrBind.
func (svr *Invoker) Start(bindAddress string) error {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()

	if st := svr.State(); st != StateStopped {
		return fmt.Errorf("server: cannot start in state %s", st)
	}
	svr.state.Store(int32(StateStarting))

	addr, err := transport.ParseAddress(bindAddress)
	if err != nil {
		svr.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: %v", rpcerr.ErrBind, err)
	}
	listener, err := transport.Listen(addr)
	if err != nil {
		svr.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: %s: %v", rpcerr.ErrBind, bindAddress, err)
	}

	svr.listener = listener
	svr.addr = transport.AddrOf(addr.Scheme, listener.Addr())
	svr.ctx, svr.cancel = context.WithCancel(context.Background())
	// Build the middleware chain once at startup, not per request
	mws := svr.opts.middlewares
	if svr.opts.registry != nil {
		mws = append([]middleware.Middleware{middleware.MetricsMiddleware(svr.opts.registry)}, mws...)
	}
	svr.handler = middleware.Chain(mws...)(svr.businessHandler)
	svr.state.Store(int32(StateListening))

	svr.wg.Add(1)
	go svr.acceptLoop(listener)

	svr.logger.Info("listening", zap.String("addr", svr.addr))
	for _, id := range svr.serviceIDs() {
		svr.announce(id)
	}
	return nil
}

func (svr *Invoker) acceptLoop(listener net.Listener) {
	defer svr.wg.Done()
	for {
		nc, err := listener.Accept()
		if err != nil {
			// Stop closes the listener; that Accept error is expected.
			if svr.State() != StateListening || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			svr.logger.Error("accept failed", zap.Error(err))
			return
		}
		svr.serveConn(nc)
	}
}

func (svr *Invoker) serveConn(nc net.Conn) {
	c := newServerConn(svr, nc)

	svr.connsMu.Lock()
	if svr.State() != StateListening {
		svr.connsMu.Unlock()
		_ = nc.Close()
		c.queue.Close()
		return
	}
	svr.conns[c.id] = c
	svr.wg.Add(1)
	svr.connsMu.Unlock()
	svr.connGauge(1)

	c.logger.Debug("connection accepted")
	go c.readLoop()
}

func (svr *Invoker) removeConn(id uint64) {
	svr.connsMu.Lock()
	_, ok := svr.conns[id]
	delete(svr.conns, id)
	svr.connsMu.Unlock()
	if ok {
		svr.connGauge(-1)
	}
}

func (svr *Invoker) connGauge(delta int64) {
	if svr.opts.registry != nil {
		metrics.GetOrRegisterCounter("rpc.server.connections", svr.opts.registry).Inc(delta)
	}
}

// Connections returns the number of open connections.
func (svr *Invoker) Connections() int {
	svr.connsMu.Lock()
	defer svr.connsMu.Unlock()
	return len(svr.conns)
}

// Stop closes the listener and every connection, then waits for the connection goroutines.
// Responses already queued get a best-effort flush bounded by the shutdown grace. Stop is idempotent.
func (svr *Invoker) Stop() error {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()

	if svr.State() == StateStopped {
		return nil
	}
	svr.state.Store(int32(StateStopping))

	for _, id := range svr.serviceIDs() {
		svr.withdraw(id)
	}

	var err error
	if cerr := svr.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}

	svr.connsMu.Lock()
	conns := make([]*serverConn, 0, len(svr.conns))
	for _, c := range svr.conns {
		conns = append(conns, c)
	}
	svr.connsMu.Unlock()

	var closing sync.WaitGroup
	for _, c := range conns {
		closing.Add(1)
		go func(c *serverConn) {
			defer closing.Done()
			svr.closeConn(c)
		}(c)
	}
	closing.Wait()

	svr.cancel()
	svr.wg.Wait()

	svr.listener = nil
	svr.addr = ""
	svr.state.Store(int32(StateStopped))
	svr.logger.Info("stopped")
	return err
}

// closeConn queues the teardown behind already received requests, and forces the socket closed if the
// queue does not get there within the grace period.
func (svr *Invoker) closeConn(c *serverConn) {
	done := make(chan struct{})
	if err := c.queue.Submit(func() {
		defer close(done)
		c.teardown()
	}); err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(svr.opts.shutdownGrace):
		_ = c.nc.Close()
	}
}

// RegisterService publishes a service under id. iface is the contract the service is called through.
func (svr *Invoker) RegisterService(id string, factory Factory, iface *contract.Interface) error {
	if id == "" {
		return errors.New("server: empty service id")
	}
	if factory == nil || iface == nil {
		return errors.New("server: service needs a factory and a contract")
	}

	// Held across the announcement so it cannot interleave with Stop withdrawing every id.
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()

	svr.mu.Lock()
	if _, dup := svr.services[id]; dup {
		svr.mu.Unlock()
		return fmt.Errorf("%w: %s", rpcerr.ErrDuplicateService, id)
	}
	svr.services[id] = &registration{id: id, factory: factory, iface: iface, logger: svr.logger}
	svr.mu.Unlock()

	svr.logger.Info("service registered", zap.String("service", id), zap.String("interface", iface.Name()))
	if svr.State() == StateListening {
		svr.announce(id)
	}
	return nil
}

// UnregisterService removes a registration. Invocations already holding an instance finish normally;
// later lookups fail with rpcerr.ErrServiceNotFound.
func (svr *Invoker) UnregisterService(id string) error {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()

	svr.mu.Lock()
	if _, ok := svr.services[id]; !ok {
		svr.mu.Unlock()
		return fmt.Errorf("%w: %s", rpcerr.ErrServiceNotFound, id)
	}
	delete(svr.services, id)
	svr.mu.Unlock()

	svr.logger.Info("service unregistered", zap.String("service", id))
	if svr.State() == StateListening {
		svr.withdraw(id)
	}
	return nil
}

// Lookup returns the contract a service id is registered with.
func (svr *Invoker) Lookup(id string) (*contract.Interface, error) {
	reg, err := svr.lookup(id)
	if err != nil {
		return nil, err
	}
	return reg.iface, nil
}

func (svr *Invoker) lookup(id string) (*registration, error) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	reg, ok := svr.services[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rpcerr.ErrServiceNotFound, id)
	}
	return reg, nil
}

func (svr *Invoker) serviceIDs() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	ids := make([]string, 0, len(svr.services))
	for id := range svr.services {
		ids = append(ids, id)
	}
	return ids
}

// advertised must be called with lifecycle held.
func (svr *Invoker) advertised() string {
	if svr.opts.advertiseAddr != "" {
		return svr.opts.advertiseAddr
	}
	return svr.addr
}

// announce and withdraw report to the external announcer. Failures are logged, never returned: the
// core keeps serving whether or not discovery knows about it.
func (svr *Invoker) announce(id string) {
	if svr.opts.announcer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.opts.announcer.Announce(ctx, id, svr.advertised()); err != nil {
		svr.logger.Warn("announce failed", zap.String("service", id), zap.Error(err))
	}
}

func (svr *Invoker) withdraw(id string) {
	if svr.opts.announcer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.opts.announcer.Withdraw(ctx, id, svr.advertised()); err != nil {
		svr.logger.Warn("withdraw failed", zap.String("service", id), zap.Error(err))
	}
}
