// Package client implements the client invoker: it owns the outbound connections, hands out proxies bound
// to a (remote address, service id) pair, and correlates responses back to the blocked callers.
//
//	proxy.Call → contract.EncodeArgs → codec.Encode → conn queue: register pending + write frame
//	  → caller blocks on its pending call
//	  ← conn queue: Decoder.Feed → pending.remove(seq) → deliver → proxy decodes result or failure
//
// Connections are dialed lazily on first use and reused by every caller. A failed dial is reported to
// that caller and retried by the next one.
package client

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fabric-rpc/codec"
	"fabric-rpc/contract"
	"fabric-rpc/loadbalance"
	"fabric-rpc/rpcerr"
	"fabric-rpc/transport"
)

type options struct {
	logger      *zap.Logger
	codec       codec.CodecType
	callTimeout time.Duration
	dialTimeout time.Duration
	heartbeat   time.Duration
	closeGrace  time.Duration
	poolSize    int
	balancer    loadbalance.Balancer
	registry    metrics.Registry
}

// Option configures an Invoker.
type Option func(*options)

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec selects the body serialization format. Defaults to JSON.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithCallTimeout fails calls that get no response within d. Zero, the default, waits forever unless the
// call's context has a deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithDialTimeout bounds connection establishment. Defaults to 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithHeartbeat sets the heartbeat interval. Defaults to 30s; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithPoolSize keeps up to n connections per remote address. Defaults to 1.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithBalancer selects the connection slot of each call when the pool size is above 1.
// Defaults to round robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithMetrics records call latency and errors per service method in registry.
func WithMetrics(registry metrics.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// Invoker is the client side of the invocation core.
type Invoker struct {
	opts   options
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	conns   map[string][]*clientConn // remote address → connection slots

	dials singleflight.Group
}

// NewInvoker creates a client invoker. It accepts calls once started.
func NewInvoker(opts ...Option) *Invoker {
	o := options{
		dialTimeout: 5 * time.Second,
		heartbeat:   30 * time.Second,
		closeGrace:  time.Second,
		poolSize:    1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.poolSize < 1 {
		o.poolSize = 1
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return &Invoker{
		opts:   o,
		logger: o.logger.Named("client"),
		conns:  make(map[string][]*clientConn),
	}
}

// Start opens the invoker for calls. Starting a running invoker is a no-op.
func (inv *Invoker) Start() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.running {
		inv.running = true
		inv.logger.Info("started",
			zap.Stringer("codec", inv.opts.codec),
			zap.Int("pool_size", inv.opts.poolSize),
			zap.String("balancer", inv.opts.balancer.Name()))
	}
	return nil
}

// Stop closes every connection. Calls still waiting fail with rpcerr.ErrConnectionClosed, and so do
// calls made after Stop. Stop is idempotent.
func (inv *Invoker) Stop() error {
	inv.mu.Lock()
	if !inv.running {
		inv.mu.Unlock()
		return nil
	}
	inv.running = false
	var conns []*clientConn
	for _, slots := range inv.conns {
		for _, c := range slots {
			if c != nil {
				conns = append(conns, c)
			}
		}
	}
	inv.conns = make(map[string][]*clientConn)
	inv.mu.Unlock()

	var (
		errMu sync.Mutex
		err   error
		wg    sync.WaitGroup
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *clientConn) {
			defer wg.Done()
			cerr := c.close(rpcerr.Transport(rpcerr.ErrConnectionClosed, c.addr, nil), inv.opts.closeGrace)
			errMu.Lock()
			err = multierr.Append(err, cerr)
			errMu.Unlock()
		}(c)
	}
	wg.Wait()
	inv.logger.Info("stopped", zap.Int("connections", len(conns)))
	return err
}

// GetProxy returns a handle for calling serviceID at remoteAddress through iface. No connection is made
// until the first call.
func (inv *Invoker) GetProxy(remoteAddress, serviceID string, iface *contract.Interface) (*Proxy, error) {
	addr, err := transport.ParseAddress(remoteAddress)
	if err != nil {
		return nil, err
	}
	if !transport.HasScheme(addr.Scheme) {
		return nil, fmt.Errorf("client: unsupported scheme %q", addr.Scheme)
	}
	if serviceID == "" {
		return nil, fmt.Errorf("client: empty service id")
	}
	if iface == nil {
		return nil, fmt.Errorf("client: proxy for %s needs a contract", serviceID)
	}
	return &Proxy{inv: inv, addr: addr, serviceID: serviceID, iface: iface}, nil
}

// conn returns the connection for one call, dialing it if the picked slot is empty. Concurrent callers
// that find the same empty slot share one dial.
func (inv *Invoker) conn(addr transport.Address, key string) (*clientConn, error) {
	slot, err := inv.opts.balancer.Pick(key, inv.opts.poolSize)
	if err != nil {
		return nil, err
	}
	target := addr.String()

	inv.mu.Lock()
	if !inv.running {
		inv.mu.Unlock()
		return nil, rpcerr.Transport(rpcerr.ErrConnectionClosed, target, nil)
	}
	if c := inv.slots(target)[slot]; c != nil {
		inv.mu.Unlock()
		return c, nil
	}
	inv.mu.Unlock()

	v, err, _ := inv.dials.Do(target+"#"+strconv.Itoa(slot), func() (any, error) {
		return inv.dial(addr, slot)
	})
	if err != nil {
		return nil, err
	}
	return v.(*clientConn), nil
}

// slots must be called with mu held.
func (inv *Invoker) slots(target string) []*clientConn {
	slots, ok := inv.conns[target]
	if !ok {
		slots = make([]*clientConn, inv.opts.poolSize)
		inv.conns[target] = slots
	}
	return slots
}

func (inv *Invoker) dial(addr transport.Address, slot int) (*clientConn, error) {
	target := addr.String()

	// A dial shared by several callers must not fail because one of them gave up.
	ctx, cancel := context.WithTimeout(context.Background(), inv.opts.dialTimeout)
	defer cancel()
	nc, err := transport.Dial(ctx, addr)
	if err != nil {
		inv.logger.Info("connect failed", zap.String("remote", target), zap.Error(err))
		return nil, rpcerr.Transport(rpcerr.ErrConnect, target, err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.running {
		_ = nc.Close()
		return nil, rpcerr.Transport(rpcerr.ErrConnectionClosed, target, nil)
	}
	slots := inv.slots(target)
	if c := slots[slot]; c != nil {
		_ = nc.Close()
		return c, nil
	}
	c := newClientConn(inv, target, slot, nc)
	slots[slot] = c
	c.start()
	c.logger.Debug("connected", zap.Int("slot", slot))
	return c, nil
}

// forget drops a torn-down connection from its slot.
func (inv *Invoker) forget(c *clientConn) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if slots, ok := inv.conns[c.addr]; ok && slots[c.slot] == c {
		slots[c.slot] = nil
	}
}

// Connections returns the number of open connections.
func (inv *Invoker) Connections() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	n := 0
	for _, slots := range inv.conns {
		for _, c := range slots {
			if c != nil {
				n++
			}
		}
	}
	return n
}
