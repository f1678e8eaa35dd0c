package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fabric-rpc/codec"
	"fabric-rpc/dispatch"
	"fabric-rpc/message"
	"fabric-rpc/protocol"
	"fabric-rpc/rpcerr"
)

const readBufferSize = 32 << 10

var nextConnID atomic.Uint64

// clientConn is one outbound connection, shared by every caller that picks its slot.
//
//	caller-1 ──Submit(send seq=1)──┐
//	caller-2 ──Submit(send seq=2)──┼──→ conn queue ──→ single TCP conn ──→ server
//	caller-3 ──Submit(send seq=3)──┘
//
//	readLoop ──Submit(onReadable)──→ conn queue: response(seq=2) → pending[2] → caller-2 wakes up
//
// Writes, response routing and the pending table all live on the queue, so a caller only ever blocks on
// its own pendingCall.
type clientConn struct {
	id     uint64
	inv    *Invoker
	addr   string
	slot   int
	nc     net.Conn
	codec  codec.Codec
	queue  *dispatch.Queue
	logger *zap.Logger

	// owned by queue
	decoder  protocol.Decoder
	pending  pendingTable
	closed   bool
	closeErr error
}

func newClientConn(inv *Invoker, addr string, slot int, nc net.Conn) *clientConn {
	id := nextConnID.Add(1)
	logger := inv.logger.With(zap.Uint64("conn", id), zap.String("remote", addr))
	return &clientConn{
		id:     id,
		inv:    inv,
		addr:   addr,
		slot:   slot,
		nc:     nc,
		codec:  codec.GetCodec(inv.opts.codec),
		queue:  dispatch.NewQueue("client-conn", logger),
		logger: logger,
	}
}

func (c *clientConn) start() {
	go c.readLoop()
	if c.inv.opts.heartbeat > 0 {
		go c.heartbeatLoop(c.inv.opts.heartbeat)
	}
}

// roundTrip sends an encoded request and waits for its outcome. The caller blocks on nothing but its own
// pendingCall. When ctx ends first, the call is abandoned: its entry is removed so a late response is
// discarded as unknown.
func (c *clientConn) roundTrip(ctx context.Context, body []byte) (*message.Response, time.Time, error) {
	pc := newPendingCall()
	if err := c.queue.Submit(func() { c.send(pc, body) }); err != nil {
		return nil, pc.start, rpcerr.Transport(rpcerr.ErrConnectionClosed, c.addr, nil)
	}

	select {
	case out := <-pc.done:
		return out.resp, pc.start, out.err
	case <-ctx.Done():
	}

	var cause error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = rpcerr.Transport(rpcerr.ErrTimeout, c.addr, ctx.Err())
	} else {
		cause = rpcerr.Transport(rpcerr.ErrTransport, c.addr, ctx.Err())
	}
	// If the queue is already closed, its teardown has failed (or is about to fail) the call.
	_ = c.queue.Submit(func() { c.abandon(pc, cause) })
	out := <-pc.done
	return out.resp, pc.start, out.err
}

func (c *clientConn) send(pc *pendingCall, body []byte) {
	if c.closed {
		pc.deliver(nil, rpcerr.Transport(rpcerr.ErrConnectionClosed, c.addr, nil))
		return
	}
	seq, err := c.pending.add(pc)
	if err != nil {
		pc.deliver(nil, rpcerr.Transport(rpcerr.ErrTransport, c.addr, err))
		return
	}
	h := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(c.nc, &h, body); err != nil {
		c.teardown(rpcerr.Transport(rpcerr.ErrTransport, c.addr, err))
	}
}

func (c *clientConn) abandon(pc *pendingCall, err error) {
	if pc.finished {
		return
	}
	if cur, ok := c.pending.calls[pc.id]; ok && cur == pc {
		delete(c.pending.calls, pc.id)
	}
	pc.deliver(nil, err)
}

// readLoop delivers socket readability to the queue until the socket fails or the queue is closed.
func (c *clientConn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if c.queue.Submit(func() { c.onReadable(chunk) }) != nil {
				return
			}
		}
		if err != nil {
			_ = c.queue.Submit(func() { c.onReadError(err) })
			return
		}
	}
}

func (c *clientConn) onReadable(chunk []byte) {
	if c.closed {
		return
	}
	frames, err := c.decoder.Feed(chunk)
	for _, f := range frames {
		c.handleFrame(f)
	}
	if err != nil {
		c.logger.Warn("closing connection on corrupt stream", zap.Error(err))
		c.teardown(rpcerr.Transport(rpcerr.ErrTransport, c.addr, err))
	}
}

func (c *clientConn) onReadError(err error) {
	if c.closed {
		return
	}
	if ferr := c.decoder.Close(); ferr != nil {
		err = ferr
	}
	if err == io.EOF {
		c.logger.Info("connection closed by peer", zap.Int("pending", c.pending.len()))
	} else {
		c.logger.Warn("connection lost", zap.Int("pending", c.pending.len()), zap.Error(err))
	}
	c.teardown(rpcerr.Transport(rpcerr.ErrTransport, c.addr, err))
}

func (c *clientConn) handleFrame(f protocol.Frame) {
	if f.Header.MsgType != protocol.MsgTypeResponse {
		return
	}
	pc, ok := c.pending.remove(f.Header.Seq)
	if !ok {
		c.logger.Debug("discarding response for unknown call", zap.Uint32("seq", f.Header.Seq))
		return
	}

	var resp message.Response
	if err := codec.GetCodec(codec.CodecType(f.Header.CodecType)).Decode(f.Body, &resp); err != nil {
		pc.deliver(nil, err)
		return
	}
	pc.deliver(&resp, nil)
}

func (c *clientConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.queue.Submit(c.heartbeat) != nil {
				return
			}
		case <-c.queue.Done():
			return
		}
	}
}

func (c *clientConn) heartbeat() {
	if c.closed {
		return
	}
	h := protocol.Header{CodecType: byte(c.codec.Type()), MsgType: protocol.MsgTypeHeartbeat}
	if err := protocol.Encode(c.nc, &h, nil); err != nil {
		c.teardown(rpcerr.Transport(rpcerr.ErrTransport, c.addr, err))
	}
}

// teardown fails every pending call with err, closes the socket and the queue, and removes the
// connection from the invoker so the next call dials again.
func (c *clientConn) teardown(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = c.nc.Close()
	for _, pc := range c.pending.drain() {
		pc.deliver(nil, err)
	}
	c.queue.Close()
	c.inv.forget(c)
	c.logger.Debug("connection closed", zap.Error(err))
}

// close tears the connection down from outside the queue and waits for the queue to finish. A write
// stuck on an unresponsive peer is unblocked by closing the socket after grace.
func (c *clientConn) close(err error, grace time.Duration) error {
	if c.queue.Submit(func() { c.teardown(err) }) == nil {
		select {
		case <-c.queue.Done():
		case <-time.After(grace):
			_ = c.nc.Close()
			<-c.queue.Done()
		}
	}
	<-c.queue.Done()
	if errors.Is(c.closeErr, net.ErrClosed) {
		return nil
	}
	return c.closeErr
}
