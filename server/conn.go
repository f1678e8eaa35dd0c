package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"fabric-rpc/codec"
	"fabric-rpc/dispatch"
	"fabric-rpc/message"
	"fabric-rpc/protocol"
)

const readBufferSize = 32 << 10

var nextConnID atomic.Uint64

// serverConn is one accepted connection.
//
// A dedicated goroutine blocks on Read and hands every chunk to the connection's queue. Decoding,
// invocation and response writes all happen in queue tasks, so requests of one connection are handled
// strictly in arrival order and the fields below the marker need no lock.
type serverConn struct {
	id     uint64
	srv    *Invoker
	nc     net.Conn
	queue  *dispatch.Queue
	logger *zap.Logger

	// owned by queue
	decoder protocol.Decoder
	out     []byte
	closed  bool
}

func newServerConn(srv *Invoker, nc net.Conn) *serverConn {
	id := nextConnID.Add(1)
	logger := srv.logger.With(zap.Uint64("conn", id), zap.Stringer("remote", nc.RemoteAddr()))
	return &serverConn{
		id:     id,
		srv:    srv,
		nc:     nc,
		queue:  dispatch.NewQueue("server-conn", logger),
		logger: logger,
	}
}

// readLoop delivers socket readability to the queue until the socket fails or the queue is closed.
func (c *serverConn) readLoop() {
	defer c.srv.wg.Done()
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

func (c *serverConn) onReadable(chunk []byte) {
	if c.closed {
		return
	}
	frames, err := c.decoder.Feed(chunk)
	for _, f := range frames {
		c.handleFrame(f)
	}
	c.flush()
	if err != nil {
		c.logger.Warn("closing connection on corrupt stream", zap.Error(err))
		c.teardown()
	}
}

func (c *serverConn) onReadError(err error) {
	if c.closed {
		return
	}
	if ferr := c.decoder.Close(); ferr != nil {
		c.logger.Warn("peer closed inside a frame", zap.Error(ferr))
	} else if err != io.EOF && !errors.Is(err, net.ErrClosed) {
		c.logger.Info("connection lost", zap.Error(err))
	}
	c.teardown()
}

func (c *serverConn) handleFrame(f protocol.Frame) {
	switch f.Header.MsgType {
	case protocol.MsgTypeHeartbeat:
		return
	case protocol.MsgTypeResponse:
		c.logger.Debug("ignoring response frame sent to server", zap.Uint32("seq", f.Header.Seq))
		return
	}

	cdc := codec.GetCodec(codec.CodecType(f.Header.CodecType))
	var resp *message.Response
	var req message.Request
	if err := cdc.Decode(f.Body, &req); err != nil {
		// The frame boundaries are intact, so only this request fails.
		resp = message.Fail(message.KindSerialization, err.Error())
	} else {
		resp = c.invoke(f.Header.Seq, &req)
	}
	c.reply(f.Header, cdc, resp)
}

// invoke runs the handler chain for one request. A panic anywhere in the chain fails that request only;
// the other frames of the chunk are still answered.
func (c *serverConn) invoke(seq uint32, req *message.Request) (resp *message.Response) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("invocation panicked",
				zap.Uint32("seq", seq), zap.String("service", req.ServiceID), zap.String("method", req.Method),
				zap.Any("panic", p))
			resp = panicFailure(fmt.Sprintf("%s.%s panicked: %v", req.ServiceID, req.Method, p))
		}
	}()
	return c.srv.handler(c.srv.ctx, req)
}

// reply appends the response frame to the write buffer; flush sends it.
func (c *serverConn) reply(reqHeader protocol.Header, cdc codec.Codec, resp *message.Response) {
	body, err := cdc.Encode(resp)
	if err != nil {
		c.logger.Error("failed to encode response", zap.Uint32("seq", reqHeader.Seq), zap.Error(err))
		body, _ = cdc.Encode(message.Fail(message.KindSerialization, err.Error()))
	}
	h := protocol.Header{
		CodecType: reqHeader.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       reqHeader.Seq, // same seq as the request: this is how the client correlates
	}
	c.out = protocol.AppendFrame(c.out, &h, body)
}

func (c *serverConn) flush() {
	if c.closed || len(c.out) == 0 {
		return
	}
	_, err := c.nc.Write(c.out)
	if cap(c.out) > readBufferSize*32 {
		c.out = nil
	} else {
		c.out = c.out[:0]
	}
	if err != nil {
		c.logger.Info("write failed", zap.Error(err))
		c.teardown()
	}
}

// teardown closes the socket and the queue. Runs on the queue; later tasks see closed and return.
func (c *serverConn) teardown() {
	if c.closed {
		return
	}
	c.closed = true
	c.out = nil
	_ = c.nc.Close()
	c.queue.Close()
	c.srv.removeConn(c.id)
	c.logger.Debug("connection closed")
}
