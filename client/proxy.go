package client

import (
	"context"
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"fabric-rpc/codec"
	"fabric-rpc/contract"
	"fabric-rpc/message"
	"fabric-rpc/rpcerr"
	"fabric-rpc/transport"
)

// Proxy calls one remote service. It is cheap, safe for concurrent use, and holds no connection itself.
type Proxy struct {
	inv       *Invoker
	addr      transport.Address
	serviceID string
	iface     *contract.Interface
}

// ServiceID returns the id of the remote service.
func (p *Proxy) ServiceID() string { return p.serviceID }

// Addr returns the remote address.
func (p *Proxy) Addr() string { return p.addr.String() }

// Call invokes method with args and stores its result in reply, a pointer to the method's result type
// (nil discards it). A leading context.Context parameter of the contract method is not passed in args.
//
// Errors returned by the remote method come back as *rpcerr.RemoteError. Transport failures match
// rpcerr.ErrTransport; see rpcerr for the full taxonomy.
func (p *Proxy) Call(ctx context.Context, method string, reply any, args ...any) (err error) {
	m, ok := p.iface.Method(method)
	if !ok {
		return rpcerr.Protocol(rpcerr.ErrSerialization, p.iface.Name()+" has no method "+method)
	}
	if err := m.CheckReply(reply); err != nil {
		return err
	}
	raw, err := m.EncodeArgs(args)
	if err != nil {
		return err
	}
	body, err := codec.GetCodec(p.inv.opts.codec).Encode(&message.Request{
		ServiceID: p.serviceID,
		Method:    method,
		Signature: m.Signature,
		Args:      raw,
	})
	if err != nil {
		return err
	}

	c, err := p.inv.conn(p.addr, p.serviceID)
	if err != nil {
		p.record(method, time.Time{}, err)
		return err
	}

	if p.inv.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.inv.opts.callTimeout)
		defer cancel()
	}
	resp, start, err := c.roundTrip(ctx, body)
	if err == nil {
		err = p.result(m, resp, reply)
	}
	p.record(method, start, err)
	return err
}

// result turns a response into the caller's view: the decoded value, or an error.
func (p *Proxy) result(m *contract.Method, resp *message.Response, reply any) error {
	f := resp.Failure
	if f == nil {
		return m.DecodeResult(resp.Result, reply)
	}
	switch f.Kind {
	case message.KindApplication:
		return &rpcerr.RemoteError{
			Type:    f.Type,
			Code:    f.Code,
			Message: f.Message,
			Err:     p.iface.ErrorFor(f.Code),
		}
	case message.KindServiceNotFound:
		return protocolError(rpcerr.ErrServiceNotFound, f.Message)
	case message.KindMethodNotFound:
		return protocolError(rpcerr.ErrMethodNotFound, f.Message)
	case message.KindRejected:
		return protocolError(rpcerr.ErrRateLimited, f.Message)
	default:
		return protocolError(rpcerr.ErrSerialization, f.Message)
	}
}

// protocolError rebuilds a server-side protocol error around the local sentinel. The server message
// usually starts with the same sentinel text, which is not repeated.
func protocolError(kind error, msg string) error {
	msg = strings.TrimPrefix(msg, kind.Error())
	msg = strings.TrimPrefix(msg, ": ")
	return rpcerr.Protocol(kind, msg)
}

func (p *Proxy) record(method string, start time.Time, err error) {
	registry := p.inv.opts.registry
	if registry == nil {
		return
	}
	prefix := "rpc.client." + p.serviceID + "." + method
	if !start.IsZero() {
		metrics.GetOrRegisterTimer(prefix+".latency", registry).UpdateSince(start)
	}
	if err != nil {
		metrics.GetOrRegisterCounter(prefix+".errors", registry).Inc(1)
		if rpcerr.IsTransport(err) {
			metrics.GetOrRegisterCounter("rpc.client.transport_errors", registry).Inc(1)
		}
	}
}
