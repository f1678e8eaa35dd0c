package server

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"fabric-rpc/contract"
	"fabric-rpc/message"
	"fabric-rpc/rpcerr"
)

// registration binds a service id to the factory serving it and the contract it is called through.
type registration struct {
	id      string
	factory Factory
	iface   *contract.Interface
	logger  *zap.Logger
}

// businessHandler resolves and invokes one request. It sits at the end of the middleware chain.
//
// Flow: lookup service → lookup method → check signature → decode args → acquire → reflect.Call →
// encode result → release
func (svr *Invoker) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	reg, err := svr.lookup(req.ServiceID)
	if err != nil {
		return message.Fail(message.KindServiceNotFound, err.Error())
	}

	m, ok := reg.iface.Method(req.Method)
	if !ok {
		return message.Fail(message.KindMethodNotFound,
			fmt.Sprintf("%v: %s has no method %s", rpcerr.ErrMethodNotFound, reg.iface.Name(), req.Method))
	}
	if req.Signature != "" && req.Signature != m.Signature {
		return message.Fail(message.KindSerialization,
			fmt.Sprintf("%v: signature mismatch: called %q, serving %q", rpcerr.ErrSerialization, req.Signature, m.Signature))
	}

	args, err := m.DecodeArgs(req.Args)
	if err != nil {
		return message.Fail(message.KindSerialization, err.Error())
	}
	return reg.invoke(ctx, m, args)
}

// invoke runs the method on an acquired instance. The instance is released exactly once on every exit
// path, including a panic in the method and a failure to encode its result. A panic in the factory
// itself fails the invocation like one in the method.
func (r *registration) invoke(ctx context.Context, m *contract.Method, args []reflect.Value) (resp *message.Response) {
	defer func() {
		if p := recover(); p != nil {
			resp = panicFailure(fmt.Sprintf("%s.%s panicked: %v", r.id, m.Name, p))
		}
	}()

	inst, err := r.factory.Acquire()
	if err != nil {
		return applicationFailure(r.iface, fmt.Errorf("acquire %s: %w", r.id, err))
	}
	defer r.release(inst)

	if !r.iface.Implements(inst) {
		return message.Fail(message.KindApplication, fmt.Sprintf("%T does not implement %s", inst, r.iface.Name()))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if m.TakesContext() {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := reflect.ValueOf(inst).MethodByName(m.Name).Call(in)
	result, appErr := m.SplitResults(out)
	if appErr != nil {
		return applicationFailure(r.iface, appErr)
	}

	raw, err := m.EncodeResult(result)
	if err != nil {
		return message.Fail(message.KindSerialization, err.Error())
	}
	return &message.Response{Result: raw}
}

// release hands inst back to the factory. A panicking Release is logged and does not change the
// response already produced.
func (r *registration) release(inst any) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("release panicked", zap.String("service", r.id), zap.Any("panic", p))
		}
	}()
	r.factory.Release(inst)
}

func panicFailure(msg string) *message.Response {
	return &message.Response{Failure: &message.Failure{
		Kind:    message.KindApplication,
		Type:    "panic",
		Message: msg,
	}}
}

func applicationFailure(iface *contract.Interface, err error) *message.Response {
	return &message.Response{Failure: &message.Failure{
		Kind:    message.KindApplication,
		Type:    fmt.Sprintf("%T", err),
		Code:    iface.ErrorCode(err),
		Message: err.Error(),
	}}
}
