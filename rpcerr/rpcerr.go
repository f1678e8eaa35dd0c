// Package rpcerr defines the error taxonomy shared by the client and server invokers.
//
// Errors fall into three groups:
//
//   - registry errors (ErrDuplicateService, ErrServiceNotFound) returned synchronously to the caller
//     of the registration or lookup API;
//   - protocol errors (ErrFraming, ErrSerialization, ErrMethodNotFound) which travel back to the caller
//     inside a failure response and never tear down a healthy connection;
//   - transport errors (ErrConnect, ErrTimeout, ErrConnectionClosed) which mean the call never reached,
//     or never returned from, the remote service. All of them match ErrTransport.
//
// An application error raised by the remote service is surfaced as a *RemoteError.
package rpcerr

import (
	"errors"
	"fmt"
)

var (
	ErrBind             = errors.New("rpc: bind failed")
	ErrDuplicateService = errors.New("rpc: service already registered")
	ErrServiceNotFound  = errors.New("rpc: service not found")
	ErrMethodNotFound   = errors.New("rpc: method not found")
	ErrFraming          = errors.New("rpc: framing error")
	ErrSerialization    = errors.New("rpc: serialization error")
	ErrRateLimited      = errors.New("rpc: rate limit exceeded")

	ErrTransport        = errors.New("rpc: transport error")
	ErrConnect          = errors.New("rpc: connect failed")
	ErrTimeout          = errors.New("rpc: call timed out")
	ErrConnectionClosed = errors.New("rpc: connection closed")
)

// TransportError reports a call that failed below the service: the request was never delivered or the
// response never came back. Kind is one of ErrConnect, ErrTimeout, ErrConnectionClosed or ErrTransport.
type TransportError struct {
	Kind error
	Addr string
	Err  error
}

// Transport builds a *TransportError. A nil kind means a generic connection failure.
func Transport(kind error, addr string, err error) *TransportError {
	if kind == nil {
		kind = ErrTransport
	}
	return &TransportError{Kind: kind, Addr: addr, Err: err}
}

func (e *TransportError) Error() string {
	msg := e.Kind.Error()
	if e.Addr != "" {
		msg += " [" + e.Addr + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind, the ErrTransport umbrella and the cause to errors.Is / errors.As.
func (e *TransportError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind != ErrTransport {
		errs = append(errs, ErrTransport)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTransport reports whether err means the call never reached or never returned from the service.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// RemoteError is an error returned by the remote service method itself.
//
// Error() yields the remote message verbatim. When the method contract registered a sentinel error with
// the same code, Unwrap returns it, so errors.Is behaves like it would for a local call.
type RemoteError struct {
	Type    string // Go type of the remote error, e.g. "*errors.errorString"
	Code    string // Sentinel code resolved through the contract, empty when unknown
	Message string
	Err     error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.Err }

// Protocol wraps a protocol-level sentinel with the message the peer sent back.
func Protocol(kind error, msg string) error {
	if msg == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, msg)
}
