// Package message defines the invocation request and response exchanged between client and server.
//
// A message is the frame body: it gets serialized by the codec layer and wrapped in a protocol frame for
// transmission over TCP. The correlation id is not part of the body; it travels in the frame header.
package message

import "encoding/json"

// Request carries one method invocation.
type Request struct {
	ServiceID string            `json:"service"`   // Registry key of the target service
	Method    string            `json:"method"`    // Method name, e.g. "Hello"
	Signature string            `json:"signature"` // Method signature descriptor, e.g. "Hello(string) (string, error)"
	Args      []json.RawMessage `json:"args,omitempty"`
}

// Response carries the outcome of one invocation. Failure == nil means success and Result holds the
// encoded return value (empty for methods without one).
type Response struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Failure kinds.
const (
	KindApplication     = "application"       // The service method returned an error or panicked
	KindServiceNotFound = "service_not_found" // No registration for the ServiceID
	KindMethodNotFound  = "method_not_found"  // The service contract has no such method
	KindSerialization   = "serialization"     // Body, arguments or result could not be (de)serialized
	KindRejected        = "rejected"          // Refused before invocation, e.g. by rate limiting
)

// Failure describes why an invocation did not produce a result.
type Failure struct {
	Kind    string `json:"kind"`
	Type    string `json:"type,omitempty"` // Go type of an application error
	Code    string `json:"code,omitempty"` // Sentinel code registered on the contract
	Message string `json:"message"`
}

// Fail builds a failure response.
func Fail(kind, msg string) *Response {
	return &Response{Failure: &Failure{Kind: kind, Message: msg}}
}

// OK reports whether the response is a success.
func (r *Response) OK() bool { return r.Failure == nil }
