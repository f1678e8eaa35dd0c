// Package contract describes the remotely callable surface of a service.
//
// An Interface is built once from a Go interface type and handed to both sides: the server uses it to
// decode arguments and invoke the method on an acquired instance, the client uses it to validate and
// encode a call and to decode the result. Both sides agree on a method through its signature
// descriptor, so a client compiled against a different interface gets a serialization failure instead
// of a mis-typed call.
//
// Supported method shapes:
//
//	M(args...)                          M(args...) error
//	M(args...) R                        M(args...) (R, error)
//
// optionally with a leading context.Context parameter, which is local to each side and never sent.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"fabric-rpc/rpcerr"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Interface is the type context of a published service.
type Interface struct {
	typ     reflect.Type
	methods map[string]*Method

	mu   sync.RWMutex
	errs []error
}

// Method is one remotely callable method.
type Method struct {
	Name      string
	Signature string

	withContext  bool
	params       []reflect.Type
	result       reflect.Type // nil when the method returns no value
	returnsError bool
}

// New builds an Interface from a nil pointer to an interface type, e.g. contract.New((*Hello)(nil)).
func New(iface any) (*Interface, error) {
	typ := reflect.TypeOf(iface)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Interface {
		return nil, fmt.Errorf("contract: want a pointer to an interface type, got %T", iface)
	}
	typ = typ.Elem()

	i := &Interface{typ: typ, methods: make(map[string]*Method)}
	for n := 0; n < typ.NumMethod(); n++ {
		m := typ.Method(n)
		if !m.IsExported() {
			continue
		}
		method, err := newMethod(m.Name, m.Type)
		if err != nil {
			return nil, fmt.Errorf("contract: %s.%s: %w", typ.Name(), m.Name, err)
		}
		i.methods[m.Name] = method
	}
	if len(i.methods) == 0 {
		return nil, fmt.Errorf("contract: %s has no exported methods", typ)
	}
	return i, nil
}

// MustNew is New for package-level contract variables.
func MustNew(iface any) *Interface {
	i, err := New(iface)
	if err != nil {
		panic(err)
	}
	return i
}

func newMethod(name string, ft reflect.Type) (*Method, error) {
	m := &Method{Name: name}
	in := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		m.withContext = true
		in = 1
	}
	if ft.IsVariadic() {
		return nil, errors.New("variadic methods are not supported")
	}
	for ; in < ft.NumIn(); in++ {
		m.params = append(m.params, ft.In(in))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.returnsError = true
		} else {
			m.result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType || ft.Out(0) == errorType {
			return nil, errors.New("two results must be (value, error)")
		}
		m.result, m.returnsError = ft.Out(0), true
	default:
		return nil, fmt.Errorf("%d results, at most (value, error) is supported", ft.NumOut())
	}

	m.Signature = signature(m)
	return m, nil
}

func signature(m *Method) string {
	params := make([]string, len(m.params))
	for i, p := range m.params {
		params[i] = p.String()
	}
	var results []string
	if m.result != nil {
		results = append(results, m.result.String())
	}
	if m.returnsError {
		results = append(results, "error")
	}

	sig := m.Name + "(" + strings.Join(params, ", ") + ")"
	switch len(results) {
	case 0:
	case 1:
		sig += " " + results[0]
	default:
		sig += " (" + strings.Join(results, ", ") + ")"
	}
	return sig
}

// Name returns the interface type name.
func (i *Interface) Name() string { return i.typ.String() }

// Type returns the interface type.
func (i *Interface) Type() reflect.Type { return i.typ }

// Implements reports whether v can serve calls described by the interface.
func (i *Interface) Implements(v any) bool {
	return v != nil && reflect.TypeOf(v).Implements(i.typ)
}

// Method looks a method up by name.
func (i *Interface) Method(name string) (*Method, bool) {
	m, ok := i.methods[name]
	return m, ok
}

// Methods returns the number of remotely callable methods.
func (i *Interface) Methods() int { return len(i.methods) }

// RegisterErrors declares sentinel errors the service may return. A remote error matching one of them
// with errors.Is unwraps to the same sentinel on the client. The code of a sentinel is its message.
func (i *Interface) RegisterErrors(errs ...error) *Interface {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errs = append(i.errs, errs...)
	return i
}

// ErrorCode returns the code of the first registered sentinel matching err, or "".
func (i *Interface) ErrorCode(err error) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, sentinel := range i.errs {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

// ErrorFor resolves a code back to the registered sentinel.
func (i *Interface) ErrorFor(code string) error {
	if code == "" {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, sentinel := range i.errs {
		if sentinel.Error() == code {
			return sentinel
		}
	}
	return nil
}

// TakesContext reports whether the Go method expects a leading context.Context.
func (m *Method) TakesContext() bool { return m.withContext }

// ReturnsValue reports whether the method has a non-error result.
func (m *Method) ReturnsValue() bool { return m.result != nil }

func serializationError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{rpcerr.ErrSerialization}, args...)...)
}

// EncodeArgs checks the arguments against the declared parameters and encodes each of them.
func (m *Method) EncodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) != len(m.params) {
		return nil, serializationError("%s expects %d arguments, got %d", m.Name, len(m.params), len(args))
	}
	raw := make([]json.RawMessage, len(args))
	for n, arg := range args {
		param := m.params[n]
		if arg == nil {
			if !nillable(param) {
				return nil, serializationError("%s argument %d: nil is not a %s", m.Name, n, param)
			}
			raw[n] = json.RawMessage("null")
			continue
		}
		if at := reflect.TypeOf(arg); !at.AssignableTo(param) {
			return nil, serializationError("%s argument %d: %s is not assignable to %s", m.Name, n, at, param)
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, serializationError("%s argument %d: %v", m.Name, n, err)
		}
		raw[n] = data
	}
	return raw, nil
}

// DecodeArgs decodes encoded arguments into values of the declared parameter types.
func (m *Method) DecodeArgs(raw []json.RawMessage) ([]reflect.Value, error) {
	if len(raw) != len(m.params) {
		return nil, serializationError("%s expects %d arguments, got %d", m.Name, len(m.params), len(raw))
	}
	values := make([]reflect.Value, len(raw))
	for n, data := range raw {
		v := reflect.New(m.params[n])
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			return nil, serializationError("%s argument %d: %v", m.Name, n, err)
		}
		values[n] = v.Elem()
	}
	return values, nil
}

// SplitResults separates the outputs of a reflective call into the value and the returned error.
func (m *Method) SplitResults(out []reflect.Value) (reflect.Value, error) {
	var result reflect.Value
	if m.result != nil {
		result = out[0]
	}
	if m.returnsError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return result, errv.Interface().(error)
		}
	}
	return result, nil
}

// EncodeResult encodes the returned value. Methods without a value encode to nil.
func (m *Method) EncodeResult(result reflect.Value) (json.RawMessage, error) {
	if m.result == nil || !result.IsValid() {
		return nil, nil
	}
	data, err := json.Marshal(result.Interface())
	if err != nil {
		return nil, serializationError("%s result: %v", m.Name, err)
	}
	return data, nil
}

// DecodeResult stores the encoded value into reply, which must be a non-nil pointer.
// A nil reply discards the value.
func (m *Method) DecodeResult(raw json.RawMessage, reply any) error {
	if reply == nil || m.result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return serializationError("%s result: %v", m.Name, err)
	}
	return nil
}

// CheckReply verifies that reply can receive the method result before anything is sent.
func (m *Method) CheckReply(reply any) error {
	if reply == nil {
		return nil
	}
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return serializationError("%s reply must be a non-nil pointer, got %T", m.Name, reply)
	}
	return nil
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return false
}
