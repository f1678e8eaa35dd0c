// Package transport resolves "scheme://host:port" addresses into byte streams.
//
// The scheme selects a transport implementation. Only "tcp" ships with the package; other schemes can
// be plugged in with Register (for example a TLS dialer layered over the raw socket).
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultScheme is assumed for addresses written as plain "host:port".
const DefaultScheme = "tcp"

// Address is a parsed transport address.
type Address struct {
	Scheme string
	Host   string // host:port
}

// ParseAddress parses "tcp://host:port" or "host:port".
func ParseAddress(s string) (Address, error) {
	scheme, host := DefaultScheme, s
	if i := strings.Index(s, "://"); i >= 0 {
		scheme, host = strings.ToLower(s[:i]), s[i+3:]
	}
	if scheme == "" {
		return Address{}, fmt.Errorf("transport: missing scheme in %q", s)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return Address{}, fmt.Errorf("transport: invalid address %q: %w", s, err)
	}
	return Address{Scheme: scheme, Host: host}, nil
}

func (a Address) String() string { return a.Scheme + "://" + a.Host }

// Scheme creates connections and listeners for one address scheme.
type Scheme struct {
	Dial   func(ctx context.Context, host string) (net.Conn, error)
	Listen func(host string) (net.Listener, error)
}

var (
	schemesMu sync.RWMutex
	schemes   = map[string]Scheme{
		"tcp": {Dial: dialTCP, Listen: listenTCP},
	}
)

// Register installs (or replaces) a scheme.
func Register(name string, s Scheme) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	schemes[strings.ToLower(name)] = s
}

// HasScheme reports whether a scheme is available.
func HasScheme(name string) bool {
	_, ok := lookup(name)
	return ok
}

func lookup(name string) (Scheme, bool) {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	s, ok := schemes[name]
	return s, ok
}

// Dial opens a connection to addr.
func Dial(ctx context.Context, addr Address) (net.Conn, error) {
	s, ok := lookup(addr.Scheme)
	if !ok {
		return nil, fmt.Errorf("transport: unknown scheme %q", addr.Scheme)
	}
	return s.Dial(ctx, addr.Host)
}

// Listen binds a listener on addr.
func Listen(addr Address) (net.Listener, error) {
	s, ok := lookup(addr.Scheme)
	if !ok {
		return nil, fmt.Errorf("transport: unknown scheme %q", addr.Scheme)
	}
	return s.Listen(addr.Host)
}

// AddrOf renders a listener address in scheme form.
func AddrOf(scheme string, a net.Addr) string {
	return scheme + "://" + a.String()
}

func dialTCP(ctx context.Context, host string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", host)
}

func listenTCP(host string) (net.Listener, error) {
	return net.Listen("tcp", host)
}
