// Package loadbalance picks which connection of an address a call travels on.
//
// A client invoker may keep several connections per remote address (PoolSize > 1). Before each call it
// asks its Balancer for a slot index in [0, n):
//   - RoundRobin:      spreads calls evenly over the slots
//   - ConsistentHash:  keeps every call for one key (the service id) on the same slot,
//     which preserves per-service request ordering
package loadbalance

import (
	"errors"
	"fmt"
	"strings"
)

var errNoSlots = errors.New("loadbalance: no connection slots")

// Balancer is the interface for slot selection strategies.
type Balancer interface {
	// Pick selects one slot out of n. Called on every call, must be goroutine-safe.
	Pick(key string, n int) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "roundrobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
}
