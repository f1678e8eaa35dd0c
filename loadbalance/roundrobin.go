package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes calls evenly across all slots in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next slot in round-robin order. The key is ignored.
func (b *RoundRobinBalancer) Pick(_ string, n int) (int, error) {
	if n <= 0 {
		return 0, errNoSlots
	}
	return int((b.counter.Add(1) - 1) % uint64(n)), nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
