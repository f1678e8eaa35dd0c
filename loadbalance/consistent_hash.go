package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// ConsistentHashBalancer maps keys to slots using a hash ring.
// The same key always maps to the same slot for a given slot count.
//
// Virtual nodes: each slot is mapped to N points on the ring so a handful of slots still split the
// key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         1 ●               ● 0
//	           │    key ◆──►   │   (clockwise to nearest point → slot 0)
//	         2 ●               ● 0' (virtual node of slot 0)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	rings map[int]*ring // built lazily per slot count
}

type ring struct {
	points []uint32       // sorted hash values
	slots  map[uint32]int // hash value → slot
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per slot.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		rings:    make(map[int]*ring),
	}
}

func (b *ConsistentHashBalancer) ringFor(n int) *ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[n]; ok {
		return r
	}
	r := &ring{slots: make(map[uint32]int, n*b.replicas)}
	for slot := 0; slot < n; slot++ {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(strconv.Itoa(slot) + "#" + strconv.Itoa(i)))
			r.points = append(r.points, hash)
			r.slots[hash] = slot
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i] < r.points[j]
	})
	b.rings[n] = r
	return r
}

// Pick hashes the key and walks clockwise to the first point on the ring.
func (b *ConsistentHashBalancer) Pick(key string, n int) (int, error) {
	if n <= 0 {
		return 0, errNoSlots
	}
	if n == 1 {
		return 0, nil
	}
	r := b.ringFor(n)
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= hash
	})
	// Wrap around: past the last point means the first one
	if idx == len(r.points) {
		idx = 0
	}
	return r.slots[r.points[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
