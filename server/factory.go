package server

import (
	"errors"
	"sync"
)

// Factory hands out the service instances that handle invocations for one registration.
//
// Acquire is called once per invocation and Release exactly once afterwards, whatever the outcome of the
// call. The lifecycle policy (shared singleton, fresh instance per call, bounded pool) belongs to the
// factory; the invoker never shares an acquired instance between concurrent invocations by itself.
type Factory interface {
	Acquire() (any, error)
	Release(instance any)
}

// FactoryFuncs adapts a pair of functions to Factory. A nil release is a no-op.
type FactoryFuncs struct {
	AcquireFunc func() (any, error)
	ReleaseFunc func(instance any)
}

func (f FactoryFuncs) Acquire() (any, error) { return f.AcquireFunc() }

func (f FactoryFuncs) Release(instance any) {
	if f.ReleaseFunc != nil {
		f.ReleaseFunc(instance)
	}
}

type singleton struct{ instance any }

// Singleton serves every invocation with the same instance, which must be safe for concurrent use.
func Singleton(instance any) Factory { return singleton{instance} }

func (s singleton) Acquire() (any, error) { return s.instance, nil }
func (s singleton) Release(any)           {}

type perCall struct{ newFn func() any }

// PerCall creates a fresh instance for every invocation and drops it afterwards.
func PerCall(newFn func() any) Factory { return perCall{newFn} }

func (p perCall) Acquire() (any, error) { return p.newFn(), nil }
func (p perCall) Release(any)           {}

// ErrPoolClosed is returned by Pool.Acquire after Close.
var ErrPoolClosed = errors.New("server: instance pool closed")

// Pool keeps up to max reusable instances.
//
// Design: a buffered channel is the idle list. It is FIFO, goroutine-safe, and blocking on empty comes
// for free. Instances are created lazily; when max instances are out, Acquire waits for a Release.
type Pool struct {
	mu      sync.Mutex
	idle    chan any
	max     int
	created int
	closed  bool
	newFn   func() any
}

// NewPool creates a pool of at most max instances built by newFn.
func NewPool(max int, newFn func() any) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		idle:  make(chan any, max),
		max:   max,
		newFn: newFn,
	}
}

// Acquire returns an idle instance, creates one if the pool is below max, or blocks until one is
// released.
func (p *Pool) Acquire() (any, error) {
	select {
	case inst, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return inst, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.created < p.max {
		p.created++
		p.mu.Unlock()
		return p.build(), nil
	}
	p.mu.Unlock()

	// At capacity: wait until an instance comes back
	inst, ok := <-p.idle
	if !ok {
		return nil, ErrPoolClosed
	}
	return inst, nil
}

// build runs newFn for a slot already counted in created, giving the slot back if newFn panics.
func (p *Pool) build() any {
	built := false
	defer func() {
		if !built {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
		}
	}()
	inst := p.newFn()
	built = true
	return inst
}

// Release returns an instance to the pool. An instance that finds the idle list full was not handed
// out by this pool and is dropped.
func (p *Pool) Release(instance any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if p.created > 0 {
			p.created--
		}
		return
	}
	select {
	case p.idle <- instance:
	default:
	}
}

// Created returns how many instances the pool has built so far.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close drops the idle instances and wakes blocked Acquire calls with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.idle)
	for range p.idle {
		p.created--
	}
}
