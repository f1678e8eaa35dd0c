package client

import (
	"errors"
	"time"

	"fabric-rpc/message"
)

var errTooManyCalls = errors.New("client: no free correlation id on connection")

// outcome is what a waiting caller receives: a response, or the error that ended the call.
type outcome struct {
	resp *message.Response
	err  error
}

// pendingCall is one in-flight request. Every field except done is owned by the connection's queue.
type pendingCall struct {
	id       uint32
	start    time.Time
	done     chan outcome // capacity 1, receives exactly one outcome
	finished bool
}

func newPendingCall() *pendingCall {
	return &pendingCall{start: time.Now(), done: make(chan outcome, 1)}
}

// deliver hands the outcome to the caller once. Later deliveries (a late response after a timeout, a
// teardown after an abandon) are dropped.
func (pc *pendingCall) deliver(resp *message.Response, err error) {
	if pc.finished {
		return
	}
	pc.finished = true
	pc.done <- outcome{resp: resp, err: err}
}

// pendingTable maps correlation ids to in-flight calls. Ids start at 1, wrap around, and skip any id
// still outstanding, so an id is never reused while its call is pending. 0 is never handed out.
type pendingTable struct {
	last  uint32
	calls map[uint32]*pendingCall
}

func (t *pendingTable) add(pc *pendingCall) (uint32, error) {
	if t.calls == nil {
		t.calls = make(map[uint32]*pendingCall)
	}
	if uint64(len(t.calls)) >= 1<<32-1 {
		return 0, errTooManyCalls
	}
	for {
		t.last++
		if t.last == 0 {
			continue
		}
		if _, busy := t.calls[t.last]; !busy {
			break
		}
	}
	pc.id = t.last
	t.calls[pc.id] = pc
	return pc.id, nil
}

// remove takes the call registered under id out of the table.
func (t *pendingTable) remove(id uint32) (*pendingCall, bool) {
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

// drain empties the table and returns every call it held.
func (t *pendingTable) drain() []*pendingCall {
	calls := make([]*pendingCall, 0, len(t.calls))
	for id, pc := range t.calls {
		calls = append(calls, pc)
		delete(t.calls, id)
	}
	return calls
}

func (t *pendingTable) len() int { return len(t.calls) }
