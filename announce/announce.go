// Package announce publishes which services a server invoker hosts, and where.
//
// Announcing is the boundary to the host component model: the invocation core never looks services up
// through it, it only reports registrations so that an external discovery layer can. The etcd
// implementation stores one key per (service, address):
//
//	Key:   /fabric-rpc/services/{ServiceID}/{Addr}
//	Value: JSON-encoded Endpoint
//
// Keys are attached to TTL leases: if the server dies, the lease expires and the entry disappears.
package announce

import "context"

// Announcer is notified when a server starts or stops serving a service id on an address.
type Announcer interface {
	Announce(ctx context.Context, serviceID, addr string) error
	Withdraw(ctx context.Context, serviceID, addr string) error
}

// Endpoint is the value stored for one announced service.
type Endpoint struct {
	ServiceID string `json:"service"`
	Addr      string `json:"addr"`
}
