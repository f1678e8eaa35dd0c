package announce

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const keyPrefix = "/fabric-rpc/services/"

// EtcdAnnouncer implements Announcer on etcd v3.
type EtcdAnnouncer struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	ttl    int64
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]announcement // key → lease
}

type announcement struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops the keepalive
}

// NewEtcdAnnouncer connects to the given etcd endpoints. ttl is the lease TTL in seconds.
func NewEtcdAnnouncer(endpoints []string, ttl int64, logger *zap.Logger) (*EtcdAnnouncer, error) {
	if logger == nil {
		logger = zap.L()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdAnnouncer{
		client: c,
		ttl:    ttl,
		logger: logger,
		leases: make(map[string]announcement),
	}, nil
}

func serviceKey(serviceID, addr string) string {
	return keyPrefix + serviceID + "/" + addr
}

// Announce puts the endpoint under a fresh lease and keeps the lease alive until Withdraw or Close.
// The lease id stays local to the call so several invokers can share one announcer.
func (a *EtcdAnnouncer) Announce(ctx context.Context, serviceID, addr string) error {
	key := serviceKey(serviceID, addr)

	lease, err := a.client.Grant(ctx, a.ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(Endpoint{ServiceID: serviceID, Addr: addr})
	if err != nil {
		return err
	}
	if _, err = a.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keepalive must outlive ctx, which usually belongs to a single registration call.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := a.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		a.logger.Debug("announcement keepalive stopped", zap.String("key", key))
	}()

	a.mu.Lock()
	old, replaced := a.leases[key]
	a.leases[key] = announcement{lease: lease.ID, cancel: cancel}
	a.mu.Unlock()
	if replaced {
		old.cancel()
		_, _ = a.client.Revoke(ctx, old.lease)
	}
	return nil
}

// Withdraw removes the endpoint and stops renewing its lease.
func (a *EtcdAnnouncer) Withdraw(ctx context.Context, serviceID, addr string) error {
	key := serviceKey(serviceID, addr)

	a.mu.Lock()
	ann, ok := a.leases[key]
	delete(a.leases, key)
	a.mu.Unlock()

	if ok {
		ann.cancel()
		if _, err := a.client.Revoke(ctx, ann.lease); err != nil {
			return err
		}
	}
	_, err := a.client.Delete(ctx, key)
	return err
}

// Lookup lists the endpoints currently announced for a service id.
func (a *EtcdAnnouncer) Lookup(ctx context.Context, serviceID string) ([]Endpoint, error) {
	resp, err := a.client.Get(ctx, keyPrefix+serviceID+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			a.logger.Warn("skipping malformed announcement", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Close revokes every lease this announcer still holds and closes the etcd client.
func (a *EtcdAnnouncer) Close() error {
	a.mu.Lock()
	leases := a.leases
	a.leases = make(map[string]announcement)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	for _, ann := range leases {
		ann.cancel()
		if _, rerr := a.client.Revoke(ctx, ann.lease); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return multierr.Append(err, a.client.Close())
}
