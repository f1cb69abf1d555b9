package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every key written by EtcdRegistry.
const KeyPrefix = "/mini-ipc/"

// EtcdRegistry implements Registry on etcd v3. Entries are attached to leases,
// so endpoints of crashed servers expire on their own.
//
//	Key:   /mini-ipc/{user}/{serverId}
//	Value: JSON-encoded Endpoint
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry connects to etcd.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return &EtcdRegistry{client: c, leases: map[string]clientv3.LeaseID{}}, nil
}

func key(e Endpoint) string {
	return userPrefix(e.User) + e.ServerID
}

func userPrefix(user string) string {
	return KeyPrefix + user + "/"
}

// Register implements Registry. The lease is renewed in the background for as
// long as ctx lives or until Deregister.
func (r *EtcdRegistry) Register(ctx context.Context, e Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "granting lease")
	}

	val, err := json.Marshal(e)
	if err != nil {
		return errors.WithStack(err)
	}

	if _, err := r.client.Put(ctx, key(e), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "putting %s", key(e))
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keeping lease alive")
	}

	r.mu.Lock()
	r.leases[key(e)] = lease.ID
	r.mu.Unlock()

	log := logger.Get(ctx).With(zap.String("key", key(e)))
	log.Info("Endpoint registered", zap.Int64("ttl", ttl))

	go func() {
		for range ch {
		}
		log.Debug("Lease renewal stopped")
	}()
	return nil
}

// Deregister implements Registry.
func (r *EtcdRegistry) Deregister(ctx context.Context, e Endpoint) error {
	r.mu.Lock()
	leaseID, exists := r.leases[key(e)]
	delete(r.leases, key(e))
	r.mu.Unlock()

	if exists {
		// Revoking the lease deletes the key and ends KeepAlive.
		if _, err := r.client.Revoke(ctx, leaseID); err == nil {
			return nil
		}
	}
	if _, err := r.client.Delete(ctx, key(e)); err != nil {
		return errors.Wrapf(err, "deleting %s", key(e))
	}
	return nil
}

// Discover implements Registry.
func (r *EtcdRegistry) Discover(ctx context.Context, user string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, userPrefix(user), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", userPrefix(user))
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e Endpoint
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			logger.Get(ctx).Warn("Skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}

// Watch implements Registry. It re-reads the whole list on every change.
func (r *EtcdRegistry) Watch(ctx context.Context, user string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)

		watchChan := r.client.Watch(ctx, userPrefix(user), clientv3.WithPrefix())
		for range watchChan {
			endpoints, err := r.Discover(ctx, user)
			if err != nil {
				logger.Get(ctx).Warn("Refreshing endpoints failed", zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return errors.WithStack(r.client.Close())
}
