package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"mini-ipc/discovery"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys, usually object paths, onto a hash ring of
// servers. Each server owns replicas virtual nodes hashed from "{key}#{i}", so a
// key stays on its server while other servers come and go.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32
	nodes map[uint32]discovery.Record
}

// NewConsistentHashBalancer creates an empty ring with 100 virtual nodes per server.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    map[uint32]discovery.Record{},
	}
}

// Add places rec on the ring. Adding the same server twice is a no-op.
func (b *ConsistentHashBalancer) Add(rec discovery.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.replicas {
		hash := crc32.ChecksumIEEE([]byte(rec.Key() + "#" + strconv.Itoa(i)))
		if _, exists := b.nodes[hash]; !exists {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = rec
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes rec off the ring.
func (b *ConsistentHashBalancer) Remove(rec discovery.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.ring[:0]
	for _, hash := range b.ring {
		if b.nodes[hash].Key() == rec.Key() {
			delete(b.nodes, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
}

// Pick returns the server owning key: the first virtual node clockwise from the
// key's hash.
func (b *ConsistentHashBalancer) Pick(key string) (*discovery.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, errors.WithStack(ErrNoServers)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	rec := b.nodes[b.ring[idx]]
	return &rec, nil
}

// Name returns the strategy name.
func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
