package loadbalance

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"mini-ipc/discovery"
)

// RoundRobinBalancer cycles through the records in order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

var _ Balancer = (*RoundRobinBalancer)(nil)

// Pick returns the next record.
func (b *RoundRobinBalancer) Pick(records []discovery.Record) (*discovery.Record, error) {
	if len(records) == 0 {
		return nil, errors.WithStack(ErrNoServers)
	}
	index := (b.counter.Add(1) - 1) % uint64(len(records))
	return &records[index], nil
}

// Name implements Balancer.
func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
