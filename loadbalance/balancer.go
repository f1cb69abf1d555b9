// Package loadbalance picks one server among those found by discovery or the
// registry.
//
//   - RoundRobin:     spread one-shot calls evenly
//   - ConsistentHash: keep every object path on the same server, so proxies and
//     calls for one object meet the same state
package loadbalance

import (
	"github.com/pkg/errors"

	"mini-ipc/discovery"
)

// ErrNoServers is returned when there is nothing to pick from.
var ErrNoServers = errors.New("no servers available")

// Balancer picks one record from a list. Implementations are goroutine-safe.
type Balancer interface {
	Pick(records []discovery.Record) (*discovery.Record, error)

	// Name returns the strategy name for logging.
	Name() string
}
