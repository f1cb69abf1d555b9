// Package registry publishes server endpoints to a shared store so clients outside
// the broadcast domain can find them.
package registry

import (
	"context"
	"net"

	"mini-ipc/discovery"
)

// Endpoint is one published server.
type Endpoint struct {
	User     string `json:"user"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	ServerID string `json:"serverId"`
}

// Record converts the endpoint into a discovery record. Hosts that are not IP
// literals are resolved.
func (e Endpoint) Record() (discovery.Record, error) {
	ip := net.ParseIP(e.Host)
	if ip == nil {
		addr, err := net.ResolveIPAddr("ip", e.Host)
		if err != nil {
			return discovery.Record{}, err
		}
		ip = addr.IP
	}
	return discovery.Record{
		User:     e.User,
		Address:  ip,
		Port:     e.Port,
		ServerID: e.ServerID,
	}, nil
}

// Registry stores endpoints grouped by user.
type Registry interface {
	// Register publishes the endpoint for ttl seconds and keeps renewing it until
	// Deregister is called.
	Register(ctx context.Context, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, endpoint Endpoint) error
	Discover(ctx context.Context, user string) ([]Endpoint, error)

	// Watch emits the full endpoint list of user after every change until ctx is done.
	Watch(ctx context.Context, user string) <-chan []Endpoint
}
