package discovery

import (
	"sort"
	"sync"
)

// LocalServer is one Server listening in this process.
type LocalServer struct {
	ID   string
	Port uint16
}

// LocalServers is the list of listening servers shared by Server instances and the
// discovery Service. Servers add themselves when they start listening and remove
// themselves on shutdown.
type LocalServers struct {
	mu      sync.RWMutex
	servers map[string]uint16
}

// NewLocalServers creates an empty list.
func NewLocalServers() *LocalServers {
	return &LocalServers{servers: map[string]uint16{}}
}

// Add registers a listening server.
func (l *LocalServers) Add(id string, port uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.servers[id] = port
}

// Remove drops a server.
func (l *LocalServers) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.servers, id)
}

// List returns the servers ordered by port.
func (l *LocalServers) List() []LocalServer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LocalServer, 0, len(l.servers))
	for id, port := range l.servers {
		out = append(out, LocalServer{ID: id, Port: port})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasID reports whether id belongs to a local server.
func (l *LocalServers) HasID(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, exists := l.servers[id]
	return exists
}

// HasPort reports whether a local server listens on port.
func (l *LocalServers) HasPort(port uint16) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, p := range l.servers {
		if p == port {
			return true
		}
	}
	return false
}

// Matches reports whether an advertised server is one of ours: its id is
// local, or sameHost is set and a local server listens on its port. Ports are
// only compared for datagrams sent from this host, since another host may run a
// server on the same port.
func (l *LocalServers) Matches(id string, port uint16, sameHost bool) bool {
	return l.HasID(id) || (sameHost && l.HasPort(port))
}
