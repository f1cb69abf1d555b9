package server

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"

	"mini-ipc/client"
	"mini-ipc/discovery"
	"mini-ipc/loadbalance"
	"mini-ipc/registry"
)

// memoryRegistry keeps endpoints in memory.
type memoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string]registry.Endpoint
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{endpoints: map[string]registry.Endpoint{}}
}

func (m *memoryRegistry) Register(_ context.Context, e registry.Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[e.ServerID] = e
	return nil
}

func (m *memoryRegistry) Deregister(_ context.Context, e registry.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, e.ServerID)
	return nil
}

func (m *memoryRegistry) Discover(_ context.Context, user string) ([]registry.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []registry.Endpoint
	for _, e := range m.endpoints {
		if e.User == user {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRegistry) Watch(context.Context, string) <-chan []registry.Endpoint {
	return nil
}

func records(ctx context.Context, t *testing.T, reg registry.Registry, user string) []discovery.Record {
	endpoints, err := reg.Discover(ctx, user)
	require.NoError(t, err)

	out := make([]discovery.Record, 0, len(endpoints))
	for _, e := range endpoints {
		rec, err := e.Record()
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

// Client → Registry → Balancer → Caller → Server → object.
func testMultiServer(ctx context.Context, t *testing.T, reg registry.Registry, user string) {
	requireT := require.New(t)

	servers := map[uint16]*fixture{}
	for range 2 {
		f := start(ctx, t, Config{})
		requireT.NoError(f.tree.Register(newCalc(t, "App.Calc", false)))
		requireT.NoError(f.server.Publish(reg, user, "127.0.0.1"))
		servers[f.server.Port()] = f
	}

	recs := records(ctx, t, reg, user)
	requireT.Len(recs, 2)

	caller := client.NewCaller(client.DefaultConfig())
	balancer := &loadbalance.RoundRobinBalancer{}
	hits := map[uint16]int{}
	for i := 1; i <= 10; i++ {
		rec, err := balancer.Pick(recs)
		requireT.NoError(err)
		hits[rec.Port]++

		res := caller.Do(ctx, client.Target{
			Host:       rec.Address.String(),
			Port:       rec.Port,
			ObjectPath: "App.Calc",
			Method:     "add",
			Args:       []any{i, i * 10},
		})
		requireT.True(res.Success, res.Message)
		requireT.Equal(int64(i+i*10), res.Value)
	}
	requireT.Len(hits, 2)

	for _, f := range servers {
		requireT.NoError(f.server.Shutdown(time.Second))
	}
	requireT.Empty(records(ctx, t, reg, user))
}

func TestMultiServer(t *testing.T) {
	testMultiServer(qa.NewContext(t), t, newMemoryRegistry(), "tester")
}

func TestMultiServerWithEtcd(t *testing.T) {
	endpoints := os.Getenv("MINI_IPC_ETCD")
	if endpoints == "" {
		t.Skip("MINI_IPC_ETCD not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	testMultiServer(qa.NewContext(t), t, reg, "test-"+t.Name())
}

func TestConsistentHashKeepsObjectOnOneServer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	reg := newMemoryRegistry()
	for range 3 {
		f := start(ctx, t, Config{})
		requireT.NoError(f.tree.Register(newCalc(t, "App.Calc", false)))
		requireT.NoError(f.server.Publish(reg, "tester", "127.0.0.1"))
	}

	balancer := loadbalance.NewConsistentHashBalancer()
	for _, rec := range records(ctx, t, reg, "tester") {
		balancer.Add(rec)
	}

	caller := client.NewCaller(client.DefaultConfig())
	owner, err := balancer.Pick("App.Calc")
	requireT.NoError(err)
	for range 3 {
		rec, err := balancer.Pick("App.Calc")
		requireT.NoError(err)
		requireT.Equal(owner.Port, rec.Port)

		res := caller.Do(ctx, client.Target{
			Host: rec.Address.String(), Port: rec.Port, ObjectPath: "App.Calc", Method: "add", Args: []any{1},
		})
		requireT.True(res.Success, res.Message)
	}
}
