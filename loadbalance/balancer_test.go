package loadbalance

import (
	"fmt"
	"net"
	"testing"

	"mini-ipc/discovery"
)

var testRecords = []discovery.Record{
	{User: "u", Address: net.IPv4(10, 0, 0, 1), Port: 8001, ServerID: "a"},
	{User: "u", Address: net.IPv4(10, 0, 0, 2), Port: 8002, ServerID: "b"},
	{User: "u", Address: net.IPv4(10, 0, 0, 3), Port: 8003, ServerID: "c"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all records
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		rec, err := b.Pick(testRecords)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = rec.ServerID
	}
	if results[0] != "a" || results[1] != "b" || results[2] != "c" {
		t.Fatalf("unexpected order %v", results)
	}

	// Pick again, should wrap around to first
	rec, _ := b.Pick(testRecords)
	if rec.ServerID != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], rec.ServerID)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err == nil {
		t.Fatal("expect error for empty records")
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("App.Calc"); err == nil {
		t.Fatal("expect error for empty ring")
	}

	for _, rec := range testRecords {
		b.Add(rec)
	}

	// Same key should always map to the same server
	rec1, _ := b.Pick("App.Calc")
	rec2, _ := b.Pick("App.Calc")
	if rec1.ServerID != rec2.ServerID {
		t.Fatalf("same key mapped to different servers: %s vs %s", rec1.ServerID, rec2.ServerID)
	}

	// With 100 different keys and 3 servers, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rec, _ := b.Pick(fmt.Sprintf("App.Object%d", i))
		seen[rec.ServerID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different servers, got %d", len(seen))
	}
}

func TestConsistentHashRemove(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, rec := range testRecords {
		b.Add(rec)
	}

	owner, _ := b.Pick("App.Calc")
	for _, rec := range testRecords {
		if rec.ServerID != owner.ServerID {
			b.Remove(rec)
		}
	}

	// Removing other servers keeps the key where it was
	rec, err := b.Pick("App.Calc")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ServerID != owner.ServerID {
		t.Fatalf("key moved from %s to %s", owner.ServerID, rec.ServerID)
	}

	b.Remove(*owner)
	if _, err := b.Pick("App.Calc"); err == nil {
		t.Fatal("expect error after removing every server")
	}
}
