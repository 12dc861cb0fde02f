package discovery

import (
	"testing"
	"time"

	"pixshare/models"
)

func TestRegistryLivenessScenario(t *testing.T) {
	clock := newFakeClock()
	timeout := 15 * time.Second
	registry := NewRegistry(timeout, clock.Now)
	defer registry.Close()

	registry.Observe(models.Peer{ID: "desk-id", Name: "Desk-01", Host: "192.168.1.20", Port: 47374, Source: models.PeerSourceUDP})

	peers := registry.List()
	if len(peers) != 1 || peers[0].Name != "Desk-01" {
		t.Fatalf("expected exactly Desk-01, got %+v", peers)
	}

	clock.Advance(2 * timeout)
	if peers := registry.List(); len(peers) != 0 {
		t.Fatalf("expected empty registry after 2x liveness timeout, got %+v", peers)
	}

	added := nextEvent(t, registry.Events())
	removed := nextEvent(t, registry.Events())
	if added.Type != EventPeerAdded || removed.Type != EventPeerRemoved || removed.Reason != RemovedTimeout {
		t.Fatalf("unexpected events %+v %+v", added, removed)
	}
}

func TestRegistryRefreshKeepsPeerAlive(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(10*time.Second, clock.Now)
	defer registry.Close()

	peer := models.Peer{ID: "a", Name: "Alpha", Host: "10.0.0.2", Port: 1000}
	registry.Observe(peer)
	for i := 0; i < 5; i++ {
		clock.Advance(6 * time.Second)
		registry.Observe(peer)
	}
	if got := registry.List(); len(got) != 1 {
		t.Fatalf("expected refreshed peer to stay listed, got %+v", got)
	}
	if got := registry.List()[0].LastSeen; !got.Equal(clock.Now()) {
		t.Fatalf("expected LastSeen %v, got %v", clock.Now(), got)
	}

	clock.Advance(11 * time.Second)
	if removed := registry.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove 1 peer, got %d", removed)
	}
}

func TestRegistryAddressCollisionEvictsOlderEntry(t *testing.T) {
	registry := NewRegistry(time.Minute, newFakeClock().Now)
	defer registry.Close()

	registry.Observe(models.Peer{ID: "old", Name: "Laptop", Host: "10.0.0.5", Port: 47374})
	registry.Observe(models.Peer{ID: "new", Name: "Laptop (reinstalled)", Host: "10.0.0.5", Port: 47374})

	peers := registry.List()
	if len(peers) != 1 || peers[0].ID != "new" {
		t.Fatalf("expected only the newest ID at the address, got %+v", peers)
	}

	nextEvent(t, registry.Events())
	removed := nextEvent(t, registry.Events())
	if removed.Type != EventPeerRemoved || removed.Peer.ID != "old" || removed.Reason != RemovedReplaced {
		t.Fatalf("unexpected removal event %+v", removed)
	}
}

func TestRegistryRemoveAndLookup(t *testing.T) {
	registry := NewRegistry(time.Minute, newFakeClock().Now)
	defer registry.Close()

	registry.Observe(models.Peer{ID: "id-1", Name: "Desk-01", Host: "10.0.0.1", Port: 1})
	registry.Observe(models.Peer{ID: "id-2", Name: "Twin", Host: "10.0.0.2", Port: 1})
	registry.Observe(models.Peer{ID: "id-3", Name: "twin", Host: "10.0.0.3", Port: 1})

	if peer, ok := registry.Lookup("id-1"); !ok || peer.Name != "Desk-01" {
		t.Fatalf("lookup by ID failed: %+v %v", peer, ok)
	}
	if peer, ok := registry.Lookup("desk-01"); !ok || peer.ID != "id-1" {
		t.Fatalf("lookup by unique name failed: %+v %v", peer, ok)
	}
	if _, ok := registry.Lookup("Twin"); ok {
		t.Fatalf("expected ambiguous name lookup to fail")
	}

	registry.Remove("id-1")
	if _, ok := registry.Lookup("id-1"); ok {
		t.Fatalf("expected removed peer to be gone")
	}
	registry.Remove("missing")
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 peers, got %d", got)
	}
}

func TestRegistryEmitsUpdateOnlyOnChange(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(time.Minute, clock.Now)
	defer registry.Close()

	peer := models.Peer{ID: "id", Name: "Before", Host: "10.0.0.9", Port: 1}
	registry.Observe(peer)
	registry.Observe(peer)
	peer.Name = "After"
	registry.Observe(peer)

	if e := nextEvent(t, registry.Events()); e.Type != EventPeerAdded {
		t.Fatalf("expected add, got %+v", e)
	}
	if e := nextEvent(t, registry.Events()); e.Type != EventPeerUpdated || e.Peer.Name != "After" {
		t.Fatalf("expected update to After, got %+v", e)
	}
	select {
	case e := <-registry.Events():
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestRegistryKeepsUDPAddressWhenMDNSRefreshes(t *testing.T) {
	registry := NewRegistry(time.Minute, newFakeClock().Now)
	defer registry.Close()

	registry.Observe(models.Peer{ID: "id", Name: "Desk", Host: "192.168.1.4", Port: 5000, Source: models.PeerSourceUDP})
	registry.Observe(models.Peer{ID: "id", Name: "Desk", Host: "fe80::1", Port: 5000, Source: models.PeerSourceMDNS})

	peer, ok := registry.Lookup("id")
	if !ok || peer.Host != "192.168.1.4" || peer.Source != models.PeerSourceUDP {
		t.Fatalf("expected UDP address to win, got %+v", peer)
	}
}

func TestRegistryClosedOperationsDoNotBlock(t *testing.T) {
	registry := NewRegistry(time.Minute, nil)
	registry.Close()
	registry.Close()

	registry.Observe(models.Peer{ID: "x", Host: "h", Port: 1})
	if peers := registry.List(); len(peers) != 0 {
		t.Fatalf("expected no peers from closed registry")
	}
	if _, ok := <-registry.Events(); ok {
		t.Fatalf("expected closed event channel")
	}
}
