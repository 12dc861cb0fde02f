package network

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pixshare/crypto"
	"pixshare/models"
)

type fakeDirectory struct {
	mu    sync.Mutex
	peers map[string]models.Peer
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{peers: make(map[string]models.Peer)}
}

func (d *fakeDirectory) Put(peer models.Peer) {
	d.mu.Lock()
	d.peers[peer.ID] = peer
	d.mu.Unlock()
}

func (d *fakeDirectory) Delete(id string) {
	d.mu.Lock()
	delete(d.peers, id)
	d.mu.Unlock()
}

func (d *fakeDirectory) Lookup(key string) (models.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer, ok := d.peers[key]; ok {
		return peer, true
	}
	for _, peer := range d.peers {
		if strings.EqualFold(peer.Name, key) {
			return peer, true
		}
	}
	return models.Peer{}, false
}

type fakeHistory struct {
	mu      sync.Mutex
	records []models.TransferRecord
}

func (h *fakeHistory) RecordTransfer(_ context.Context, record models.TransferRecord) error {
	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) Records() []models.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.TransferRecord(nil), h.records...)
}

type testNode struct {
	*Coordinator
	id       string
	identity *crypto.Identity
}

func newTestNode(t *testing.T, dir *fakeDirectory, id, name string, mutate func(*Options)) *testNode {
	t.Helper()

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	opts := Options{
		DeviceID:           id,
		DeviceName:         name,
		Identity:           identity,
		Peers:              dir,
		ChunkSize:          1024,
		ConnectionTimeout:  2 * time.Second,
		NegotiationTimeout: 5 * time.Second,
		StallTimeout:       2 * time.Second,
		ResultTimeout:      2 * time.Second,
		PeerCheckInterval:  50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	coordinator, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := coordinator.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	t.Cleanup(func() { _ = coordinator.Close() })

	addr := coordinator.Addr().(*net.TCPAddr)
	dir.Put(models.Peer{
		ID:          id,
		Name:        name,
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Fingerprint: identity.Fingerprint,
		LastSeen:    time.Now(),
		Source:      models.PeerSourceUDP,
	})

	return &testNode{Coordinator: coordinator, id: id, identity: identity}
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition was not met within %s", timeout)
}

func waitForState(t *testing.T, node *testNode, id, state string) Snapshot {
	t.Helper()

	var snap Snapshot
	waitForCondition(t, 5*time.Second, func() bool {
		current, err := node.Session(id)
		if err != nil {
			return false
		}
		snap = current
		return current.State.Name() == state
	})
	return snap
}

func waitForSession(t *testing.T, node *testNode, id string) {
	t.Helper()
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := node.Session(id)
		return err == nil
	})
}

func failureCode(t *testing.T, snap Snapshot) FailureCode {
	t.Helper()
	terr := snap.Err()
	if terr == nil {
		t.Fatalf("session %s in %s has no failure", snap.ID, snap.State.Name())
	}
	return terr.Code
}

func testPayload(size int) Payload {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return Payload{Filename: "photo.png", MimeType: "image/png", Data: data}
}
