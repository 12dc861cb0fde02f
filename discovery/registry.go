package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pixshare/models"
)

const (
	// EventPeerAdded is emitted when a peer becomes live.
	EventPeerAdded EventType = "peer_added"
	// EventPeerUpdated is emitted when a live peer changes name, address or key.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerRemoved is emitted when a peer leaves the registry.
	EventPeerRemoved EventType = "peer_removed"
)

// Reasons attached to EventPeerRemoved.
const (
	RemovedTimeout  = "timeout"
	RemovedBye      = "bye"
	RemovedReplaced = "address_reused"
)

// DefaultLivenessTimeout is how long a peer stays listed without announcing.
const DefaultLivenessTimeout = 15 * time.Second

// EventType identifies peer registry updates.
type EventType string

// Event carries registry updates for UI and network consumers.
type Event struct {
	Type   EventType
	Peer   models.Peer
	Reason string
}

// Registry is the live peer table. A single goroutine owns the map; every
// read and write is a message to it, so callers never share the map.
type Registry struct {
	timeout time.Duration
	now     func() time.Time

	ops    chan func(map[string]models.Peer)
	events chan Event

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry starts a registry. A zero timeout selects
// DefaultLivenessTimeout; a nil now selects time.Now.
func NewRegistry(timeout time.Duration, now func() time.Time) *Registry {
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		timeout: timeout,
		now:     now,
		ops:     make(chan func(map[string]models.Peer)),
		events:  make(chan Event, 128),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.done)
	defer close(r.events)

	peers := make(map[string]models.Peer)
	for {
		select {
		case op := <-r.ops:
			op(peers)
		case <-r.stop:
			return
		}
	}
}

// do runs op on the registry goroutine and waits for it to finish.
func (r *Registry) do(op func(map[string]models.Peer)) bool {
	finished := make(chan struct{})
	select {
	case r.ops <- func(peers map[string]models.Peer) {
		defer close(finished)
		op(peers)
	}:
	case <-r.stop:
		return false
	}
	<-finished
	return true
}

// Close stops the registry goroutine and closes the event channel.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

// Events streams registry changes. Events are dropped if the consumer falls
// behind; List is always authoritative.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Timeout returns the liveness timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Observe inserts or refreshes a peer. LastSeen is set to the registry
// clock when zero. Any other peer at the same address is evicted.
func (r *Registry) Observe(peer models.Peer) {
	r.do(func(peers map[string]models.Peer) {
		if peer.LastSeen.IsZero() {
			peer.LastSeen = r.now()
		}
		r.evictExpired(peers)

		old, exists := peers[peer.ID]
		if exists && old.Source == models.PeerSourceUDP && peer.Source == models.PeerSourceMDNS {
			// UDP announcements carry the address the peer is reachable on.
			peer.Host, peer.Port, peer.Source = old.Host, old.Port, old.Source
		}

		addr := peer.Address()
		for id, other := range peers {
			if id != peer.ID && other.Address() == addr {
				delete(peers, id)
				r.emit(Event{Type: EventPeerRemoved, Peer: other, Reason: RemovedReplaced})
			}
		}
		peers[peer.ID] = peer

		switch {
		case !exists:
			r.emit(Event{Type: EventPeerAdded, Peer: peer})
		case !samePeer(old, peer):
			r.emit(Event{Type: EventPeerUpdated, Peer: peer})
		}
	})
}

// Remove drops a peer after an explicit disconnect.
func (r *Registry) Remove(id string) {
	r.do(func(peers map[string]models.Peer) {
		if peer, ok := peers[id]; ok {
			delete(peers, id)
			r.emit(Event{Type: EventPeerRemoved, Peer: peer, Reason: RemovedBye})
		}
	})
}

// Sweep evicts expired peers and returns how many were removed.
func (r *Registry) Sweep() int {
	removed := 0
	r.do(func(peers map[string]models.Peer) {
		removed = r.evictExpired(peers)
	})
	return removed
}

// List returns live peers sorted by name then ID.
func (r *Registry) List() []models.Peer {
	var out []models.Peer
	r.do(func(peers map[string]models.Peer) {
		r.evictExpired(peers)
		out = make([]models.Peer, 0, len(peers))
		for _, peer := range peers {
			out = append(out, peer)
		}
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Lookup resolves a device ID, or a display name that matches exactly one
// live peer, to the current peer entry.
func (r *Registry) Lookup(key string) (models.Peer, bool) {
	var (
		found models.Peer
		ok    bool
	)
	key = strings.TrimSpace(key)
	r.do(func(peers map[string]models.Peer) {
		r.evictExpired(peers)
		if peer, exists := peers[key]; exists {
			found, ok = peer, true
			return
		}
		matches := 0
		for _, peer := range peers {
			if strings.EqualFold(peer.Name, key) {
				found = peer
				matches++
			}
		}
		ok = matches == 1
	})
	if !ok {
		return models.Peer{}, false
	}
	return found, true
}

func (r *Registry) evictExpired(peers map[string]models.Peer) int {
	now := r.now()
	removed := 0
	for id, peer := range peers {
		if now.Sub(peer.LastSeen) > r.timeout {
			delete(peers, id)
			removed++
			r.emit(Event{Type: EventPeerRemoved, Peer: peer, Reason: RemovedTimeout})
		}
	}
	return removed
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
		logger().Debug("dropping registry event", "type", event.Type, "peer", event.Peer.ID)
	}
}

func samePeer(a, b models.Peer) bool {
	return a.Name == b.Name &&
		a.Host == b.Host &&
		a.Port == b.Port &&
		a.Version == b.Version &&
		a.Fingerprint == b.Fingerprint
}
