package network

import (
	"fmt"
	"sync"
	"time"
)

// Direction tells whether this device sends or receives the payload.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// State is a session lifecycle state. The concrete types are Negotiating,
// Transferring, Completed, Failed and Cancelled.
type State interface {
	Name() string
	Terminal() bool
	isState()
}

// Negotiating waits for the receiver's decision.
type Negotiating struct{}

// Transferring streams the payload.
type Transferring struct {
	Bytes int64
	Total int64
}

// Completed is reached once the receiver verified the checksum.
type Completed struct {
	Checksum string
}

// Failed carries the cause of an unsuccessful transfer.
type Failed struct {
	Err *TransferError
}

// Cancelled is reached through a local Cancel.
type Cancelled struct{}

func (Negotiating) Name() string  { return "negotiating" }
func (Transferring) Name() string { return "transferring" }
func (Completed) Name() string    { return "completed" }
func (Failed) Name() string       { return "failed" }
func (Cancelled) Name() string    { return "cancelled" }

func (Negotiating) Terminal() bool  { return false }
func (Transferring) Terminal() bool { return false }
func (Completed) Terminal() bool    { return true }
func (Failed) Terminal() bool       { return true }
func (Cancelled) Terminal() bool    { return true }

func (Negotiating) isState()  {}
func (Transferring) isState() {}
func (Completed) isState()    {}
func (Failed) isState()       {}
func (Cancelled) isState()    {}

// canTransition is the whole state graph.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to.(type) {
	case Transferring:
		_, ok := from.(Negotiating)
		return ok
	case Completed:
		_, ok := from.(Transferring)
		return ok
	case Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Snapshot is an immutable copy of a session for polling and events.
type Snapshot struct {
	ID               string
	Direction        Direction
	PeerID           string
	PeerName         string
	Filename         string
	MimeType         string
	Size             int64
	Checksum         string
	BytesTransferred int64
	State            State
	StartedAt        time.Time
	UpdatedAt        time.Time
}

// Err returns the failure cause, or nil when the session has not failed.
func (s Snapshot) Err() *TransferError {
	if failed, ok := s.State.(Failed); ok {
		return failed.Err
	}
	return nil
}

// Session is one transfer. It serializes its own transitions; PeerID is only
// a lookup key into the peer registry.
type Session struct {
	ID        string
	Direction Direction
	PeerID    string
	PeerName  string
	Filename  string
	MimeType  string
	Size      int64
	Checksum  string
	StartedAt time.Time

	now    func() time.Time
	notify func(Snapshot, bool)

	mu        sync.Mutex
	state     State
	bytes     int64
	updatedAt time.Time
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:               s.ID,
		Direction:        s.Direction,
		PeerID:           s.PeerID,
		PeerName:         s.PeerName,
		Filename:         s.Filename,
		MimeType:         s.MimeType,
		Size:             s.Size,
		Checksum:         s.Checksum,
		BytesTransferred: s.bytes,
		State:            s.state,
		StartedAt:        s.StartedAt,
		UpdatedAt:        s.updatedAt,
	}
}

// transition moves to next or returns ErrInvalidTransition leaving the state
// untouched.
func (s *Session) transition(next State) error {
	s.mu.Lock()
	if !canTransition(s.state, next) {
		from := s.state.Name()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Name())
	}
	s.state = next
	if _, ok := next.(Completed); ok {
		s.bytes = s.Size
	}
	s.updatedAt = s.now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(snap, next.Terminal())
	}
	return nil
}

// advance records progress while Transferring.
func (s *Session) advance(bytes int64) error {
	s.mu.Lock()
	t, ok := s.state.(Transferring)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: progress in %s", ErrInvalidTransition, s.state.Name())
	}
	t.Bytes = bytes
	s.state = t
	s.bytes = bytes
	s.updatedAt = s.now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(snap, false)
	}
	return nil
}

// fail moves to Failed unless the session is already terminal.
func (s *Session) fail(err *TransferError) {
	if transitionErr := s.transition(Failed{Err: err}); transitionErr != nil {
		logger().Debug("dropping late failure", "session", s.ID, "code", err.Code, "error", transitionErr)
		return
	}
	logger().Info("transfer failed", "session", s.ID, "peer", s.PeerID, "code", err.Code, "error", err.Error())
}
