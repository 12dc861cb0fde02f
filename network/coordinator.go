package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pixshare/crypto"
	"pixshare/models"
)

const (
	DefaultChunkSize          = 256 * 1024
	DefaultConnectionTimeout  = 10 * time.Second
	DefaultNegotiationTimeout = 60 * time.Second
	DefaultStallTimeout       = 15 * time.Second
	DefaultResultTimeout      = 30 * time.Second
	DefaultRetention          = 30 * time.Second
	DefaultPeerCheckInterval  = time.Second
	DefaultMaxPayloadSize     = 512 * 1024 * 1024

	eventBufferSize   = 256
	cancelSendTimeout = 500 * time.Millisecond
	historyTimeout    = 5 * time.Second
	defaultMimeType   = "application/octet-stream"
)

// PeerDirectory resolves live peers. discovery.Registry satisfies it.
type PeerDirectory interface {
	Lookup(key string) (models.Peer, bool)
}

// HistoryRecorder persists terminal sessions. storage.Store satisfies it.
type HistoryRecorder interface {
	RecordTransfer(ctx context.Context, record models.TransferRecord) error
}

// Payload is the content of a share.
type Payload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Options configures a Coordinator. Zero durations and sizes take the
// package defaults.
type Options struct {
	DeviceID   string
	DeviceName string
	Identity   *crypto.Identity
	Peers      PeerDirectory
	History    HistoryRecorder

	ChunkSize          int
	ConnectionTimeout  time.Duration
	NegotiationTimeout time.Duration
	StallTimeout       time.Duration
	ResultTimeout      time.Duration
	Retention          time.Duration
	MaxPayloadSize     int64
	// PeerCheckInterval is how often a pending offer re-resolves its peer.
	PeerCheckInterval time.Duration

	// AutoAccept, when set, may decide inbound offers without waiting for
	// RespondToOffer. Returning decided=false leaves the offer pending.
	AutoAccept func(Snapshot) (accept bool, decided bool)

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > MaxChunkSize {
		o.ChunkSize = MaxChunkSize
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = DefaultResultTimeout
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.PeerCheckInterval <= 0 {
		o.PeerCheckInterval = DefaultPeerCheckInterval
	}
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if strings.TrimSpace(o.DeviceName) == "" {
		o.DeviceName = o.DeviceID
	}
	return o
}

// activeSession is the coordinator's bookkeeping around one Session.
type activeSession struct {
	session *Session

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *frameConn

	decided   atomic.Bool
	decisions chan bool

	// offer is the inbound offer or nil for outbound sessions.
	offer *Offer

	payloadMu sync.Mutex
	received  []byte

	evict *time.Timer
}

func (as *activeSession) setConn(fc *frameConn) {
	as.connMu.Lock()
	as.conn = fc
	as.connMu.Unlock()
}

func (as *activeSession) connection() *frameConn {
	as.connMu.Lock()
	defer as.connMu.Unlock()
	return as.conn
}

// abort tells the peer best-effort and closes the connection.
func (as *activeSession) abort(reason string) {
	fc := as.connection()
	if fc != nil {
		fc.trySend(Cancel{
			Type:      TypeCancel,
			SessionID: as.session.ID,
			Reason:    reason,
			Timestamp: time.Now().UnixMilli(),
		}, cancelSendTimeout)
	}
	as.cancel()
	if fc != nil {
		_ = fc.Close()
	}
}

// Coordinator owns every transfer session of this device: outbound shares,
// inbound offers accepted by its Server, and their retention after they end.
type Coordinator struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*activeSession
	closed   bool

	server *Server

	eventsMu     sync.RWMutex
	events       chan Snapshot
	eventsClosed bool

	wg sync.WaitGroup

	// test hooks
	offerHook   func(*Offer)
	beforeChunk func(sessionID string, index uint64)
}

// NewCoordinator validates opts and returns an idle coordinator. Call Serve
// to accept inbound offers.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if strings.TrimSpace(opts.DeviceID) == "" {
		return nil, errors.New("network: device id is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("network: identity is required")
	}
	if opts.Peers == nil {
		return nil, errors.New("network: peer directory is required")
	}

	return &Coordinator{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*activeSession),
		events:   make(chan Snapshot, eventBufferSize),
	}, nil
}

// Serve starts the inbound TCP server on address (":0" picks a port).
func (c *Coordinator) Serve(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.server != nil {
		return errors.New("network: already serving")
	}

	server, err := listen(address, c.opts.ConnectionTimeout, c.handleOffer)
	if err != nil {
		return err
	}
	c.server = server
	logger().Info("transfer server listening", "addr", server.Addr().String())
	return nil
}

// Addr returns the server address, or nil before Serve.
func (c *Coordinator) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Addr()
}

// Errors streams inbound connection failures that have no session to land on.
func (c *Coordinator) Errors() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Errors()
}

// Events streams a snapshot on every state change and progress update. Slow
// consumers miss events; Session always has the current state. The channel
// is closed by Close.
func (c *Coordinator) Events() <-chan Snapshot {
	return c.events
}

// OfferShare starts an outbound transfer of payload to the peer named by
// peerKey (device ID or unique display name) and returns the session ID
// without waiting for the receiver.
//
// Each peer has a single transfer slot: while any session with that peer is
// still running, in either direction, OfferShare fails fast with an error
// matching ErrPeerBusy. Nothing is queued.
func (c *Coordinator) OfferShare(peerKey string, payload Payload) (string, error) {
	if len(payload.Data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if int64(len(payload.Data)) > c.opts.MaxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidPayload, len(payload.Data), c.opts.MaxPayloadSize)
	}

	peer, ok := c.opts.Peers.Lookup(peerKey)
	if !ok {
		return "", newTransferError(CodePeerNotFound, "no live peer matches %q", peerKey)
	}

	sum := sha256.Sum256(payload.Data)
	filename := sanitizeFilename(payload.Filename)
	mimeType := payload.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.busyLocked(peer.ID) {
		c.mu.Unlock()
		return "", newTransferError(CodePeerBusy, "%s already has a transfer in progress", peerLabel(peer))
	}

	as := c.newActiveSession(uuid.NewString(), Outbound, peer.ID, peer.Name, filename, mimeType, int64(len(payload.Data)), hex.EncodeToString(sum[:]))
	c.sessions[as.session.ID] = as
	c.wg.Add(1)
	c.mu.Unlock()

	logger().Info("offering share", "session", as.session.ID, "peer", peer.ID, "filename", filename, "size", len(payload.Data))
	c.emit(as.session.Snapshot())
	go c.runOutbound(as, peer, bytes.Clone(payload.Data))
	return as.session.ID, nil
}

// RespondToOffer records the local decision on an inbound offer. It is only
// valid once, for an inbound session still in Negotiating.
func (c *Coordinator) RespondToOffer(id string, accept bool) error {
	as, err := c.lookup(id)
	if err != nil {
		return err
	}
	if as.session.Direction != Inbound {
		return fmt.Errorf("%w: session %s is outbound", ErrInvalidTransition, id)
	}
	state := as.session.State()
	if _, ok := state.(Negotiating); !ok {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, state.Name())
	}
	if !as.decided.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: session %s already answered", ErrInvalidTransition, id)
	}

	as.decisions <- accept
	return nil
}

// Cancel ends a running session locally. The peer is notified best-effort.
func (c *Coordinator) Cancel(id string) error {
	as, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := as.session.transition(Cancelled{}); err != nil {
		return err
	}
	logger().Info("transfer cancelled", "session", id, "peer", as.session.PeerID)
	as.abort("cancelled by user")
	return nil
}

// Session returns the current snapshot of a retained session.
func (c *Coordinator) Session(id string) (Snapshot, error) {
	as, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return as.session.Snapshot(), nil
}

// Sessions returns every retained session, oldest first.
func (c *Coordinator) Sessions() []Snapshot {
	c.mu.Lock()
	snapshots := make([]Snapshot, 0, len(c.sessions))
	for _, as := range c.sessions {
		snapshots = append(snapshots, as.session.Snapshot())
	}
	c.mu.Unlock()

	sortSnapshots(snapshots)
	return snapshots
}

// Payload returns the verified bytes of a completed inbound session.
func (c *Coordinator) Payload(id string) (Payload, error) {
	as, err := c.lookup(id)
	if err != nil {
		return Payload{}, err
	}
	snap := as.session.Snapshot()
	if snap.Direction != Inbound {
		return Payload{}, fmt.Errorf("%w: session %s is outbound", ErrInvalidTransition, id)
	}
	if _, ok := snap.State.(Completed); !ok {
		return Payload{}, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, snap.State.Name())
	}

	as.payloadMu.Lock()
	defer as.payloadMu.Unlock()
	return Payload{Filename: snap.Filename, MimeType: snap.MimeType, Data: bytes.Clone(as.received)}, nil
}

// Close cancels every running session, stops the server and waits for the
// session runners to exit.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	server := c.server
	running := make([]*activeSession, 0, len(c.sessions))
	for _, as := range c.sessions {
		running = append(running, as)
	}
	c.mu.Unlock()

	for _, as := range running {
		if err := as.session.transition(Cancelled{}); err == nil {
			as.abort("device shutting down")
		}
		as.cancel()
	}

	var closeErr error
	if server != nil {
		closeErr = server.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	for id, as := range c.sessions {
		if as.evict != nil {
			as.evict.Stop()
		}
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	c.eventsMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.eventsMu.Unlock()

	return closeErr
}

func (c *Coordinator) lookup(id string) (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	as, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return as, nil
}

func (c *Coordinator) busyLocked(peerID string) bool {
	for _, as := range c.sessions {
		if as.session.PeerID == peerID && !as.session.State().Terminal() {
			return true
		}
	}
	return false
}

func (c *Coordinator) newActiveSession(id string, direction Direction, peerID, peerName, filename, mimeType string, size int64, checksum string) *activeSession {
	ctx, cancel := context.WithCancel(context.Background())
	now := c.opts.Now()
	as := &activeSession{
		ctx:       ctx,
		cancel:    cancel,
		decisions: make(chan bool, 1),
	}
	as.session = &Session{
		ID:        id,
		Direction: direction,
		PeerID:    peerID,
		PeerName:  peerName,
		Filename:  filename,
		MimeType:  mimeType,
		Size:      size,
		Checksum:  checksum,
		StartedAt: now,
		now:       c.opts.Now,
		state:     Negotiating{},
		updatedAt: now,
	}
	as.session.notify = func(snap Snapshot, terminal bool) {
		c.emit(snap)
		if terminal {
			c.finish(as, snap)
		}
	}
	return as
}

// finish persists a terminal session and schedules its eviction.
func (c *Coordinator) finish(as *activeSession, snap Snapshot) {
	if c.opts.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := c.opts.History.RecordTransfer(ctx, recordFor(snap)); err != nil {
			logger().Warn("record transfer history", "session", snap.ID, "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	as.evict = time.AfterFunc(c.opts.Retention, func() {
		c.mu.Lock()
		if current, ok := c.sessions[snap.ID]; ok && current == as {
			delete(c.sessions, snap.ID)
		}
		c.mu.Unlock()
		logger().Debug("session evicted", "session", snap.ID)
	})
}

func (c *Coordinator) emit(snap Snapshot) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- snap:
	default:
		logger().Debug("dropping session event", "session", snap.ID, "state", snap.State.Name())
	}
}

func recordFor(snap Snapshot) models.TransferRecord {
	record := models.TransferRecord{
		SessionID:        snap.ID,
		Direction:        string(snap.Direction),
		PeerID:           snap.PeerID,
		PeerName:         snap.PeerName,
		Filename:         snap.Filename,
		MimeType:         snap.MimeType,
		Size:             snap.Size,
		BytesTransferred: snap.BytesTransferred,
		Checksum:         snap.Checksum,
		State:            snap.State.Name(),
		StartedAt:        snap.StartedAt.UnixMilli(),
		FinishedAt:       snap.UpdatedAt.UnixMilli(),
	}
	if terr := snap.Err(); terr != nil {
		record.FailureCode = string(terr.Code)
		record.FailureMessage = terr.Error()
	}
	return record
}

func sortSnapshots(snapshots []Snapshot) {
	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].StartedAt.Equal(snapshots[j].StartedAt) {
			return snapshots[i].StartedAt.Before(snapshots[j].StartedAt)
		}
		return snapshots[i].ID < snapshots[j].ID
	})
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(filepath.FromSlash(name))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "image"
	}
	return name
}

func peerLabel(peer models.Peer) string {
	if peer.Name != "" {
		return peer.Name
	}
	return peer.ID
}
