// Package viewer is the surface a UI shell drives: one open image, the live
// peer list, transfers, and a merged notification stream.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pixshare/discovery"
	"pixshare/imaging"
	"pixshare/models"
	"pixshare/network"
	"pixshare/storage"
)

const notificationBufferSize = 256

// PeerSource is the live peer registry. *discovery.Service satisfies it.
type PeerSource interface {
	List() []models.Peer
	Events() <-chan discovery.Event
}

// Transfers is the transfer coordinator. *network.Coordinator satisfies it.
type Transfers interface {
	OfferShare(peerKey string, payload network.Payload) (string, error)
	RespondToOffer(id string, accept bool) error
	Cancel(id string) error
	Session(id string) (network.Snapshot, error)
	Payload(id string) (network.Payload, error)
	Events() <-chan network.Snapshot
}

// HistoryStore persists what the viewer has seen. *storage.Store satisfies it.
type HistoryStore interface {
	ListTransfers(ctx context.Context, filter storage.TransferFilter) ([]models.TransferRecord, error)
	RecordPeerSighting(ctx context.Context, peer models.Peer) error
}

// NotificationKind identifies what changed.
type NotificationKind string

const (
	NotifySessionState NotificationKind = "session_state"
	NotifyPeerAdded    NotificationKind = "peer_added"
	NotifyPeerUpdated  NotificationKind = "peer_updated"
	NotifyPeerRemoved  NotificationKind = "peer_removed"
)

// Notification is one entry of the merged stream returned by Notifications.
// Session is set for session kinds, Peer and Reason for peer kinds.
type Notification struct {
	Kind    NotificationKind
	Session network.Snapshot
	Peer    models.Peer
	Reason  string
}

// Options wires a Viewer. Every collaborator is optional; operations that
// need a missing one return ErrUnavailable.
type Options struct {
	Peers       PeerSource
	Transfers   Transfers
	History     HistoryStore
	JPEGQuality int
	Logger      *slog.Logger
}

// ErrUnavailable indicates the operation needs a collaborator the viewer was
// built without.
var ErrUnavailable = errors.New("viewer: not available")

// Viewer holds the open image and fans registry and transfer events into one
// notification channel.
type Viewer struct {
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	asset          *imaging.Asset
	sourceSize     int64
	sourceModified time.Time

	notifications chan Notification
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New builds a viewer and starts forwarding events from opts.Peers and
// opts.Transfers.
func New(opts Options) *Viewer {
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = imaging.DefaultJPEGQuality
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	v := &Viewer{
		opts:          opts,
		logger:        logger.With("component", "viewer"),
		notifications: make(chan Notification, notificationBufferSize),
		stop:          make(chan struct{}),
	}

	if opts.Peers != nil {
		v.wg.Add(1)
		go v.forwardPeers(opts.Peers.Events())
	}
	if opts.Transfers != nil {
		v.wg.Add(1)
		go v.forwardSessions(opts.Transfers.Events())
	}
	return v
}

// Close stops event forwarding. Collaborators are not closed.
func (v *Viewer) Close() {
	v.stopOnce.Do(func() {
		close(v.stop)
		v.wg.Wait()
	})
}

// Notifications merges session state changes and peer registry changes.
// Events are dropped while the consumer lags; polling stays authoritative.
func (v *Viewer) Notifications() <-chan Notification {
	return v.notifications
}

// OpenImage decodes data and makes it the current image. On failure the
// previous image stays open.
func (v *Viewer) OpenImage(name string, data []byte) (imaging.Metadata, error) {
	return v.OpenImageFile(name, data, time.Time{})
}

// OpenImageFile is OpenImage for a file whose modification time is known.
func (v *Viewer) OpenImageFile(name string, data []byte, modified time.Time) (imaging.Metadata, error) {
	asset, err := imaging.DecodeNamed(name, data)
	if err != nil {
		return imaging.Metadata{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.asset = asset
	v.sourceSize = int64(len(data))
	v.sourceModified = modified
	return imaging.DescribeFile(asset, v.sourceSize, modified), nil
}

// Asset returns the current image, or nil.
func (v *Viewer) Asset() *imaging.Asset {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.asset
}

// Rotate turns the current image clockwise by quarter turns.
func (v *Viewer) Rotate(quarterTurns int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.asset == nil {
		return imaging.ErrNoImage
	}
	v.asset = imaging.Rotate(v.asset, quarterTurns)
	return nil
}

// Edit applies a destructive operation to the current image.
func (v *Viewer) Edit(op imaging.Operation) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.asset == nil {
		return imaging.ErrNoImage
	}
	next, err := imaging.Edit(v.asset, op)
	if err != nil {
		return err
	}
	v.asset = next
	return nil
}

// Convert encodes the current image. A zero quality uses the configured JPEG
// quality.
func (v *Viewer) Convert(format imaging.Format, quality int) ([]byte, error) {
	asset := v.Asset()
	if asset == nil {
		return nil, imaging.ErrNoImage
	}
	if quality == 0 {
		quality = v.opts.JPEGQuality
	}
	return imaging.Convert(asset, format, imaging.EncodeOptions{Quality: quality})
}

// Metadata describes the current image. Size and modification time describe
// the source file and are only reported while the image is unedited.
func (v *Viewer) Metadata() (imaging.Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.asset == nil {
		return imaging.Metadata{}, imaging.ErrNoImage
	}
	if v.asset.Dirty {
		return imaging.Describe(v.asset, -1), nil
	}
	return imaging.DescribeFile(v.asset, v.sourceSize, v.sourceModified), nil
}

// Thumbnail returns a preview of the current image.
func (v *Viewer) Thumbnail(maxSide int) (*imaging.Asset, error) {
	return imaging.Thumbnail(v.Asset(), maxSide)
}

// ListPeers returns the live peers sorted by name.
func (v *Viewer) ListPeers() []models.Peer {
	if v.opts.Peers == nil {
		return nil
	}
	return v.opts.Peers.List()
}

// ShareToPeer offers the current image to a peer. An unedited image is sent
// byte for byte; an edited one is re-encoded, as JPEG when it came from a
// JPEG and as PNG otherwise.
func (v *Viewer) ShareToPeer(peerKey string) (string, error) {
	if v.opts.Transfers == nil {
		return "", fmt.Errorf("share: %w", ErrUnavailable)
	}
	payload, err := v.sharePayload()
	if err != nil {
		return "", err
	}
	id, err := v.opts.Transfers.OfferShare(peerKey, payload)
	if err != nil {
		return "", err
	}
	v.logger.Info("share started", "session", id, "peer", peerKey, "filename", payload.Filename, "bytes", len(payload.Data))
	return id, nil
}

func (v *Viewer) sharePayload() (network.Payload, error) {
	asset := v.Asset()
	if asset == nil {
		return network.Payload{}, imaging.ErrNoImage
	}

	if !asset.Dirty && len(asset.Source) > 0 {
		return network.Payload{
			Filename: shareName(asset.Name, asset.Format),
			MimeType: asset.Format.MimeType(),
			Data:     asset.Source,
		}, nil
	}

	target := imaging.FormatPNG
	if asset.Format == imaging.FormatJPEG {
		target = imaging.FormatJPEG
	}
	data, err := imaging.Convert(asset, target, imaging.EncodeOptions{Quality: v.opts.JPEGQuality})
	if err != nil {
		return network.Payload{}, err
	}
	return network.Payload{
		Filename: shareName(asset.Name, target),
		MimeType: target.MimeType(),
		Data:     data,
	}, nil
}

func shareName(name string, format imaging.Format) string {
	base := filepath.Base(name)
	if name == "" || base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if imaging.FormatFromName(base) == format {
		return base
	}
	return stem + format.Extension()
}

// RespondToOffer accepts or rejects a pending inbound offer.
func (v *Viewer) RespondToOffer(id string, accept bool) error {
	if v.opts.Transfers == nil {
		return fmt.Errorf("respond: %w", ErrUnavailable)
	}
	return v.opts.Transfers.RespondToOffer(id, accept)
}

// CancelTransfer cancels a running session.
func (v *Viewer) CancelTransfer(id string) error {
	if v.opts.Transfers == nil {
		return fmt.Errorf("cancel: %w", ErrUnavailable)
	}
	return v.opts.Transfers.Cancel(id)
}

// PollSessionState returns the current snapshot of a session.
func (v *Viewer) PollSessionState(id string) (network.Snapshot, error) {
	if v.opts.Transfers == nil {
		return network.Snapshot{}, fmt.Errorf("poll: %w", ErrUnavailable)
	}
	return v.opts.Transfers.Session(id)
}

// ReceivedPayload returns the bytes of a completed inbound session.
func (v *Viewer) ReceivedPayload(id string) (network.Payload, error) {
	if v.opts.Transfers == nil {
		return network.Payload{}, fmt.Errorf("payload: %w", ErrUnavailable)
	}
	return v.opts.Transfers.Payload(id)
}

// OpenReceived makes a completed inbound payload the current image.
func (v *Viewer) OpenReceived(id string) (imaging.Metadata, error) {
	payload, err := v.ReceivedPayload(id)
	if err != nil {
		return imaging.Metadata{}, err
	}
	return v.OpenImage(payload.Filename, payload.Data)
}

// History returns up to limit finished transfers, newest first.
func (v *Viewer) History(limit int) ([]models.TransferRecord, error) {
	if v.opts.History == nil {
		return nil, fmt.Errorf("history: %w", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.opts.History.ListTransfers(ctx, storage.TransferFilter{Limit: limit})
}

func (v *Viewer) forwardPeers(events <-chan discovery.Event) {
	defer v.wg.Done()
	for {
		select {
		case <-v.stop:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			v.recordSighting(event)

			kind := NotifyPeerUpdated
			switch event.Type {
			case discovery.EventPeerAdded:
				kind = NotifyPeerAdded
			case discovery.EventPeerRemoved:
				kind = NotifyPeerRemoved
			}
			v.notify(Notification{Kind: kind, Peer: event.Peer, Reason: event.Reason})
		}
	}
}

func (v *Viewer) recordSighting(event discovery.Event) {
	if v.opts.History == nil || event.Type == discovery.EventPeerRemoved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.opts.History.RecordPeerSighting(ctx, event.Peer); err != nil {
		v.logger.Warn("record peer sighting", "peer", event.Peer.ID, "error", err)
	}
}

func (v *Viewer) forwardSessions(events <-chan network.Snapshot) {
	defer v.wg.Done()
	var last = make(map[string]string)
	for {
		select {
		case <-v.stop:
			return
		case snap, ok := <-events:
			if !ok {
				return
			}
			// Progress updates repeat the state; only changes are forwarded.
			state := snap.State.Name()
			if last[snap.ID] == state {
				continue
			}
			last[snap.ID] = state
			if snap.State.Terminal() {
				delete(last, snap.ID)
			}
			v.notify(Notification{Kind: NotifySessionState, Session: snap})
		}
	}
}

func (v *Viewer) notify(n Notification) {
	select {
	case v.notifications <- n:
	default:
		v.logger.Debug("dropping notification", "kind", n.Kind)
	}
}
