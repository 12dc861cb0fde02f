package network

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pixshare/crypto"
	"pixshare/models"
)

func TestTransferCompletes(t *testing.T) {
	dir := newFakeDirectory()
	history := &fakeHistory{}
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) { o.History = history })

	payload := testPayload(10_000)
	id, err := sender.OfferShare("Desk-01", payload)
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	if snap, err := sender.Session(id); err != nil {
		t.Fatalf("Session() error = %v", err)
	} else if snap.Direction != Outbound || snap.PeerID != receiver.id {
		t.Fatalf("unexpected outbound snapshot: %+v", snap)
	}

	waitForSession(t, receiver, id)
	if err := receiver.RespondToOffer(id, true); err != nil {
		t.Fatalf("RespondToOffer() error = %v", err)
	}

	sent := waitForState(t, sender, id, "completed")
	got := waitForState(t, receiver, id, "completed")

	if sent.BytesTransferred != int64(len(payload.Data)) {
		t.Fatalf("sender bytes = %d, want %d", sent.BytesTransferred, len(payload.Data))
	}
	if got.PeerID != sender.id || got.PeerName != "Laptop" || got.Direction != Inbound {
		t.Fatalf("unexpected inbound snapshot: %+v", got)
	}
	if got.Checksum != sent.Checksum {
		t.Fatalf("checksums differ: %s vs %s", got.Checksum, sent.Checksum)
	}
	if completed := got.State.(Completed); completed.Checksum != sent.Checksum {
		t.Fatalf("completed checksum = %s, want %s", completed.Checksum, sent.Checksum)
	}

	received, err := receiver.Payload(id)
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if !bytes.Equal(received.Data, payload.Data) {
		t.Fatalf("received payload differs from sent payload")
	}
	if received.Filename != "photo.png" || received.MimeType != "image/png" {
		t.Fatalf("unexpected payload metadata: %q %q", received.Filename, received.MimeType)
	}
	if _, err := sender.Payload(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("sender Payload() error = %v, want ErrInvalidTransition", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		records := history.Records()
		return len(records) == 1 && records[0].State == "completed" && records[0].Direction == "inbound"
	})
}

func TestEventsReportProgress(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) {
		o.AutoAccept = func(Snapshot) (bool, bool) { return true, true }
	})

	id, err := sender.OfferShare("device-b", testPayload(4096))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForState(t, sender, id, "completed")

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen["completed"] {
		select {
		case snap := <-sender.Events():
			if snap.ID == id {
				seen[snap.State.Name()] = true
			}
		case <-deadline:
			t.Fatalf("events seen %v, want completed", seen)
		}
	}
	for _, state := range []string{"negotiating", "transferring", "completed"} {
		if !seen[state] {
			t.Fatalf("missing %s event, seen %v", state, seen)
		}
	}
}

func TestRejectedOffer(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(2048))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForSession(t, receiver, id)
	if err := receiver.RespondToOffer(id, false); err != nil {
		t.Fatalf("RespondToOffer() error = %v", err)
	}

	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrRejected) {
		t.Fatalf("sender failure = %v, want rejected", snap.Err())
	}
	if code := failureCode(t, waitForState(t, receiver, id, "failed")); code != CodeRejected {
		t.Fatalf("receiver failure code = %s, want %s", code, CodeRejected)
	}
	if _, err := receiver.Payload(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Payload() error = %v, want ErrInvalidTransition", err)
	}
}

func TestOfferShareUnknownPeer(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)

	_, err := sender.OfferShare("Nobody", testPayload(10))
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("OfferShare() error = %v, want ErrPeerNotFound", err)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || terr.Code != CodePeerNotFound {
		t.Fatalf("OfferShare() error = %#v, want TransferError with peer_not_found", err)
	}
	if len(sender.Sessions()) != 0 {
		t.Fatalf("expected no session to be created")
	}
}

func TestOfferShareRejectsEmptyPayload(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	newTestNode(t, dir, "device-b", "Desk-01", nil)

	if _, err := sender.OfferShare("device-b", Payload{Filename: "x.png"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("OfferShare() error = %v, want ErrInvalidPayload", err)
	}
}

func TestPeerBusyFailsFast(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	first, err := sender.OfferShare("device-b", testPayload(100))
	if err != nil {
		t.Fatalf("first OfferShare() error = %v", err)
	}

	_, err = sender.OfferShare("device-b", testPayload(100))
	if !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("second OfferShare() error = %v, want ErrPeerBusy", err)
	}
	if len(sender.Sessions()) != 1 {
		t.Fatalf("busy share must not create a session, have %d", len(sender.Sessions()))
	}

	waitForSession(t, receiver, first)
	if _, err := receiver.OfferShare("device-a", testPayload(100)); !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("reverse OfferShare() error = %v, want ErrPeerBusy", err)
	}

	if err := receiver.RespondToOffer(first, false); err != nil {
		t.Fatalf("RespondToOffer() error = %v", err)
	}
	waitForState(t, sender, first, "failed")

	if _, err := sender.OfferShare("device-b", testPayload(100)); err != nil {
		t.Fatalf("OfferShare() after terminal session error = %v", err)
	}
}

func TestRespondToOfferInvalidTransitions(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(100))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}

	if err := sender.RespondToOffer(id, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RespondToOffer(outbound) error = %v, want ErrInvalidTransition", err)
	}
	if snap, _ := sender.Session(id); snap.State.Name() != "negotiating" {
		t.Fatalf("outbound state changed to %s", snap.State.Name())
	}
	if err := receiver.RespondToOffer("missing", true); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("RespondToOffer(unknown) error = %v, want ErrSessionNotFound", err)
	}

	waitForSession(t, receiver, id)
	if err := receiver.RespondToOffer(id, false); err != nil {
		t.Fatalf("RespondToOffer() error = %v", err)
	}
	if err := receiver.RespondToOffer(id, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second RespondToOffer() error = %v, want ErrInvalidTransition", err)
	}

	waitForState(t, receiver, id, "failed")
	if err := receiver.RespondToOffer(id, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RespondToOffer(terminal) error = %v, want ErrInvalidTransition", err)
	}
	if snap, _ := receiver.Session(id); snap.State.Name() != "failed" {
		t.Fatalf("terminal state changed to %s", snap.State.Name())
	}
}

func TestChecksumMismatchFailsBothSides(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) {
		o.AutoAccept = func(Snapshot) (bool, bool) { return true, true }
	})
	sender.offerHook = func(offer *Offer) {
		offer.Checksum = strings.Repeat("0", 64)
	}

	id, err := sender.OfferShare("device-b", testPayload(3000))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}

	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrChecksumMismatch) {
		t.Fatalf("sender failure = %v, want checksum mismatch", snap.Err())
	}
	if code := failureCode(t, waitForState(t, receiver, id, "failed")); code != CodeChecksumMismatch {
		t.Fatalf("receiver failure code = %s, want %s", code, CodeChecksumMismatch)
	}
	if _, err := receiver.Payload(id); err == nil {
		t.Fatalf("Payload() of a corrupted transfer should fail")
	}
}

func TestCancelDuringNegotiation(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(500))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForSession(t, receiver, id)

	if err := sender.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if snap, _ := sender.Session(id); snap.State.Name() != "cancelled" {
		t.Fatalf("state after Cancel = %s, want cancelled", snap.State.Name())
	}
	if err := sender.Cancel(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}

	if code := failureCode(t, waitForState(t, receiver, id, "failed")); code != CodeCancelled {
		t.Fatalf("receiver failure code = %s, want %s", code, CodeCancelled)
	}
}

func TestReceiverCancelDuringNegotiation(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(500))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForSession(t, receiver, id)

	if err := receiver.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := receiver.RespondToOffer(id, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RespondToOffer() after cancel error = %v, want ErrInvalidTransition", err)
	}
	if code := failureCode(t, waitForState(t, sender, id, "failed")); code != CodeCancelled {
		t.Fatalf("sender failure code = %s, want %s", code, CodeCancelled)
	}
}

func TestCancelDuringTransferEvictsAfterRetention(t *testing.T) {
	dir := newFakeDirectory()
	retention := func(o *Options) { o.Retention = 150 * time.Millisecond }
	sender := newTestNode(t, dir, "device-a", "Laptop", retention)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) {
		retention(o)
		o.AutoAccept = func(Snapshot) (bool, bool) { return true, true }
	})

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sender.beforeChunk = func(_ string, index uint64) {
		if index == 2 {
			once.Do(func() { close(reached) })
			<-release
		}
	}

	id, err := sender.OfferShare("device-b", testPayload(8000))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatalf("transfer never reached the third chunk")
	}
	if snap, _ := sender.Session(id); snap.State.Name() != "transferring" || snap.BytesTransferred != 2048 {
		t.Fatalf("unexpected state before cancel: %s with %d bytes", snap.State.Name(), snap.BytesTransferred)
	}

	if err := sender.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	if code := failureCode(t, waitForState(t, receiver, id, "failed")); code != CodeCancelled {
		t.Fatalf("receiver failure code = %s, want %s", code, CodeCancelled)
	}

	waitForCondition(t, 3*time.Second, func() bool {
		_, senderErr := sender.Session(id)
		_, receiverErr := receiver.Session(id)
		return errors.Is(senderErr, ErrSessionNotFound) && errors.Is(receiverErr, ErrSessionNotFound)
	})
	if len(sender.Sessions()) != 0 || len(receiver.Sessions()) != 0 {
		t.Fatalf("expected no retained sessions")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", func(o *Options) {
		o.NegotiationTimeout = 150 * time.Millisecond
	})
	newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(500))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrTimeout) {
		t.Fatalf("failure = %v, want timeout", snap.Err())
	}
	if snap.Err().Error() == "" {
		t.Fatalf("failure must have a readable message")
	}
}

func TestPeerLeavesDuringNegotiation(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(500))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForSession(t, receiver, id)

	left := time.Now()
	dir.Delete("device-b")

	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrPeerUnreachable) {
		t.Fatalf("failure = %v, want peer unreachable", snap.Err())
	}
	if elapsed := time.Since(left); elapsed > 2*time.Second {
		t.Fatalf("departure noticed after %s, negotiation timeout is 5s", elapsed)
	}
}

func TestPeerLeavesMidTransfer(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) {
		o.AutoAccept = func(Snapshot) (bool, bool) { return true, true }
	})

	sender.beforeChunk = func(_ string, index uint64) {
		if index == 2 {
			dir.Delete("device-b")
		}
	}

	id, err := sender.OfferShare("device-b", testPayload(8000))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}

	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrPeerUnreachable) {
		t.Fatalf("failure = %v, want peer unreachable", snap.Err())
	}
	if snap.BytesTransferred != 2048 {
		t.Fatalf("bytes transferred = %d, want 2048", snap.BytesTransferred)
	}
	if !strings.Contains(snap.Err().Error(), "Desk-01") {
		t.Fatalf("failure %q does not name the peer", snap.Err().Error())
	}
	waitForState(t, receiver, id, "failed")
}

func TestStallTimeoutFailsReceiver(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) {
		o.StallTimeout = 300 * time.Millisecond
		o.AutoAccept = func(Snapshot) (bool, bool) { return true, true }
	})

	release := make(chan struct{})
	defer close(release)
	sender.beforeChunk = func(_ string, index uint64) {
		if index == 2 {
			<-release
		}
	}

	id, err := sender.OfferShare("device-b", testPayload(8000))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}

	snap := waitForState(t, receiver, id, "failed")
	if !errors.Is(snap.Err(), ErrTimeout) {
		t.Fatalf("failure = %v, want timeout", snap.Err())
	}
	if snap.BytesTransferred != 2048 {
		t.Fatalf("bytes received = %d, want 2048", snap.BytesTransferred)
	}
}

func TestUnreachablePeer(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	dir.Put(models.Peer{ID: "device-gone", Name: "Gone", Host: "127.0.0.1", Port: port})

	id, err := sender.OfferShare("device-gone", testPayload(10))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrPeerUnreachable) {
		t.Fatalf("failure = %v, want peer unreachable", snap.Err())
	}
}

func TestOversizeOfferIsRejected(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", func(o *Options) { o.MaxPayloadSize = 100 })

	id, err := sender.OfferShare("device-b", testPayload(1000))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrRejected) {
		t.Fatalf("failure = %v, want rejected", snap.Err())
	}
	if len(receiver.Sessions()) != 0 {
		t.Fatalf("oversize offer must not open a session")
	}
}

func TestFingerprintMismatchIsRefused(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	impostor, _ := dir.Lookup("device-a")
	impostor.Fingerprint = strings.Repeat("ab", 16)
	dir.Put(impostor)

	id, err := sender.OfferShare("device-b", testPayload(100))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	snap := waitForState(t, sender, id, "failed")
	if !errors.Is(snap.Err(), ErrProtocol) || !strings.Contains(snap.Err().Error(), "key_mismatch") {
		t.Fatalf("failure = %v, want key_mismatch protocol error", snap.Err())
	}
	if len(receiver.Sessions()) != 0 {
		t.Fatalf("refused offer must not open a session")
	}
}

func TestInboundRefusesTamperedOffer(t *testing.T) {
	dir := newFakeDirectory()
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	offer := rawOffer(t, identity, "device-x")
	offer.Filename = "other.png"

	reply := exchangeOffer(t, receiver, offer)
	msg, err := decodeAs[ErrorMessage](reply)
	if err != nil || msg.Type != TypeError || msg.Code != "invalid_signature" {
		t.Fatalf("reply = %s, want invalid_signature error", reply)
	}
	if len(receiver.Sessions()) != 0 {
		t.Fatalf("tampered offer must not open a session")
	}
}

func TestInboundOfferFromBusyPeer(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	first, err := sender.OfferShare("device-b", testPayload(100))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForSession(t, receiver, first)

	reply := exchangeOffer(t, receiver, rawOffer(t, sender.identity, sender.id))
	resp, err := decodeAs[OfferResponse](reply)
	if err != nil || resp.Type != TypeOfferResponse || resp.Status != offerBusy {
		t.Fatalf("reply = %s, want busy offer_response", reply)
	}
	if len(receiver.Sessions()) != 1 {
		t.Fatalf("busy offer must not open a second session")
	}
}

func TestCloseCancelsRunningSessions(t *testing.T) {
	dir := newFakeDirectory()
	sender := newTestNode(t, dir, "device-a", "Laptop", nil)
	receiver := newTestNode(t, dir, "device-b", "Desk-01", nil)

	id, err := sender.OfferShare("device-b", testPayload(100))
	if err != nil {
		t.Fatalf("OfferShare() error = %v", err)
	}
	waitForSession(t, receiver, id)

	if err := sender.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := sender.OfferShare("device-b", testPayload(100)); !errors.Is(err, ErrClosed) {
		t.Fatalf("OfferShare() after Close error = %v, want ErrClosed", err)
	}
	if code := failureCode(t, waitForState(t, receiver, id, "failed")); code != CodeCancelled {
		t.Fatalf("receiver failure code = %s, want %s", code, CodeCancelled)
	}
	for range sender.Events() {
	}
}

func rawOffer(t *testing.T, identity *crypto.Identity, deviceID string) Offer {
	t.Helper()

	key, err := crypto.GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("GenerateEphemeralKey() error = %v", err)
	}
	offer := Offer{
		Type:            TypeOffer,
		SessionID:       uuid.NewString(),
		ProtocolVersion: ProtocolVersion,
		FromDeviceID:    deviceID,
		FromDeviceName:  "Raw",
		Filename:        "photo.png",
		Size:            10,
		MimeType:        "image/png",
		Checksum:        strings.Repeat("1", 64),
		ChunkSize:       1024,
		X25519PublicKey: key.PublicKey().Bytes(),
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := signOffer(identity, &offer); err != nil {
		t.Fatalf("signOffer() error = %v", err)
	}
	return offer
}

func exchangeOffer(t *testing.T, node *testNode, offer Offer) []byte {
	t.Helper()

	conn, err := net.DialTimeout("tcp", node.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := EncodeJSON(offer)
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	reply, err := ReadFrameWithTimeout(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	return reply
}
