package network

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"pixshare/crypto"
	"pixshare/models"
)

// nextFrame waits for the next inbound frame. It prefers frames already
// buffered over a closed connection, so a peer that answers and hangs up is
// still heard.
func nextFrame(ctx context.Context, fc *frameConn, deadline <-chan time.Time, waiting string) ([]byte, *TransferError) {
	select {
	case payload := <-fc.Inbound():
		return payload, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, newTransferError(CodeCancelled, "cancelled locally")
	case <-deadline:
		return nil, newTransferError(CodeTimeout, "no %s received", waiting)
	case payload := <-fc.Inbound():
		return payload, nil
	case <-fc.Done():
		select {
		case payload := <-fc.Inbound():
			return payload, nil
		default:
		}
		return nil, connectionLost(fc.LastError())
	}
}

func connectionLost(err error) *TransferError {
	if isTimeout(err) {
		return &TransferError{Code: CodeTimeout, Message: "no progress", Err: err}
	}
	return &TransferError{Code: CodeConnectionReset, Err: err}
}

// peerAbort interprets frames that end a session from the remote side.
func peerAbort(msgType string, payload []byte) *TransferError {
	switch msgType {
	case TypeCancel:
		msg, err := decodeAs[Cancel](payload)
		if err != nil || msg.Reason == "" {
			return newTransferError(CodeCancelled, "")
		}
		return newTransferError(CodeCancelled, "%s", msg.Reason)
	case TypeError:
		msg, err := decodeAs[ErrorMessage](payload)
		if err != nil {
			return &TransferError{Code: CodeProtocol, Err: err}
		}
		return newTransferError(CodeProtocol, "%s: %s", msg.Code, msg.Message)
	default:
		return newTransferError(CodeProtocol, "unexpected %q frame", msgType)
	}
}

func (c *Coordinator) runOutbound(as *activeSession, peer models.Peer, data []byte) {
	defer c.wg.Done()
	defer func() {
		if fc := as.connection(); fc != nil {
			_ = fc.Close()
		}
		as.cancel()
	}()

	if terr := c.sendPayload(as, peer, data); terr != nil {
		as.session.fail(terr)
	}
}

func (c *Coordinator) sendPayload(as *activeSession, peer models.Peer, data []byte) *TransferError {
	s := as.session
	ctx := as.ctx

	fc, err := dialPeer(ctx, peer.Address(), c.opts.ConnectionTimeout)
	if err != nil {
		return &TransferError{Code: CodePeerUnreachable, Message: peer.Address(), Err: err}
	}
	as.setConn(fc)
	if ctx.Err() != nil {
		return newTransferError(CodeCancelled, "cancelled locally")
	}

	ephemeral, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return &TransferError{Code: CodeProtocol, Message: "generate session key", Err: err}
	}

	offer := Offer{
		Type:            TypeOffer,
		SessionID:       s.ID,
		ProtocolVersion: ProtocolVersion,
		FromDeviceID:    c.opts.DeviceID,
		FromDeviceName:  c.opts.DeviceName,
		Filename:        s.Filename,
		Size:            s.Size,
		MimeType:        s.MimeType,
		Checksum:        s.Checksum,
		ChunkSize:       c.opts.ChunkSize,
		X25519PublicKey: ephemeral.PublicKey().Bytes(),
		Timestamp:       c.opts.Now().UnixMilli(),
	}
	if c.offerHook != nil {
		c.offerHook(&offer)
	}
	if err := signOffer(c.opts.Identity, &offer); err != nil {
		return &TransferError{Code: CodeProtocol, Message: "sign offer", Err: err}
	}
	if err := fc.Send(offer, c.opts.ConnectionTimeout); err != nil {
		return connectionLost(err)
	}

	sealer, terr := c.awaitAcceptance(as, fc, peer, ephemeral)
	if terr != nil {
		return terr
	}
	if err := s.transition(Transferring{Total: s.Size}); err != nil {
		return nil
	}
	logger().Info("offer accepted", "session", s.ID, "peer", s.PeerID)

	chunks, terr := c.streamChunks(as, fc, sealer, data)
	if terr != nil {
		return terr
	}

	complete := Complete{
		Type:      TypeComplete,
		SessionID: s.ID,
		Chunks:    chunks,
		Timestamp: c.opts.Now().UnixMilli(),
	}
	if err := fc.Send(complete, c.opts.StallTimeout); err != nil {
		return connectionLost(err)
	}

	return c.awaitResult(as, fc)
}

func (c *Coordinator) awaitAcceptance(as *activeSession, fc *frameConn, peer models.Peer, ephemeral *ecdh.PrivateKey) (*crypto.ChunkSealer, *TransferError) {
	timer := time.NewTimer(c.opts.NegotiationTimeout)
	defer timer.Stop()

	ctx, cancel := context.WithCancelCause(as.ctx)
	defer cancel(nil)
	go c.watchPeer(ctx, cancel, as.session.PeerID)

	payload, terr := nextFrame(ctx, fc, timer.C, "offer response")
	if terr != nil {
		if errors.Is(context.Cause(ctx), errPeerLeft) {
			return nil, newTransferError(CodePeerUnreachable, "%s left the network", peerLabel(peer))
		}
		return nil, terr
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, &TransferError{Code: CodeProtocol, Err: err}
	}
	if msgType != TypeOfferResponse {
		return nil, peerAbort(msgType, payload)
	}

	resp, err := decodeAs[OfferResponse](payload)
	if err != nil {
		return nil, &TransferError{Code: CodeProtocol, Err: err}
	}
	if resp.SessionID != as.session.ID {
		return nil, newTransferError(CodeProtocol, "response for unknown session %q", resp.SessionID)
	}

	switch resp.Status {
	case offerAccepted:
	case offerRejected:
		return nil, newTransferError(CodeRejected, "%s", resp.Message)
	case offerBusy:
		return nil, newTransferError(CodePeerBusy, "%s is busy with another transfer", peerLabel(peer))
	default:
		return nil, newTransferError(CodeProtocol, "unknown offer status %q", resp.Status)
	}

	remoteKey, err := verifyOfferResponse(resp)
	if err != nil {
		return nil, &TransferError{Code: CodeProtocol, Message: "offer response", Err: err}
	}
	if current, ok := c.opts.Peers.Lookup(as.session.PeerID); ok && current.Fingerprint != "" {
		if got := crypto.KeyFingerprint(remoteKey); got != current.Fingerprint {
			return nil, newTransferError(CodeProtocol, "receiver key fingerprint %s does not match announced %s", got, current.Fingerprint)
		}
	}

	remote, err := crypto.ParsePublicKey(resp.X25519PublicKey)
	if err != nil {
		return nil, &TransferError{Code: CodeProtocol, Err: err}
	}
	sealer, err := crypto.NewChunkSealer(ephemeral, remote, as.session.ID)
	if err != nil {
		return nil, &TransferError{Code: CodeProtocol, Err: err}
	}
	return sealer, nil
}

var errPeerLeft = errors.New("network: peer left the network")

// watchPeer cancels ctx with errPeerLeft once peerID no longer resolves.
func (c *Coordinator) watchPeer(ctx context.Context, cancel context.CancelCauseFunc, peerID string) {
	ticker := time.NewTicker(c.opts.PeerCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := c.opts.Peers.Lookup(peerID); !ok {
				cancel(errPeerLeft)
				return
			}
		}
	}
}

func (c *Coordinator) streamChunks(as *activeSession, fc *frameConn, sealer *crypto.ChunkSealer, data []byte) (uint64, *TransferError) {
	s := as.session
	var index uint64

	for offset := 0; offset < len(data); offset += c.opts.ChunkSize {
		if c.beforeChunk != nil {
			c.beforeChunk(s.ID, index)
		}
		if as.ctx.Err() != nil {
			return index, newTransferError(CodeCancelled, "cancelled locally")
		}
		if _, ok := c.opts.Peers.Lookup(s.PeerID); !ok {
			return index, newTransferError(CodePeerUnreachable, "%s left the network", s.PeerName)
		}

		select {
		case payload := <-fc.Inbound():
			msgType, err := DecodeMessageType(payload)
			if err != nil {
				return index, &TransferError{Code: CodeProtocol, Err: err}
			}
			if msgType == TypeResult {
				return index, resultFailure(payload)
			}
			return index, peerAbort(msgType, payload)
		default:
		}

		end := min(offset+c.opts.ChunkSize, len(data))
		chunk := Chunk{
			Type:      TypeChunk,
			SessionID: s.ID,
			Index:     index,
			Data:      sealer.Seal(index, data[offset:end]),
		}
		if err := fc.Send(chunk, c.opts.StallTimeout); err != nil {
			return index, c.sendFailure(as, fc, err)
		}
		index++
		if err := s.advance(int64(end)); err != nil {
			return index, newTransferError(CodeCancelled, "cancelled locally")
		}
	}
	return index, nil
}

// sendFailure explains a failed write, preferring what the peer said before
// it went away.
func (c *Coordinator) sendFailure(as *activeSession, fc *frameConn, err error) *TransferError {
	if as.ctx.Err() != nil {
		return newTransferError(CodeCancelled, "cancelled locally")
	}
	select {
	case payload := <-fc.Inbound():
		if msgType, decodeErr := DecodeMessageType(payload); decodeErr == nil {
			if msgType == TypeResult {
				return resultFailure(payload)
			}
			return peerAbort(msgType, payload)
		}
	default:
	}
	return connectionLost(err)
}

func (c *Coordinator) awaitResult(as *activeSession, fc *frameConn) *TransferError {
	timer := time.NewTimer(c.opts.ResultTimeout)
	defer timer.Stop()

	payload, terr := nextFrame(as.ctx, fc, timer.C, "transfer result")
	if terr != nil {
		return terr
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return &TransferError{Code: CodeProtocol, Err: err}
	}
	if msgType != TypeResult {
		return peerAbort(msgType, payload)
	}

	result, err := decodeAs[Result](payload)
	if err != nil {
		return &TransferError{Code: CodeProtocol, Err: err}
	}
	if result.Status != resultComplete {
		return resultFailure(payload)
	}
	if result.Checksum != "" && result.Checksum != as.session.Checksum {
		return newTransferError(CodeChecksumMismatch, "receiver reported checksum %s", result.Checksum)
	}

	if err := as.session.transition(Completed{Checksum: as.session.Checksum}); err == nil {
		logger().Info("transfer completed", "session", as.session.ID, "peer", as.session.PeerID, "bytes", as.session.Size)
	}
	return nil
}

func resultFailure(payload []byte) *TransferError {
	result, err := decodeAs[Result](payload)
	if err != nil {
		return &TransferError{Code: CodeProtocol, Err: err}
	}
	return newTransferError(codeFromWire(result.Code), "%s", result.Message)
}

// handleOffer validates an inbound offer and, if acceptable, opens an inbound
// session for it. Refusals are answered on the wire and never create one.
func (c *Coordinator) handleOffer(fc *frameConn, offer Offer, remote net.Addr) {
	refuse := func(code, message string) {
		logger().Warn("refusing offer", "remote", remote.String(), "device", offer.FromDeviceID, "code", code, "reason", message)
		_ = fc.Send(ErrorMessage{
			Type:      TypeError,
			Code:      code,
			Message:   message,
			Timestamp: c.opts.Now().UnixMilli(),
		}, time.Second)
		_ = fc.Close()
	}
	answer := func(status, message string) {
		logger().Info("declining offer", "remote", remote.String(), "device", offer.FromDeviceID, "status", status, "reason", message)
		_ = fc.Send(OfferResponse{
			Type:      TypeOfferResponse,
			SessionID: offer.SessionID,
			Status:    status,
			Message:   message,
			Timestamp: c.opts.Now().UnixMilli(),
		}, time.Second)
		_ = fc.Close()
	}

	senderKey, err := VerifyOffer(offer)
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		refuse("unsupported_version", fmt.Sprintf("protocol version %d is not supported", offer.ProtocolVersion))
		return
	case err != nil:
		refuse("invalid_signature", "offer signature verification failed")
		return
	}

	if offer.SessionID == "" || offer.FromDeviceID == "" || offer.Checksum == "" {
		refuse("bad_offer", "offer is missing required fields")
		return
	}
	if offer.FromDeviceID == c.opts.DeviceID {
		refuse("bad_offer", "offer from self")
		return
	}
	if known, ok := c.opts.Peers.Lookup(offer.FromDeviceID); ok && known.Fingerprint != "" {
		if got := crypto.KeyFingerprint(senderKey); got != known.Fingerprint {
			refuse("key_mismatch", "sender key does not match the announced fingerprint")
			return
		}
	}
	if offer.ChunkSize <= 0 || offer.ChunkSize > MaxChunkSize {
		refuse("bad_offer", fmt.Sprintf("chunk size %d out of range", offer.ChunkSize))
		return
	}
	if offer.Size <= 0 {
		answer(offerRejected, "empty payload")
		return
	}
	if offer.Size > c.opts.MaxPayloadSize {
		answer(offerRejected, fmt.Sprintf("payload of %d bytes exceeds limit of %d", offer.Size, c.opts.MaxPayloadSize))
		return
	}

	peerName := offer.FromDeviceName
	if peerName == "" {
		peerName = offer.FromDeviceID
	}
	mimeType := offer.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = fc.Close()
		return
	}
	if c.busyLocked(offer.FromDeviceID) {
		c.mu.Unlock()
		answer(offerBusy, "a transfer with this device is already in progress")
		return
	}
	if _, exists := c.sessions[offer.SessionID]; exists {
		c.mu.Unlock()
		refuse("bad_offer", "duplicate session id")
		return
	}

	as := c.newActiveSession(offer.SessionID, Inbound, offer.FromDeviceID, peerName, sanitizeFilename(offer.Filename), mimeType, offer.Size, offer.Checksum)
	as.offer = &offer
	as.setConn(fc)
	c.sessions[as.session.ID] = as
	c.wg.Add(1)
	c.mu.Unlock()

	logger().Info("incoming offer", "session", as.session.ID, "peer", offer.FromDeviceID, "filename", as.session.Filename, "size", offer.Size)
	c.emit(as.session.Snapshot())
	go c.runInbound(as)
}

func (c *Coordinator) runInbound(as *activeSession) {
	defer c.wg.Done()
	defer func() {
		_ = as.connection().Close()
		as.cancel()
	}()

	if terr := c.receivePayload(as); terr != nil {
		as.session.fail(terr)
	}
}

func (c *Coordinator) receivePayload(as *activeSession) *TransferError {
	s := as.session
	fc := as.connection()

	accept, terr := c.awaitDecision(as, fc)
	if terr != nil {
		return terr
	}
	if !accept {
		_ = fc.Send(OfferResponse{
			Type:      TypeOfferResponse,
			SessionID: s.ID,
			Status:    offerRejected,
			Message:   "declined by receiver",
			Timestamp: c.opts.Now().UnixMilli(),
		}, time.Second)
		return newTransferError(CodeRejected, "declined locally")
	}

	remote, err := crypto.ParsePublicKey(as.offer.X25519PublicKey)
	if err != nil {
		return &TransferError{Code: CodeProtocol, Err: err}
	}
	ephemeral, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return &TransferError{Code: CodeProtocol, Message: "generate session key", Err: err}
	}
	sealer, err := crypto.NewChunkSealer(ephemeral, remote, s.ID)
	if err != nil {
		return &TransferError{Code: CodeProtocol, Err: err}
	}

	resp := OfferResponse{
		Type:            TypeOfferResponse,
		SessionID:       s.ID,
		Status:          offerAccepted,
		X25519PublicKey: ephemeral.PublicKey().Bytes(),
		Timestamp:       c.opts.Now().UnixMilli(),
	}
	if err := signOfferResponse(c.opts.Identity, &resp); err != nil {
		return &TransferError{Code: CodeProtocol, Message: "sign offer response", Err: err}
	}
	if err := s.transition(Transferring{Total: s.Size}); err != nil {
		return nil
	}
	if err := fc.Send(resp, c.opts.ConnectionTimeout); err != nil {
		return connectionLost(err)
	}

	return c.receiveChunks(as, fc, sealer)
}

func (c *Coordinator) awaitDecision(as *activeSession, fc *frameConn) (bool, *TransferError) {
	if c.opts.AutoAccept != nil {
		if accept, decided := c.opts.AutoAccept(as.session.Snapshot()); decided && as.decided.CompareAndSwap(false, true) {
			return accept, nil
		}
	}

	timer := time.NewTimer(c.opts.NegotiationTimeout)
	defer timer.Stop()

	select {
	case accept := <-as.decisions:
		return accept, nil
	case <-as.ctx.Done():
		return false, newTransferError(CodeCancelled, "cancelled locally")
	case <-timer.C:
		as.decided.Store(true)
		_ = fc.Send(OfferResponse{
			Type:      TypeOfferResponse,
			SessionID: as.session.ID,
			Status:    offerRejected,
			Message:   "no answer from receiver",
			Timestamp: c.opts.Now().UnixMilli(),
		}, time.Second)
		return false, newTransferError(CodeTimeout, "offer was not answered")
	case payload := <-fc.Inbound():
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return false, &TransferError{Code: CodeProtocol, Err: err}
		}
		return false, peerAbort(msgType, payload)
	case <-fc.Done():
		select {
		case payload := <-fc.Inbound():
			if msgType, err := DecodeMessageType(payload); err == nil {
				return false, peerAbort(msgType, payload)
			}
		default:
		}
		return false, connectionLost(fc.LastError())
	}
}

func (c *Coordinator) receiveChunks(as *activeSession, fc *frameConn, sealer *crypto.ChunkSealer) *TransferError {
	s := as.session
	hash := sha256.New()
	var buf bytes.Buffer
	buf.Grow(int(s.Size))
	var next uint64

	stall := time.NewTimer(c.opts.StallTimeout)
	defer stall.Stop()

	for {
		payload, terr := nextFrame(as.ctx, fc, stall.C, "chunk")
		if terr != nil {
			return terr
		}
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return &TransferError{Code: CodeProtocol, Err: err}
		}

		switch msgType {
		case TypeChunk:
			chunk, err := decodeAs[Chunk](payload)
			if err != nil {
				return &TransferError{Code: CodeProtocol, Err: err}
			}
			if chunk.SessionID != s.ID || chunk.Index != next {
				return newTransferError(CodeProtocol, "unexpected chunk %d (want %d)", chunk.Index, next)
			}
			plaintext, err := sealer.Open(chunk.Index, chunk.Data)
			if err != nil {
				return &TransferError{Code: CodeProtocol, Message: "chunk failed authentication", Err: err}
			}
			if int64(buf.Len()+len(plaintext)) > s.Size {
				return newTransferError(CodeProtocol, "sender exceeded the offered size of %d bytes", s.Size)
			}
			buf.Write(plaintext)
			hash.Write(plaintext)
			next++
			if err := s.advance(int64(buf.Len())); err != nil {
				return newTransferError(CodeCancelled, "cancelled locally")
			}
			stall.Reset(c.opts.StallTimeout)

		case TypeComplete:
			checksum := hex.EncodeToString(hash.Sum(nil))
			if int64(buf.Len()) != s.Size || checksum != s.Checksum {
				c.sendResult(fc, s.ID, resultFailed, CodeChecksumMismatch, checksum)
				return newTransferError(CodeChecksumMismatch, "got %s over %d bytes", checksum, buf.Len())
			}

			as.payloadMu.Lock()
			as.received = buf.Bytes()
			as.payloadMu.Unlock()

			if err := s.transition(Completed{Checksum: checksum}); err != nil {
				return nil
			}
			c.sendResult(fc, s.ID, resultComplete, "", checksum)
			logger().Info("transfer received", "session", s.ID, "peer", s.PeerID, "bytes", buf.Len())
			return nil

		default:
			return peerAbort(msgType, payload)
		}
	}
}

func (c *Coordinator) sendResult(fc *frameConn, sessionID, status string, code FailureCode, checksum string) {
	result := Result{
		Type:      TypeResult,
		SessionID: sessionID,
		Status:    status,
		Code:      string(code),
		Checksum:  checksum,
		Timestamp: c.opts.Now().UnixMilli(),
	}
	if code != "" {
		result.Message = codeText[code]
	}
	if err := fc.Send(result, c.opts.StallTimeout); err != nil {
		logger().Debug("send transfer result", "session", sessionID, "error", err)
	}
}
