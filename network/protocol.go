package network

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pixshare/crypto"
)

const (
	// ProtocolVersion is the current transfer protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxChunkSize bounds the chunk size a sender may announce.
	MaxChunkSize = 4 * 1024 * 1024
)

const (
	TypeOffer         = "offer"
	TypeOfferResponse = "offer_response"
	TypeChunk         = "chunk"
	TypeComplete      = "complete"
	TypeResult        = "result"
	TypeCancel        = "cancel"
	TypeError         = "error"
)

const (
	offerAccepted = "accepted"
	offerRejected = "rejected"
	offerBusy     = "busy"

	resultComplete = "complete"
	resultFailed   = "failed"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Offer opens a transfer. It is signed by the sender's device key.
type Offer struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	ProtocolVersion  int    `json:"protocol_version"`
	FromDeviceID     string `json:"from_device_id"`
	FromDeviceName   string `json:"from_device_name"`
	Filename         string `json:"filename"`
	Size             int64  `json:"size"`
	MimeType         string `json:"mime_type"`
	Checksum         string `json:"checksum"`
	ChunkSize        int    `json:"chunk_size"`
	X25519PublicKey  []byte `json:"x25519_public_key"`
	Ed25519PublicKey []byte `json:"ed25519_public_key"`
	Timestamp        int64  `json:"timestamp"`
	Signature        []byte `json:"signature,omitempty"`
}

// OfferResponse carries the receiver's decision. Accepting responses include
// the receiver's ephemeral key and are signed by the receiver.
type OfferResponse struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	X25519PublicKey  []byte `json:"x25519_public_key,omitempty"`
	Ed25519PublicKey []byte `json:"ed25519_public_key,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	Signature        []byte `json:"signature,omitempty"`
}

// Chunk is one sealed slice of the payload.
type Chunk struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     uint64 `json:"index"`
	Data      []byte `json:"data"`
}

// Complete tells the receiver that every chunk was sent.
type Complete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Chunks    uint64 `json:"chunks"`
	Timestamp int64  `json:"timestamp"`
}

// Result is the receiver's verdict after checksum verification.
type Result struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Cancel aborts a transfer from either side.
type Cancel struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors before a session exists.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

func decodeAs[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func signOffer(identity *crypto.Identity, offer *Offer) error {
	offer.Ed25519PublicKey = identity.PublicKey
	offer.Signature = nil
	signable, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer signable payload: %w", err)
	}
	signature, err := identity.Sign(signable)
	if err != nil {
		return fmt.Errorf("sign offer: %w", err)
	}
	offer.Signature = signature
	return nil
}

// VerifyOffer checks the protocol version and the sender's signature and
// returns the sender's public key.
func VerifyOffer(offer Offer) (ed25519.PublicKey, error) {
	if offer.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	unsigned := offer
	unsigned.Signature = nil
	signable, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal offer signable payload: %w", err)
	}
	if !crypto.Verify(offer.Ed25519PublicKey, signable, offer.Signature) {
		return nil, ErrInvalidSignature
	}
	return ed25519.PublicKey(offer.Ed25519PublicKey), nil
}

func signOfferResponse(identity *crypto.Identity, resp *OfferResponse) error {
	resp.Ed25519PublicKey = identity.PublicKey
	resp.Signature = nil
	signable, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response signable payload: %w", err)
	}
	signature, err := identity.Sign(signable)
	if err != nil {
		return fmt.Errorf("sign offer response: %w", err)
	}
	resp.Signature = signature
	return nil
}

func verifyOfferResponse(resp OfferResponse) (ed25519.PublicKey, error) {
	unsigned := resp
	unsigned.Signature = nil
	signable, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal response signable payload: %w", err)
	}
	if !crypto.Verify(resp.Ed25519PublicKey, signable, resp.Signature) {
		return nil, ErrInvalidSignature
	}
	return ed25519.PublicKey(resp.Ed25519PublicKey), nil
}
