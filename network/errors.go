package network

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerNotFound indicates the peer key is not live in the registry.
	ErrPeerNotFound = errors.New("network: peer not found")
	// ErrPeerBusy indicates the peer already has a transfer in flight.
	ErrPeerBusy = errors.New("network: peer busy")
	// ErrInvalidTransition indicates an operation not allowed in the session's state.
	ErrInvalidTransition = errors.New("network: invalid session transition")
	// ErrSessionNotFound indicates an unknown or evicted session ID.
	ErrSessionNotFound = errors.New("network: session not found")
	// ErrClosed indicates the coordinator has been closed.
	ErrClosed = errors.New("network: coordinator closed")
	// ErrInvalidPayload indicates an empty or oversized share.
	ErrInvalidPayload = errors.New("network: invalid payload")

	ErrRejected         = errors.New("network: offer rejected")
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	ErrTimeout          = errors.New("network: transfer timed out")
	ErrConnectionReset  = errors.New("network: connection reset")
	ErrCancelled        = errors.New("network: transfer cancelled")
	ErrPeerUnreachable  = errors.New("network: peer unreachable")
	ErrProtocol         = errors.New("network: protocol violation")
)

// FailureCode classifies why a transfer ended unsuccessfully.
type FailureCode string

const (
	CodePeerNotFound     FailureCode = "peer_not_found"
	CodePeerBusy         FailureCode = "peer_busy"
	CodeRejected         FailureCode = "rejected"
	CodeChecksumMismatch FailureCode = "checksum_mismatch"
	CodeTimeout          FailureCode = "timeout"
	CodeConnectionReset  FailureCode = "connection_reset"
	CodeCancelled        FailureCode = "cancelled"
	CodePeerUnreachable  FailureCode = "peer_unreachable"
	CodeProtocol         FailureCode = "protocol"
)

var codeSentinels = map[FailureCode]error{
	CodePeerNotFound:     ErrPeerNotFound,
	CodePeerBusy:         ErrPeerBusy,
	CodeRejected:         ErrRejected,
	CodeChecksumMismatch: ErrChecksumMismatch,
	CodeTimeout:          ErrTimeout,
	CodeConnectionReset:  ErrConnectionReset,
	CodeCancelled:        ErrCancelled,
	CodePeerUnreachable:  ErrPeerUnreachable,
	CodeProtocol:         ErrProtocol,
}

var codeText = map[FailureCode]string{
	CodePeerNotFound:     "peer not found",
	CodePeerBusy:         "peer is busy with another transfer",
	CodeRejected:         "peer declined the transfer",
	CodeChecksumMismatch: "received data did not match its checksum",
	CodeTimeout:          "transfer timed out",
	CodeConnectionReset:  "connection was lost",
	CodeCancelled:        "peer cancelled the transfer",
	CodePeerUnreachable:  "peer is unreachable",
	CodeProtocol:         "peer sent an invalid message",
}

// TransferError is the terminal cause of a failed session and the error
// returned by coordinator operations that refuse to start one.
type TransferError struct {
	Code    FailureCode
	Message string
	Err     error
}

func newTransferError(code FailureCode, format string, args ...any) *TransferError {
	return &TransferError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *TransferError) Error() string {
	text := codeText[e.Code]
	if text == "" {
		text = string(e.Code)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", text, e.Message, e.Err)
	case e.Message != "":
		return text + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", text, e.Err)
	default:
		return text
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's code, so errors.Is(err, ErrPeerBusy)
// holds for a busy refusal.
func (e *TransferError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

func codeFromWire(code string) FailureCode {
	c := FailureCode(code)
	if _, ok := codeSentinels[c]; ok {
		return c
	}
	return CodeProtocol
}
