package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

const (
	transferStateCompleted = "completed"
	transferStateFailed    = "failed"
	transferStateCancelled = "cancelled"
)

const (
	peerSourceUDP  = "udp"
	peerSourceMDNS = "mdns"
)

// KnownPeer is the SQLite representation of a device seen on the LAN.
type KnownPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	LastHost       string
	LastPort       int
	Source         string
	FirstSeen      int64
	LastSeen       int64
	Sightings      int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	PeerID    string
	Direction string
	State     string
	Limit     int
	Offset    int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case directionOutbound, directionInbound:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferState(state string) error {
	switch state {
	case transferStateCompleted, transferStateFailed, transferStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid terminal transfer state %q", state)
	}
}

func validatePeerSource(source string) error {
	switch source {
	case peerSourceUDP, peerSourceMDNS:
		return nil
	default:
		return fmt.Errorf("invalid peer source %q", source)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
