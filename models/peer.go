package models

import (
	"net"
	"strconv"
	"time"
)

const (
	// PeerSourceUDP marks peers learned from multicast announcements.
	PeerSourceUDP = "udp"
	// PeerSourceMDNS marks peers learned from mDNS browsing.
	PeerSourceMDNS = "mdns"
)

// Peer represents a discovered device reachable for file transfer.
type Peer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	LastSeen    time.Time `json:"last_seen"`
	Source      string    `json:"source"`
}

// Address returns the host:port transfer endpoint.
func (p Peer) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
