package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// AppTag marks datagrams that belong to this application.
	AppTag = "pixshare"
	// ProtocolVersion is the announcement and transfer protocol version.
	ProtocolVersion = 1
	// MaxDatagramSize bounds a single announcement.
	MaxDatagramSize = 2048
	// MaxNameLength bounds display names, in runes.
	MaxNameLength = 64
)

// Kind is the announcement type.
type Kind string

const (
	KindAnnounce Kind = "announce"
	KindQuery    Kind = "query"
	KindBye      Kind = "bye"
)

// ErrMalformed is returned by ParseAnnouncement for datagrams that are not
// valid announcements of this application.
var ErrMalformed = errors.New("discovery: malformed announcement")

// Announcement is the presence datagram exchanged on the discovery socket.
type Announcement struct {
	App         string `json:"app"`
	Kind        Kind   `json:"kind"`
	Version     int    `json:"version"`
	DeviceID    string `json:"device_id"`
	Name        string `json:"name,omitempty"`
	Port        int    `json:"port,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Timestamp   int64  `json:"ts"`
}

// Marshal encodes the announcement as JSON.
func (a Announcement) Marshal() ([]byte, error) {
	a.App = AppTag
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal announcement: %w", err)
	}
	if len(raw) > MaxDatagramSize {
		return nil, fmt.Errorf("announcement exceeds %d bytes", MaxDatagramSize)
	}
	return raw, nil
}

// ParseAnnouncement decodes and validates a datagram.
func ParseAnnouncement(raw []byte) (Announcement, error) {
	if len(raw) == 0 || len(raw) > MaxDatagramSize {
		return Announcement{}, fmt.Errorf("%w: size %d", ErrMalformed, len(raw))
	}

	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.App != AppTag {
		return Announcement{}, fmt.Errorf("%w: foreign app %q", ErrMalformed, a.App)
	}
	if a.Version < 1 {
		return Announcement{}, fmt.Errorf("%w: version %d", ErrMalformed, a.Version)
	}
	a.DeviceID = strings.TrimSpace(a.DeviceID)
	if a.DeviceID == "" {
		return Announcement{}, fmt.Errorf("%w: missing device_id", ErrMalformed)
	}

	switch a.Kind {
	case KindBye:
		return a, nil
	case KindAnnounce, KindQuery:
	default:
		return Announcement{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, a.Kind)
	}

	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" || !utf8.ValidString(a.Name) || utf8.RuneCountInString(a.Name) > MaxNameLength {
		return Announcement{}, fmt.Errorf("%w: invalid name", ErrMalformed)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return Announcement{}, fmt.Errorf("%w: port %d", ErrMalformed, a.Port)
	}
	return a, nil
}
