package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialPeer opens a framed connection to address. The dial is bounded by
// timeout and aborted when ctx is cancelled.
func dialPeer(ctx context.Context, address string, timeout time.Duration) (*frameConn, error) {
	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return newFrameConn(conn), nil
}
