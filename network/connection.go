package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// frameConn is a framed TCP connection with a background reader. Inbound
// frames are delivered on a channel so session runners can select on them
// together with timers and cancellation.
type frameConn struct {
	conn net.Conn

	sendMu sync.Mutex

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newFrameConn(conn net.Conn) *frameConn {
	fc := &frameConn{
		conn:    conn,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	go fc.readLoop()
	return fc
}

// Inbound delivers frames in arrival order.
func (fc *frameConn) Inbound() <-chan []byte {
	return fc.inbound
}

// Done is closed when the connection is gone.
func (fc *frameConn) Done() <-chan struct{} {
	return fc.closed
}

// LastError returns why the connection closed; io.EOF means the peer hung up.
func (fc *frameConn) LastError() error {
	fc.errMu.RLock()
	defer fc.errMu.RUnlock()
	return fc.closeErr
}

// Send marshals message and writes it as one frame. A positive timeout bounds
// the write.
func (fc *frameConn) Send(message any, timeout time.Duration) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	select {
	case <-fc.closed:
		if err := fc.LastError(); err != nil {
			return err
		}
		return net.ErrClosed
	default:
	}

	fc.sendMu.Lock()
	defer fc.sendMu.Unlock()
	return fc.sendLocked(payload, timeout)
}

// trySend sends message unless another write is in progress. It never waits
// for the write lock.
func (fc *frameConn) trySend(message any, timeout time.Duration) bool {
	payload, err := EncodeJSON(message)
	if err != nil {
		return false
	}
	if !fc.sendMu.TryLock() {
		return false
	}
	defer fc.sendMu.Unlock()
	return fc.sendLocked(payload, timeout) == nil
}

func (fc *frameConn) sendLocked(payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := fc.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			_ = fc.conn.SetWriteDeadline(time.Time{})
		}()
	}
	if err := WriteFrame(fc.conn, payload); err != nil {
		fc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close terminates the connection.
func (fc *frameConn) Close() error {
	fc.closeWithError(net.ErrClosed)
	return nil
}

func (fc *frameConn) readLoop() {
	for {
		payload, err := ReadFrame(fc.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				fc.closeWithError(io.EOF)
				return
			}
			fc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		if len(payload) == 0 {
			continue
		}

		select {
		case fc.inbound <- payload:
		case <-fc.closed:
			return
		}
	}
}

func (fc *frameConn) closeWithError(err error) {
	fc.closeOnce.Do(func() {
		fc.errMu.Lock()
		fc.closeErr = err
		fc.errMu.Unlock()

		_ = fc.conn.Close()
		close(fc.closed)
	})
}

// isTimeout reports whether err is a network deadline error.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
