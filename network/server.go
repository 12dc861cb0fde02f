package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// offerHandler takes ownership of a connection whose first frame was a
// decodable offer.
type offerHandler func(fc *frameConn, offer Offer, remote net.Addr)

// Server accepts inbound TCP connections and reads the opening offer.
type Server struct {
	listener          net.Listener
	connectionTimeout time.Duration
	handle            offerHandler

	errs chan error

	mu       sync.Mutex
	pending  map[net.Conn]struct{}
	stopping bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func listen(address string, connectionTimeout time.Duration, handle offerHandler) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:          listener,
		connectionTimeout: connectionTimeout,
		handle:            handle,
		errs:              make(chan error, 16),
		pending:           make(map[net.Conn]struct{}),
		closed:            make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, drops connections that have not sent their offer
// yet, and waits for their handlers to return.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		s.stopping = true
		for conn := range s.pending {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.pending, conn)
	s.mu.Unlock()
}

func (s *Server) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	payload, err := ReadFrameWithTimeout(conn, s.connectionTimeout)
	s.untrack(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("read offer from %s: %w", conn.RemoteAddr(), err))
		return
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil || msgType != TypeOffer {
		_ = sendError(conn, "unknown_type", fmt.Sprintf("expected %q", TypeOffer))
		_ = conn.Close()
		s.reportError(fmt.Errorf("unexpected opening frame from %s", conn.RemoteAddr()))
		return
	}

	offer, err := decodeAs[Offer](payload)
	if err != nil {
		_ = sendError(conn, "bad_offer", "offer could not be decoded")
		_ = conn.Close()
		s.reportError(err)
		return
	}

	select {
	case <-s.closed:
		_ = conn.Close()
		return
	default:
	}
	s.handle(newFrameConn(conn), offer, conn.RemoteAddr())
}

func sendError(conn net.Conn, code, message string) error {
	payload, err := EncodeJSON(ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	logger().Debug("inbound connection", "error", err)

	select {
	case s.errs <- err:
	default:
	}
}
