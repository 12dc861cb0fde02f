package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pixshare/models"
)

const (
	// DefaultGroup is the IPv4 multicast group announcements are sent to.
	DefaultGroup = "239.255.73.73"
	// DefaultPort is the UDP discovery port.
	DefaultPort = 47373
	// DefaultAnnounceInterval is the presence broadcast period.
	DefaultAnnounceInterval = 3 * time.Second
)

// Config controls the discovery service. Port 0 binds an ephemeral port.
type Config struct {
	SelfDeviceID   string
	DeviceName     string
	ListeningPort  int
	KeyFingerprint string
	Version        int

	Group            string
	Port             int
	Targets          []string
	AnnounceInterval time.Duration
	LivenessTimeout  time.Duration

	MDNS            bool
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	Now func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Version == 0 {
		out.Version = ProtocolVersion
	}
	if out.Group == "" {
		out.Group = DefaultGroup
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = DefaultLivenessTimeout
	}
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = registerService
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return errors.New("listening port must be in 1..65535")
	}
	if c.LivenessTimeout <= c.AnnounceInterval {
		return fmt.Errorf("liveness timeout %s must exceed announce interval %s", c.LivenessTimeout, c.AnnounceInterval)
	}
	return nil
}

// Service announces this device and keeps the peer registry current.
type Service struct {
	cfg       Config
	registry  *Registry
	transport *transport

	broadcaster *Broadcaster
	scanner     *PeerScanner

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Start binds the discovery socket, announces once, sends a query, and
// starts the listen, announce and sweep loops. A bind failure is returned as
// a *DiscoveryError matching ErrBind. mDNS failures only disable that source.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	group := net.ParseIP(cfg.Group).To4()
	if group == nil || !group.IsMulticast() {
		return nil, &DiscoveryError{Op: "config", Addr: cfg.Group, Err: errors.New("not an IPv4 multicast group")}
	}

	t, err := openTransport(group, cfg.Port, cfg.Targets)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		registry:  NewRegistry(cfg.LivenessTimeout, cfg.Now),
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.MDNS {
		s.startMDNS()
	}

	s.wg.Add(3)
	go s.listenLoop()
	go s.announceLoop()
	go s.sweepLoop()

	s.announce()
	if err := s.Query(); err != nil {
		logger().Debug("initial query", "error", err)
	}

	logger().Info("discovery started", "addr", t.localAddr().String(), "group", cfg.Group, "mdns", s.scanner != nil)
	return s, nil
}

func (s *Service) startMDNS() {
	broadcaster, err := StartBroadcaster(s.cfg)
	if err != nil {
		logger().Warn("mDNS broadcast disabled", "error", err)
		return
	}
	scanner, err := NewPeerScanner(s.cfg, s.registry)
	if err != nil {
		broadcaster.Stop()
		logger().Warn("mDNS scan disabled", "error", err)
		return
	}
	scanner.Start()
	s.broadcaster = broadcaster
	s.scanner = scanner
}

// Stop says bye, stops every loop and closes the registry.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if err := s.send(KindBye); err != nil {
			logger().Debug("send bye", "error", err)
		}
		s.cancel()
		_ = s.transport.close()
		if s.scanner != nil {
			s.scanner.Stop()
		}
		if s.broadcaster != nil {
			s.broadcaster.Stop()
		}
		s.wg.Wait()
		s.registry.Close()
	})
}

// Registry returns the live peer registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// List returns the live peers.
func (s *Service) List() []models.Peer {
	return s.registry.List()
}

// Lookup resolves a device ID or unique display name.
func (s *Service) Lookup(key string) (models.Peer, bool) {
	return s.registry.Lookup(key)
}

// Events streams registry changes.
func (s *Service) Events() <-chan Event {
	return s.registry.Events()
}

// LocalAddr returns the bound discovery address.
func (s *Service) LocalAddr() *net.UDPAddr {
	return s.transport.localAddr()
}

// Query asks every peer to announce immediately.
func (s *Service) Query() error {
	return s.send(KindQuery)
}

func (s *Service) announce() {
	if err := s.send(KindAnnounce); err != nil {
		logger().Debug("announce", "error", err)
	}
}

func (s *Service) send(kind Kind) error {
	a := Announcement{
		Kind:      kind,
		Version:   s.cfg.Version,
		DeviceID:  s.cfg.SelfDeviceID,
		Timestamp: s.cfg.Now().Unix(),
	}
	if kind != KindBye {
		a.Name = s.cfg.DeviceName
		a.Port = s.cfg.ListeningPort
		a.Fingerprint = s.cfg.KeyFingerprint
	}
	raw, err := a.Marshal()
	if err != nil {
		return err
	}
	return s.transport.broadcast(raw)
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, src, err := s.transport.read(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger().Warn("read discovery socket", "error", err)
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

func (s *Service) handleDatagram(raw []byte, src *net.UDPAddr) {
	a, err := ParseAnnouncement(raw)
	if err != nil {
		logger().Debug("dropping datagram", "src", src.String(), "error", err)
		return
	}
	if a.DeviceID == s.cfg.SelfDeviceID {
		return
	}

	if a.Kind == KindBye {
		s.registry.Remove(a.DeviceID)
		return
	}

	s.registry.Observe(models.Peer{
		ID:          a.DeviceID,
		Name:        a.Name,
		Host:        src.IP.String(),
		Port:        a.Port,
		Version:     a.Version,
		Fingerprint: a.Fingerprint,
		Source:      models.PeerSourceUDP,
	})
	if a.Kind == KindQuery {
		s.announce()
	}
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.announce()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.LivenessTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.registry.Sweep(); n > 0 {
				logger().Debug("evicted silent peers", "count", n)
			}
		case <-s.ctx.Done():
			return
		}
	}
}
