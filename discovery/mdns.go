package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"pixshare/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_pixshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the mDNS browse period. It is kept below the
	// liveness timeout so mDNS-only peers stay listed.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, ttl uint32) (shutdowner, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type shutdowner interface {
	Shutdown()
}

func registerService(instance, service, domain string, port int, text []string, ifaces []net.Interface, ttl uint32) (shutdowner, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	server.TTL(ttl)
	return server, nil
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server shutdowner
}

// StartBroadcaster registers the transfer service with its TXT records.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
		"fingerprint=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses mDNS periodically and on demand, feeding every
// resolved entry into the registry.
type PeerScanner struct {
	cfg      Config
	browse   browseFunc
	registry *Registry

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config, registry *Registry) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		registry:        registry,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh triggers an immediate scan and waits for it.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		logger().Debug("mDNS scan", "error", err)
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				logger().Debug("mDNS scan", "error", err)
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if peer, ok := parseEntry(entry, s.cfg.SelfDeviceID); ok {
					s.registry.Observe(peer)
				}
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return fmt.Errorf("browse %s: %w", s.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return models.Peer{}, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return models.Peer{}, false
	}

	version := 0
	if parsed, err := strconv.Atoi(txt["version"]); err == nil {
		version = parsed
	}

	host := ""
	v4 := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			v4 = append(v4, ip.String())
		}
	}
	sort.Strings(v4)
	switch {
	case len(v4) > 0:
		host = v4[0]
	case len(entry.AddrIPv6) > 0 && entry.AddrIPv6[0] != nil:
		host = entry.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return models.Peer{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = deviceID
	}

	return models.Peer{
		ID:          deviceID,
		Name:        name,
		Host:        host,
		Port:        entry.Port,
		Version:     version,
		Fingerprint: txt["fingerprint"],
		Source:      models.PeerSourceMDNS,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
