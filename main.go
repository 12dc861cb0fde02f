package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"pixshare/config"
	"pixshare/crypto"
	"pixshare/discovery"
	"pixshare/models"
	"pixshare/network"
	"pixshare/storage"
	"pixshare/viewer"
)

func main() {
	openPath := flag.String("open", "", "image file or directory to open at startup")
	sharePeer := flag.String("share", "", "share the opened image with this peer once it is seen")
	verbose := flag.Bool("v", false, "log debug output")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	discovery.SetLogger(logger)
	network.SetLogger(logger)

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing Ed25519 keypair: %v", err)
	}
	if cfg.KeyFingerprint != identity.Fingerprint {
		cfg.KeyFingerprint = identity.Fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	peers := &livePeers{}
	coordinator, err := network.NewCoordinator(network.Options{
		DeviceID:           cfg.DeviceID,
		DeviceName:         cfg.DeviceName,
		Identity:           identity,
		Peers:              peers,
		History:            store,
		ChunkSize:          cfg.ChunkSize,
		NegotiationTimeout: cfg.NegotiationTimeout(),
		StallTimeout:       cfg.StallTimeout(),
		AutoAccept:         autoAcceptPolicy(cfg.AutoAccept),
	})
	if err != nil {
		log.Fatalf("startup failed while creating transfer coordinator: %v", err)
	}
	if err := coordinator.Serve(fmt.Sprintf(":%d", cfg.ListeningPort)); err != nil {
		log.Fatalf("startup failed while listening for transfers: %v", err)
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			log.Printf("transfer coordinator close error: %v", err)
		}
	}()
	go logServerErrors(logger, coordinator.Errors())

	port := cfg.ListeningPort
	if addr, ok := coordinator.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening Port:  %d\n", port)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDir)

	viewerOpts := viewer.Options{
		Transfers:   coordinator,
		History:     store,
		JPEGQuality: cfg.JPEGQuality,
		Logger:      logger,
	}

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:     cfg.DeviceID,
		DeviceName:       cfg.DeviceName,
		ListeningPort:    port,
		KeyFingerprint:   cfg.KeyFingerprint,
		Group:            cfg.DiscoveryGroup,
		Port:             cfg.DiscoveryPort,
		Targets:          cfg.DiscoveryTargets,
		AnnounceInterval: cfg.AnnounceInterval(),
		LivenessTimeout:  cfg.LivenessTimeout(),
		MDNS:             cfg.MDNS(),
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		peers.set(discoveryService)
		viewerOpts.Peers = discoveryService
		fmt.Println("Discovery:       running")
	}

	v := viewer.New(viewerOpts)
	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sh := newShell(v, os.Stdout, cfg.DownloadDir)
	if *openPath != "" {
		if err := sh.open(*openPath); err != nil {
			log.Printf("open %s: %v", *openPath, err)
		}
	}
	go sh.watch(ctx)
	if *sharePeer != "" {
		go shareWhenSeen(ctx, sh, peers, *sharePeer)
	}
	go func() {
		sh.run(ctx, os.Stdin)
		stop()
	}()

	fmt.Println("Status:          running (type help, or press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// livePeers resolves peers through discovery once it is running. Until then
// no peer can be found.
type livePeers struct {
	svc atomic.Pointer[discovery.Service]
}

func (p *livePeers) set(svc *discovery.Service) {
	p.svc.Store(svc)
}

func (p *livePeers) Lookup(key string) (models.Peer, bool) {
	svc := p.svc.Load()
	if svc == nil {
		return models.Peer{}, false
	}
	return svc.Lookup(key)
}

// shareWhenSeen waits for key to appear on the network and then shares the
// current image with it once.
func shareWhenSeen(ctx context.Context, sh *shell, peers *livePeers, key string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := peers.Lookup(key); ok {
			sh.exec("share " + key)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func autoAcceptPolicy(policy string) func(network.Snapshot) (bool, bool) {
	switch policy {
	case config.AutoAcceptAlways:
		return func(network.Snapshot) (bool, bool) { return true, true }
	case config.AutoAcceptNever:
		return func(network.Snapshot) (bool, bool) { return false, true }
	default:
		return nil
	}
}

func logServerErrors(logger *slog.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn("transfer server error", "error", err)
	}
}
