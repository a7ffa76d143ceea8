package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/simglass/backend/internal/config"
	"github.com/simglass/backend/internal/device"
	"github.com/simglass/backend/internal/input"
	"github.com/simglass/backend/internal/mock"
	"github.com/simglass/backend/internal/peer"
	"github.com/simglass/backend/internal/session"
	"github.com/simglass/backend/internal/stream"
	"github.com/simglass/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use an in-memory device registry and synthetic frames")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = config.Default()
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	var (
		registry   session.Registry
		lister     device.Lister
		capturer   stream.Capturer
		strategies []input.Strategy
	)
	if *mockMode {
		log.Println("Starting in mock mode")
		reg := mock.NewRegistry()
		registry = reg
		lister = reg
		capturer = mock.NewCapturer()
		strategies = []input.Strategy{mock.NewStrategy()}
	} else {
		surfaces := make(map[string]device.Surface, len(cfg.Device.Surfaces))
		for prefix, s := range cfg.Device.Surfaces {
			surfaces[prefix] = device.Surface{Width: s.Width, Height: s.Height}
		}
		simctl := device.NewSimctl(cfg.Device.SimctlPath, cfg.Device.CommandTimeout, surfaces)
		registry = simctl
		lister = simctl
		capturer = simctl
		strategies = []input.Strategy{
			input.NewIDB(cfg.Device.IDBPath, cfg.Device.CommandTimeout),
			input.NewWDA(cfg.Device.WDAURL, cfg.Device.CommandTimeout),
		}
	}

	watcher := device.NewWatcher(lister, cfg.Watcher.PollInterval, cfg.Watcher.FailureThreshold)
	sessions := session.NewManager(registry, cfg.Device.BootTimeout, cfg.Device.BootPollInterval)
	chain := input.NewChain(sessions, strategies...)
	transport := peer.NewTransport(capturer, cfg.Stream.Cadence)
	streams := stream.NewController(sessions, capturer, transport, cfg.Stream.Cadence)

	// Losing the session always takes the stream down with it.
	sessions.SetDisconnectHook(streams.Stop)
	watcher.Subscribe(sessions.ReconcileDevices)

	server := ws.NewServer(cfg, sessions, chain, streams, watcher, capturer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Start(ctx)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		streams.Stop()
		cancel()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
