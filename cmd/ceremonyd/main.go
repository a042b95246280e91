// Package main provides ceremonyd - a MuSig2 threshold signing ceremony
// orchestrator.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/config"
	"github.com/klingon-exchange/musig2-ceremony/internal/dispatcher"
	"github.com/klingon-exchange/musig2-ceremony/internal/eventfanout"
	"github.com/klingon-exchange/musig2-ceremony/internal/metrics"
	"github.com/klingon-exchange/musig2-ceremony/internal/peerclient"
	"github.com/klingon-exchange/musig2-ceremony/internal/pendingbuffer"
	"github.com/klingon-exchange/musig2-ceremony/internal/registry"
	"github.com/klingon-exchange/musig2-ceremony/internal/rpc"
	"github.com/klingon-exchange/musig2-ceremony/internal/storage"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.ceremonyd", "Data directory")
		configFile  = flag.String("config", "", "Config file path; only its directory is used, and the file read there is always ceremonyd.yaml (default: <data-dir>/ceremonyd.yaml)")
		listenAddr  = flag.String("listen", "", "RPC/WebSocket listen address, overrides config")
		peerAddr    = flag.String("peer-listen", "", "Peer round-call listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ceremonyd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *peerAddr != "" {
		cfg.PeerListen = *peerAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(cfg.DataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize audit ledger", "error", err)
	}
	defer store.Close()
	log.Info("Audit ledger initialized", "path", cfg.DataDir)

	me, err := cfg.SignerID()
	if err != nil {
		log.Fatal("Failed to resolve local signer id", "error", err)
	}
	if _, err := cfg.Roster(); err != nil {
		log.Fatal("Failed to parse signer roster", "error", err)
	}
	enclaveKey, err := cfg.EnclaveKey()
	if err != nil {
		log.Fatal("Failed to load enclave signing key", "error", err)
	}

	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me, enclaveKey, cfg)
	log.Info("Peer client pool initialized", "signer", cfg.Identity.SignerID)

	// rpc.Server is built before EventFanout because it implements
	// eventfanout.ResponseSink; the Dispatcher that EventFanout feeds is
	// wired back in afterward via SetDispatcher, closing the construction
	// cycle server -> fanout -> dispatcher -> server.
	rpcServer := rpc.NewServer(nil, cfg, store)

	fanout := eventfanout.New(me, enclaveKey, pool, rpcServer, cfg.Ceremony.EventPoolSize)

	dispatcherCfg := dispatcher.Config{
		CommandPoolSize:  cfg.Ceremony.CommandPoolSize,
		CeremonyTTLTicks: cfg.Ceremony.CeremonyTTLTicks,
		MinSigners:       cfg.Ceremony.MinSigners,
	}
	d := dispatcher.New(dispatcherCfg, reg, buffers, cfg.KeyAccess(), fanout)
	d.SetLedger(store)
	rpcServer.SetDispatcher(d)
	log.Info("Dispatcher initialized", "min_signers", cfg.Ceremony.MinSigners, "ttl_ticks", cfg.Ceremony.CeremonyTTLTicks)

	reaperInterval := time.Duration(cfg.Ceremony.ReaperIntervalSeconds) * time.Second
	reaperTTL := time.Duration(cfg.Ceremony.CeremonyTTLTicks) * reaperInterval
	reaper := registry.NewReaper(reg, buffers, registry.ReaperConfig{
		Interval: reaperInterval,
		TTL:      reaperTTL,
	}, d.HandleExpired)
	reaper.Start(ctx)

	if err := rpcServer.Start(cfg.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	peerResolver := cfg.EnclaveResolver()
	peerListener := rpc.NewPeerListener(cfg.PeerListen, peerResolver, d)
	if err := peerListener.Start(); err != nil {
		log.Fatal("Failed to start peer round-call listener", "error", err)
	}

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.ListenAddress,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics server started", "addr", cfg.Metrics.ListenAddress)

	printBanner(log, cfg)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "active_ceremonies", reg.Len())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	reaper.Stop()

	if err := peerListener.Stop(); err != nil {
		log.Error("Error stopping peer listener", "error", err)
	}
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping metrics server", "error", err)
	}
	shutdownCancel()

	d.Stop()
	fanout.Stop()
	pool.CloseAll()

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  ceremonyd")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Signer: %s", cfg.Identity.SignerID)
	log.Infof("  Signers in roster: %d", len(cfg.Signers))
	log.Info("")
	log.Infof("  RPC:   http://%s", cfg.Listen)
	log.Infof("  WS:    ws://%s/ws", cfg.Listen)
	log.Infof("  Peers: %s", cfg.PeerListen)
	log.Info("")
	log.Infof("  Data dir: %s", cfg.DataDir)
	log.Info("=================================================")
	log.Info("")
}
