package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"orechain/chain"
	"orechain/config"
	"orechain/crypto"
	"orechain/dnsclient"
	"orechain/observability/logging"
	"orechain/p2p"
	"orechain/peerdb"
)

const defaultKeyLifetimeBlocks = 4320

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenOverride := flag.String("listen", "", "Override the configured listen address")
	pollInterval := flag.Duration("poll", 500*time.Millisecond, "Reactor poll interval")
	dnsServer := flag.String("dns", "", "DNS server for downloader lookups (host:port)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithFile("ored", cfg.NetworkName, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
	})

	listen := cfg.ListenAddress
	if *listenOverride != "" {
		listen = *listenOverride
	}
	host, port, err := config.SplitAddress(listen)
	if err != nil {
		logger.Error("invalid listen address", slog.String("addr", listen), slog.String("error", err.Error()))
		os.Exit(1)
	}
	if host == "" {
		host = "0.0.0.0"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("create data dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	burnchain := chain.Burnchain{
		NetworkID:         cfg.NetworkID,
		PeerVersion:       0x18000000,
		FirstBlockHeight:  0,
		RewardCycleLength: 2100,
		StableConfirms:    7,
	}

	nodeKey, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, "")
	if err != nil {
		logger.Error("load node keystore",
			slog.String("path", cfg.NodeKeystorePath),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The keystore key seeds a fresh peer database; after that the
	// (rekeyed) persisted session key takes over.
	db, err := peerdb.OpenWithKey(filepath.Join(cfg.DataDir, "peers"), nodeKey, defaultKeyLifetimeBlocks)
	if err != nil {
		logger.Error("open peer database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	opts := cfg.Options()
	localKey, _ := db.LocalKey()

	chainstate := newMemoryChainstate(burnchain)
	factory := p2p.NewJSONConversationFactory(burnchain, localKey, chainstate.view, opts.HeartbeatInterval)

	network, err := p2p.New(logger, opts, burnchain, db, p2p.NewTCPNetwork(opts.ConnectTimeout), factory)
	if err != nil {
		logger.Error("build network", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := network.Bind(host, port); err != nil {
		logger.Error("bind network", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var dns *dnsclient.Client
	if *dnsServer != "" {
		dns = dnsclient.New(*dnsServer, 5*time.Second)
	}

	bootstrap(logger, cfg, burnchain, db, network)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("node started",
		slog.String("listen", listen),
		slog.String("network", cfg.NetworkName))

	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			if err := network.Shutdown(); err != nil {
				logger.Warn("shutdown", slog.String("error", err.Error()))
			}
			return
		default:
		}

		result, err := network.Run(chainstate, chainstate, chainstate, dns, false, *pollInterval, nil)
		if err != nil {
			logger.Warn("network cycle failed", slog.String("error", err.Error()))
			time.Sleep(*pollInterval)
			continue
		}
		if result.HasData() {
			logger.Info("network cycle produced data",
				slog.Int("blocks", len(result.Blocks)),
				slog.Int("pushed_blocks", len(result.PushedBlocks)),
				slog.Int("pushed_transactions", len(result.PushedTransactions)))
		}
	}
}

// bootstrap records the configured bootnodes as initial peers and dials
// them.
func bootstrap(logger *slog.Logger, cfg *config.Config, burnchain chain.Burnchain, db *peerdb.DB, network *p2p.PeerNetwork) {
	for _, bootnode := range cfg.Bootnodes {
		host, port, err := config.SplitAddress(bootnode)
		if err != nil {
			logger.Warn("skipping malformed bootnode", slog.String("addr", bootnode))
			continue
		}
		entry := peerdb.Entry{
			NetworkID:   burnchain.NetworkID,
			Addr:        host,
			Port:        port,
			InitialPeer: true,
		}
		if err := db.Upsert(entry); err != nil {
			logger.Warn("record bootnode", slog.String("addr", bootnode), slog.String("error", err.Error()))
			continue
		}
		identity := p2p.PeerIdentity{
			NetworkID:   burnchain.NetworkID,
			PeerVersion: burnchain.PeerVersion,
			Addr:        host,
			Port:        port,
		}
		if _, err := network.Connect(identity); err != nil {
			logger.Warn("dial bootnode", slog.String("peer", identity.String()), slog.String("error", err.Error()))
		}
	}
}
