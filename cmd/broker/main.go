package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/jobcoord/internal/broker"
	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/credentials"
	"github.com/me/jobcoord/internal/logging"
	"github.com/me/jobcoord/internal/server"
	"github.com/me/jobcoord/internal/store"
)

func main() {
	cfg := config.DefaultBrokerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json, auto)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.jobcoord/broker.db)")
	flag.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "Allocation loop interval")
	flag.DurationVar(&cfg.NodeTimeout, "node-timeout", cfg.NodeTimeout, "Heartbeat age after which a node is lost")
	flag.StringVar(&cfg.AdvertiseURL, "advertise-url", cfg.AdvertiseURL, "Broker URL handed to coordinators (default http://localhost<addr>)")
	flag.StringVar(&cfg.NodeTokenFile, "node-keys", cfg.NodeTokenFile, "Path to node keys YAML file (JOBCOORD_NODE_KEYS adds more)")
	flag.StringVar(&cfg.KeytabFile, "keytabs", cfg.KeytabFile, "Path to principal -> keytab YAML registry; enables credential checks")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".jobcoord")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "broker.db")
	}

	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	opts := broker.Options{AdvertiseURL: cfg.AdvertiseURL}
	if opts.AdvertiseURL == "" {
		opts.AdvertiseURL = "http://localhost" + cfg.Addr
	}
	if cfg.KeytabFile != "" {
		v, err := credentials.LoadVerifier(cfg.KeytabFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load keytabs: %v\n", err)
			os.Exit(1)
		}
		opts.Verifier = v
		logger.Info("credential checks enabled", "registry", cfg.KeytabFile)
	}

	nodeKeys, err := server.LoadNodeKeyConfig(cfg.NodeTokenFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load node keys: %v\n", err)
		os.Exit(1)
	}
	var serverOpts []server.Option
	if nodeKeys.IsEnabled() {
		serverOpts = append(serverOpts, server.WithNodeKeys(nodeKeys))
		logger.Info("node key authentication enabled", "keys", len(nodeKeys.Keys))
	}

	svc := broker.NewService(st, client.NewLauncherClient(), opts, logger)
	loop := broker.NewLoop(svc, broker.LoopConfig{TickInterval: cfg.TickInterval, NodeTimeout: cfg.NodeTimeout}, logger)
	srv := server.New(cfg, svc, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go loop.Start(ctx)

	go func() {
		logger.Info("broker starting", "addr", cfg.Addr, "advertise_url", opts.AdvertiseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop allocating before the HTTP server goes away.
	if err := loop.Stop(); err != nil {
		logger.Error("allocation loop stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("broker stopped")
}
