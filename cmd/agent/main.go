package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/jobcoord/internal/agent"
	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/logging"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/pkg/model"
)

func main() {
	cfg := config.DefaultAgentConfig()

	// Broker connection flags.
	flag.StringVar(&cfg.BrokerURL, "broker", cfg.BrokerURL, "Broker URL")
	flag.StringVar(&cfg.Token, "key", os.Getenv("JOBCOORD_NODE_KEY"), "Node key sent to the broker (or JOBCOORD_NODE_KEY env)")
	flag.StringVar(&cfg.Name, "name", "", "Node name (default: hostname)")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Heartbeat interval")

	// Launch API flags.
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address for the launch API")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise-addr", "", "Address the broker uses to reach this node (default: hostname + port of -addr)")

	// Resources and storage.
	flag.IntVar(&cfg.MemoryMB, "memory-mb", cfg.MemoryMB, "Memory offered to slots, in MB")
	flag.IntVar(&cfg.VCores, "vcores", cfg.VCores, "Virtual cores offered to slots")
	flag.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Local directory for slot work directories")
	flag.StringVar(&cfg.StorageURL, "storage", cfg.StorageURL, "Shared storage URL (file:///path or s3://bucket/prefix)")

	// Logging flags.
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json, auto)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	if cfg.Name == "" {
		cfg.Name = hostname
	}
	if cfg.AdvertiseAddr == "" {
		_, port, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -addr %q: %v\n", cfg.Addr, err)
			os.Exit(1)
		}
		cfg.AdvertiseAddr = net.JoinHostPort(hostname, port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.New(ctx, cfg.StorageURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage: %v\n", err)
		os.Exit(1)
	}

	a := agent.New(agent.Config{
		Name:              cfg.Name,
		AdvertiseAddr:     cfg.AdvertiseAddr,
		Capacity:          model.Resource{MemoryMB: cfg.MemoryMB, VCores: cfg.VCores},
		WorkDir:           cfg.WorkDir,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, client.NewNodeClient(cfg.BrokerURL, cfg.Token), st, agent.NewShellRuntime(), logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: a.Handler(),
	}
	go func() {
		logger.Info("launch API starting", "addr", cfg.Addr, "advertise_addr", cfg.AdvertiseAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("launch API failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("starting agent",
		"broker", cfg.BrokerURL,
		"name", cfg.Name,
		"capacity", model.Resource{MemoryMB: cfg.MemoryMB, VCores: cfg.VCores},
		"workdir", cfg.WorkDir,
		"storage", st.URL(),
	)

	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("launch API shutdown error", "error", err)
	}

	if runErr != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", runErr)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
