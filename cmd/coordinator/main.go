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

	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/coordinator"
	"github.com/me/jobcoord/internal/logging"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/pkg/model"
)

func main() {
	configFile := flag.String("config", "", "Job configuration file (YAML)")
	addr := flag.String("addr", ":0", "Listen address for the status endpoint")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "auto", "Log format (text, json, auto)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat).With("component", "coordinator")

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "usage: coordinator --config <job.yaml>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	appID := os.Getenv(model.EnvAppID)
	if appID == "" {
		fmt.Fprintf(os.Stderr, "%s is not set; the coordinator runs inside a slot started by the broker\n", model.EnvAppID)
		os.Exit(1)
	}

	// Broker URL and token come from the slot environment through the
	// JOBCOORD_BROKER_* overrides.
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var authBlob []byte
	if p := os.Getenv(model.EnvCredentialsFile); p != "" {
		if authBlob, err = os.ReadFile(p); err != nil {
			fmt.Fprintf(os.Stderr, "read credentials: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.New(ctx, cfg.Storage.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage: %v\n", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	port := ln.Addr().(*net.TCPAddr).Port

	job := &coordinator.Job{
		Broker:      client.NewAMClient(cfg.Broker.URL, appID, cfg.Broker.Token),
		Launcher:    client.NewLauncherClient(),
		Storage:     st,
		Config:      cfg,
		AppID:       appID,
		AuthBlob:    authBlob,
		Host:        host,
		Port:        port,
		TrackingURL: fmt.Sprintf("http://%s/status", net.JoinHostPort(host, fmt.Sprint(port))),
		Logger:      logger,
	}

	httpServer := &http.Server{Handler: coordinator.StatusHandler(job)}
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("status endpoint failed", "error", err)
		}
	}()

	status, runErr := job.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", runErr)
		os.Exit(1)
	}
	if status != model.FinalStatusSucceeded {
		logger.Warn("job finished without success", "final_status", status)
		os.Exit(1)
	}
	logger.Info("job succeeded")
}
