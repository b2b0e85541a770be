// Command server runs the competition submission service.
//
// The service negotiates packaging formats with clients, enforces
// per-participant attempt quotas, and stores accepted archives on the local
// filesystem.
//
// # Configuration File
//
// Create a YAML file with server settings:
//
//	listen_addr: ":8080"
//	storage_dir: "submissions"
//	default_format: repo
//	default_max_attempts: 5
//	auth:
//	  tokens: {}          # token -> identity; empty accepts any token
//	competitions:
//	  - id: competition-123
//	    name: "Spring Challenge"
//	    max_attempts: 3
//	    format: py
//
// # Usage
//
//	go run ./cmd/server --config=server.yaml
//	go run ./cmd/server --addr=:9090 --storage-dir=/var/lib/submissions
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AutoScots/optimusprime/api/httpserver"
	"github.com/AutoScots/optimusprime/archive"
	"github.com/AutoScots/optimusprime/cmd/common"
	"github.com/AutoScots/optimusprime/quota"
	"github.com/AutoScots/optimusprime/server"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "", "HTTP listen address (overrides config)")
		storageDir  = flag.String("storage-dir", "", "Directory for stored submissions (overrides config)")
		enablePprof = flag.Bool("pprof", false, "Enable pprof debugging API")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg *common.ServerConfig
	var err error
	if *configPath != "" {
		cfg, err = common.LoadServerConfig(*configPath)
		if err != nil {
			log.Error("Error loading config", "err", err)
			os.Exit(1)
		}
	} else {
		cfg = common.DefaultServerConfig()
	}

	// Command-line flags override config file values.
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *enablePprof {
		cfg.EnablePprof = true
	}

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config", "err", err)
		os.Exit(1)
	}

	policy, err := server.NewPolicy(archive.Format(cfg.DefaultFormat), cfg.DefaultMaxAttempts, cfg.Competitions)
	if err != nil {
		log.Error("Invalid competition policy", "err", err)
		os.Exit(1)
	}

	store, err := quota.NewFSStore(cfg.StorageDir)
	if err != nil {
		log.Error("Could not open storage directory", "err", err)
		os.Exit(1)
	}

	handler, err := server.NewHandler(policy, quota.NewLedger(), store, cfg.Resolver(), log)
	if err != nil {
		log.Error("Could not create handler", "err", err)
		os.Exit(1)
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: cfg.GracefulShutdownDuration,
		ReadTimeout:              cfg.ReadTimeout,
		WriteTimeout:             cfg.WriteTimeout,
	}, handler)
	if err != nil {
		log.Error("Could not create server", "err", err)
		os.Exit(1)
	}

	for _, c := range policy.Registered() {
		log.Info("Registered competition",
			"id", c.ID,
			"name", c.Name,
			"format", c.Format,
			"max_attempts", c.MaxAttempts)
	}

	fmt.Printf("Submission server listening on %s (storage: %s)\n", cfg.ListenAddr, cfg.StorageDir)
	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server")
	srv.Shutdown()
}
