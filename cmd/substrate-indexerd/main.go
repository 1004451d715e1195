// Package main provides substrate-indexerd - a control-plane-driven
// Substrate chain indexer daemon.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kusama-tools/substrate-indexer/internal/config"
	"github.com/kusama-tools/substrate-indexer/internal/controlplane"
	"github.com/kusama-tools/substrate-indexer/internal/sessionmgr"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.substrate-indexer", "Data directory")
		configFile  = flag.String("config", "", "Config file path; only its directory is used, the file read there is always config.yaml (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "Control-plane listen address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("substrate-indexerd %s (commit: %s)", version, commit)
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
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.ControlPlane.ListenAddr = *listenAddr
	}
	cfg.Logging.Level = *logLevel
	cfg.DataDir = *dataDir

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(*dataDir))

	dataPath := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatal("failed to create data directory", "path", dataPath, "error", err)
	}

	sessionErrors := make(chan sessionmgr.SessionError, 64)
	mgr := sessionmgr.NewWithConfig(dataPath, sessionErrors, cfg)
	adapter := controlplane.New(mgr)
	go adapter.Run(sessionErrors)

	mux := http.NewServeMux()
	mux.Handle("/ws", adapter)
	server := &http.Server{Addr: cfg.ControlPlane.ListenAddr, Handler: mux}

	go func() {
		log.Info("control plane listening", "addr", cfg.ControlPlane.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("control plane server failed", "error", err)
		}
	}()

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh
	log.Info("shutting down...")

	if err := server.Close(); err != nil {
		log.Error("error closing control plane server", "error", err)
	}
	mgr.Shutdown()

	log.Info("goodbye")
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  substrate-indexerd %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Control plane: ws://%s/ws", cfg.ControlPlane.ListenAddr)
	log.Infof("  Data dir: %s", expandPath(cfg.DataDir))
	log.Infof("  Chains configured: %d", len(cfg.Chains))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
