// SPDX-License-Identifier: MIT

// The daemon hosts the HTTP gateway, the GPU lock monitor and the retention
// GC in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipflow/clipflow/internal/callback"
	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/gateway"
	"github.com/clipflow/clipflow/internal/gc"
	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/nodes"
	"github.com/clipflow/clipflow/internal/objstore"
	"github.com/clipflow/clipflow/internal/workflow"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitBackend = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("clipflow-daemon %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return exitOK
	}

	cfg := config.FromEnv()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "clipflow-daemon"})
	logger := log.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.New(cfg.Redis, log.WithComponent("kv"))
	if err != nil {
		logger.Error().Err(err).Msg("redis unreachable")
		return exitBackend
	}
	defer store.Close()

	objects, err := objstore.NewMinio(cfg.MinIO, log.WithComponent("objstore"))
	if err != nil {
		logger.Error().Err(err).Msg("object store unreachable")
		return exitBackend
	}

	mgr := workflow.NewManager(store, cfg.SharedStoragePath, log.WithComponent("workflow"))
	registry := nodes.Catalog(nodes.Options{WhisperDevice: cfg.Worker.WhisperDevice})
	lock := gpulock.New(store, cfg.GPULock, log.WithComponent("gpulock"))
	callbacks := callback.NewSender(mgr, cfg.Callback, log.WithComponent("callback"))

	if cfg.Monitor.Enabled {
		monitor := gpulock.NewMonitor(store, lock, mgr, callbacks, cfg.Monitor, log.WithComponent("monitor"))
		monitor.Start()
		defer monitor.Stop()
	}

	if cfg.GC.Enabled {
		collector := gc.New(cfg.GC, store, mgr, objects, log.WithComponent("gc"))
		if err := collector.Start(); err != nil {
			logger.Error().Err(err).Str("schedule", cfg.GC.Schedule).Msg("invalid gc schedule")
			return exitConfig
		}
		defer collector.Stop()
	}

	srv := gateway.New(cfg, mgr, store, objects, registry, lock, callbacks, log.WithComponent("gateway"))
	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway stopped with error")
		return exitConfig
	}

	logger.Info().Msg("daemon shut down")
	return exitOK
}
