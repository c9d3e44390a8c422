// SPDX-License-Identifier: MIT

// The worker consumes dispatched stage executions from the queue and runs
// the processing nodes, uploading produced files to the object store.
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
	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/node"
	"github.com/clipflow/clipflow/internal/nodes"
	"github.com/clipflow/clipflow/internal/objstore"
	"github.com/clipflow/clipflow/internal/worker"
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
		fmt.Printf("clipflow-worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return exitOK
	}

	cfg := config.FromEnv()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "clipflow-worker"})
	logger := log.WithComponent("worker")

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
	state := mgr.WithSideEffects(objects, cfg.AutoUploadToMinio)
	registry := nodes.Catalog(nodes.Options{WhisperDevice: cfg.Worker.WhisperDevice})

	tools := &node.ExecRunner{
		Timeout: cfg.Worker.SubprocessTimeout,
		Logger:  log.WithComponent("tools"),
	}
	fetcher := objstore.NewFetcher(objects, cfg.SharedStoragePath)
	runner := node.NewRunner(state, &node.Resolver{}, tools, fetcher, log.WithComponent("runner"))

	lock := gpulock.New(store, cfg.GPULock, log.WithComponent("gpulock"))
	callbacks := callback.NewSender(mgr, cfg.Callback, log.WithComponent("callback"))

	w := worker.New(cfg, store, state, registry, runner, lock, callbacks, logger)
	if err := w.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return exitConfig
	}

	logger.Info().Msg("worker shut down")
	return exitOK
}
