// SPDX-License-Identifier: MIT

// Package gc reaps stale workflow state: the Redis document, the object-store
// prefix and the shared-storage directory of tasks untouched past the
// retention window.
package gc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/objstore"
	"github.com/clipflow/clipflow/internal/workflow"
)

// Collector runs scheduled retention sweeps.
type Collector struct {
	cfg     config.GCConfig
	kv      *kv.Store
	mgr     *workflow.Manager
	objects objstore.Store
	logger  zerolog.Logger
	now     func() time.Time

	cron *cron.Cron
}

// New builds a Collector. The manager handle supplies the storage root so GC
// removes the same per-task directories the workers write.
func New(cfg config.GCConfig, store *kv.Store, mgr *workflow.Manager, objects objstore.Store, logger zerolog.Logger) *Collector {
	return &Collector{
		cfg:     cfg,
		kv:      store,
		mgr:     mgr,
		objects: objects,
		logger:  logger,
		now:     time.Now,
	}
}

// Start registers the cron schedule and begins sweeping.
func (c *Collector) Start() error {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error().Err(err).Msg("gc sweep failed")
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	c.logger.Info().Str("schedule", c.cfg.Schedule).Dur("retention", c.cfg.Retention).Msg("gc scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Collector) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// RunOnce sweeps every stored workflow once and returns how many were reaped.
// Running tasks are never reaped regardless of age; their timeout handling
// belongs to the lock monitor.
func (c *Collector) RunOnce(ctx context.Context) (int, error) {
	keys, err := c.kv.ScanKeys(ctx, kv.WorkflowKey("*"))
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-c.cfg.Retention)
	reaped := 0
	for _, key := range keys {
		taskID := strings.TrimPrefix(key, kv.WorkflowKey(""))
		wc, found, err := c.mgr.Load(ctx, taskID)
		if err != nil || !found {
			continue
		}
		if wc.Status == workflow.StatusRunning || wc.UpdatedAt.After(cutoff) {
			continue
		}
		c.reap(ctx, taskID)
		reaped++
	}
	if reaped > 0 {
		c.logger.Info().Int("reaped", reaped).Msg("gc sweep finished")
	}
	return reaped, nil
}

// reap removes all three storage footprints of one task. Each removal is
// independent: a failed object-store delete does not keep the document alive.
func (c *Collector) reap(ctx context.Context, taskID string) {
	logger := c.logger.With().Str(log.FieldTaskID, taskID).Logger()

	if err := c.objects.DeletePrefix(ctx, taskID); err != nil {
		logger.Warn().Err(err).Msg("gc object prefix delete failed")
	}

	dir := filepath.Join(strings.TrimRight(c.mgr.StorageRoot(), "/"), "workflows", taskID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Msg("gc directory delete failed")
	}

	if err := c.mgr.Delete(ctx, taskID); err != nil {
		logger.Warn().Err(err).Msg("gc document delete failed")
		return
	}
	logger.Info().Msg("stale workflow reaped")
}
