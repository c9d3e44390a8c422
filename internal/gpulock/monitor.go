// SPDX-License-Identifier: MIT

package gpulock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/workflow"
)

// TerminalNotifier delivers the caller's callback after the monitor forces a
// task into a terminal state. A nil notifier disables delivery.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, taskID string)
}

// Monitor watches the lock holder and live heartbeats, escalating through the
// leveled timeouts: warn, cooperative cancel with a grace window, forced
// release. Recovery only ever acts on the exact token it observed.
type Monitor struct {
	kv       *kv.Store
	lock     *Lock
	mgr      *workflow.Manager
	notifier TerminalNotifier
	cfg      config.MonitorConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	warned      map[string]bool
	softStarted map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor. The manager handle is the silent one: a
// forced failure must not trigger uploads.
func NewMonitor(store *kv.Store, lock *Lock, mgr *workflow.Manager, notifier TerminalNotifier, cfg config.MonitorConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		kv:          store,
		lock:        lock,
		mgr:         mgr,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		warned:      make(map[string]bool),
		softStarted: make(map[string]time.Time),
	}
}

// Start runs the evaluation loop until Stop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// RunOnce performs a single evaluation pass.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.evaluateHolder(ctx)
	m.scanHeartbeats(ctx)
}

func (m *Monitor) evaluateHolder(ctx context.Context) {
	token, held, err := m.lock.Holder(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("lock holder check failed")
		return
	}
	if !held {
		m.mu.Lock()
		m.warned = make(map[string]bool)
		m.softStarted = make(map[string]time.Time)
		m.mu.Unlock()
		return
	}

	stageName, taskID, acquireTS, err := ParseToken(token)
	if err != nil {
		// An unparseable value cannot be attributed to a task. Only the hard
		// bound applies, keyed on first observation.
		m.logger.Error().Str(log.FieldHolder, token).Msg("lock holds malformed token")
		m.handleMalformed(ctx, token)
		return
	}

	age := m.now().Sub(time.Unix(acquireTS, 0))
	switch {
	case age >= m.cfg.HardTimeout:
		m.recover(ctx, "hard", token, stageName, taskID, age)
	case age >= m.cfg.SoftTimeout:
		m.escalateSoft(ctx, token, stageName, taskID, age)
	case age >= m.cfg.Warning:
		m.warnOnce(token, stageName, taskID, age)
	}
}

func (m *Monitor) warnOnce(token, stageName, taskID string, age time.Duration) {
	m.mu.Lock()
	seen := m.warned[token]
	m.warned[token] = true
	m.mu.Unlock()
	if seen {
		return
	}
	m.logger.Warn().
		Str(log.FieldStage, stageName).
		Str(log.FieldTaskID, taskID).
		Float64(log.FieldLockAge, age.Seconds()).
		Msg("gpu lock held past warning threshold")
}

func (m *Monitor) escalateSoft(ctx context.Context, token, stageName, taskID string, age time.Duration) {
	m.mu.Lock()
	started, pending := m.softStarted[token]
	if !pending {
		m.softStarted[token] = m.now()
	}
	m.mu.Unlock()

	if !pending {
		m.logger.Warn().
			Str(log.FieldStage, stageName).
			Str(log.FieldTaskID, taskID).
			Float64(log.FieldLockAge, age.Seconds()).
			Msg("soft timeout reached, requesting cooperative cancel")
		if err := RequestCancel(ctx, m.kv, taskID, "soft timeout", m.cfg.GracePeriod+m.cfg.MonitorInterval); err != nil {
			m.logger.Warn().Err(err).Msg("cancel request failed")
		}
		return
	}

	if m.now().Sub(started) >= m.cfg.GracePeriod {
		m.recover(ctx, "soft", token, stageName, taskID, age)
	}
}

// recover marks the stage failed, force-releases the observed token and
// notifies the caller. Every step is retried up to cleanup.max_retry times.
func (m *Monitor) recover(ctx context.Context, level, token, stageName, taskID string, age time.Duration) {
	if !m.cfg.AutoRecovery {
		m.logger.Error().
			Str(log.FieldStage, stageName).
			Str(log.FieldTaskID, taskID).
			Str("level", level).
			Float64(log.FieldLockAge, age.Seconds()).
			Msg("timeout exceeded but auto recovery is disabled")
		return
	}

	m.logger.Error().
		Str(log.FieldStage, stageName).
		Str(log.FieldTaskID, taskID).
		Str("level", level).
		Float64(log.FieldLockAge, age.Seconds()).
		Msg("forcing task failure and lock release")

	failure := workflow.StageExecution{
		Status: workflow.StageFailed,
		Output: map[string]any{},
		Error:  workflow.FailureText(fmt.Sprintf("forced failure by monitor: %s timeout after %s", level, age.Round(time.Second))),
	}
	m.withRetries(ctx, "record forced failure", func() error {
		return m.mgr.RecordStageTerminal(ctx, taskID, stageName, failure)
	})

	released := false
	m.withRetries(ctx, "forced release", func() error {
		ok, err := m.lock.ForceRelease(ctx, token)
		released = released || ok
		return err
	})
	if !released {
		m.logger.Info().Str(log.FieldHolder, token).Msg("holder changed before forced release, skipped")
	}

	m.withRetries(ctx, "heartbeat cleanup", func() error {
		return m.kv.Delete(ctx, kv.HeartbeatKey(taskID))
	})

	monitorRecoveries.WithLabelValues(level).Inc()
	_ = m.kv.IncrCounter(ctx, level+"_recoveries")

	m.mu.Lock()
	delete(m.warned, token)
	delete(m.softStarted, token)
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.NotifyTerminal(ctx, taskID)
	}
}

// handleMalformed frees a token that cannot be traced to a task once its TTL
// stops protecting progress. There is no stage to fail, so only the release
// happens.
func (m *Monitor) handleMalformed(ctx context.Context, token string) {
	m.mu.Lock()
	started, pending := m.softStarted[token]
	if !pending {
		m.softStarted[token] = m.now()
	}
	m.mu.Unlock()
	if !pending || m.now().Sub(started) < m.cfg.HardTimeout {
		return
	}
	if _, err := m.lock.ForceRelease(ctx, token); err == nil {
		monitorRecoveries.WithLabelValues("malformed").Inc()
		m.mu.Lock()
		delete(m.softStarted, token)
		m.mu.Unlock()
	}
}

// scanHeartbeats reaps executions whose worker stopped beating: the RUNNING
// stage is forced FAILED and the caller notified, same as a lock-holder
// recovery. The current lock holder is exempt; the leveled timeouts govern it.
func (m *Monitor) scanHeartbeats(ctx context.Context) {
	beats, err := AllHeartbeats(ctx, m.kv)
	if err != nil {
		m.logger.Warn().Err(err).Msg("heartbeat scan failed")
		return
	}
	holderTask := ""
	if token, held, err := m.lock.Holder(ctx); err == nil && held {
		if _, taskID, _, err := ParseToken(token); err == nil {
			holderTask = taskID
		}
	}
	for taskID, hb := range beats {
		stale := m.now().Sub(hb.LastUpdate)
		if stale < m.cfg.HeartbeatTimeout || taskID == holderTask {
			continue
		}
		zombieHeartbeats.Inc()
		_ = m.kv.IncrCounter(ctx, "zombie_heartbeats")
		m.logger.Warn().
			Str(log.FieldTaskID, taskID).
			Str(log.FieldStage, hb.Stage).
			Float64("stale_s", stale.Seconds()).
			Msg("zombie heartbeat detected")
		if !m.cfg.AutoRecovery {
			continue
		}
		m.reapZombie(ctx, taskID, hb, stale)
	}
}

// reapZombie forces the zombie's RUNNING stage into FAILED and removes the
// heartbeat record. A heartbeat without a running stage is an orphan and only
// the record is cleaned up.
func (m *Monitor) reapZombie(ctx context.Context, taskID string, hb Heartbeat, stale time.Duration) {
	wc, found, err := m.mgr.Load(ctx, taskID)
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("zombie workflow load failed")
		return
	}

	stageName := hb.Stage
	if found && stageName == "" {
		// Heartbeats written before the stage field existed carry no name.
		for name, st := range wc.Stages {
			if st.Status == workflow.StageRunning {
				stageName = name
				break
			}
		}
	}
	st := wc.Stage(stageName)
	running := found && st != nil && st.Status == workflow.StageRunning

	if running {
		failure := workflow.StageExecution{
			Status: workflow.StageFailed,
			Output: map[string]any{},
			Error:  workflow.FailureText(fmt.Sprintf("forced failure by monitor: heartbeat stale for %s", stale.Round(time.Second))),
		}
		m.withRetries(ctx, "record zombie failure", func() error {
			return m.mgr.RecordStageTerminal(ctx, taskID, stageName, failure)
		})
	}

	m.withRetries(ctx, "zombie heartbeat cleanup", func() error {
		return m.kv.Delete(ctx, kv.HeartbeatKey(taskID))
	})

	if running {
		monitorRecoveries.WithLabelValues("zombie").Inc()
		_ = m.kv.IncrCounter(ctx, "zombie_recoveries")
		if m.notifier != nil {
			m.notifier.NotifyTerminal(ctx, taskID)
		}
	}
}

// withRetries runs op up to cleanup.max_retry+1 times with the configured
// delay. Failures are logged; the monitor never blocks its loop on one task.
func (m *Monitor) withRetries(ctx context.Context, what string, op func() error) {
	attempts := m.cfg.CleanupMaxRetry + 1
	for i := 0; i < attempts; i++ {
		err := op()
		if err == nil {
			return
		}
		m.logger.Warn().Err(err).Int("attempt", i+1).Msgf("%s failed", what)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.CleanupRetryDelay):
			}
		}
	}
}
