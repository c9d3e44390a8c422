// SPDX-License-Identifier: MIT

// Package gpulock provides cross-host mutual exclusion for GPU-bound node
// executions, built on the Redis adapter.
package gpulock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
)

// Key is the single logical GPU's lock key.
const Key = kv.LockKey

// ErrAcquireTimeout is returned when the cumulative wait exceeds
// max_wait_time. Callers classify it as a resource error.
var ErrAcquireTimeout = errors.New("gpu lock acquisition timed out")

// Lock acquires and releases the distributed GPU lock.
type Lock struct {
	kv     *kv.Store
	cfg    config.GPULockConfig
	logger zerolog.Logger
	now    func() time.Time
}

// Handle represents a held lock. It is returned by Acquire and must be
// released on every exit path.
type Handle struct {
	lock      *Lock
	Token     string
	StageName string
	TaskID    string
	AcquireTS int64
}

// New builds a Lock.
func New(store *kv.Store, cfg config.GPULockConfig, logger zerolog.Logger) *Lock {
	return &Lock{kv: store, cfg: cfg, logger: logger, now: time.Now}
}

// Token builds the holder identifier <stage_name>:<task_id>:<acquire_ts>.
func Token(stageName, taskID string, acquireTS int64) string {
	return fmt.Sprintf("%s:%s:%d", stageName, taskID, acquireTS)
}

// ParseToken splits a holder token back into its parts.
func ParseToken(token string) (stageName, taskID string, acquireTS int64, err error) {
	last := strings.LastIndexByte(token, ':')
	if last < 0 {
		return "", "", 0, fmt.Errorf("malformed lock token %q", token)
	}
	ts, err := strconv.ParseInt(token[last+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed lock token %q: %w", token, err)
	}
	head := token[:last]
	first := strings.IndexByte(head, ':')
	if first < 0 {
		return "", "", 0, fmt.Errorf("malformed lock token %q", token)
	}
	return head[:first], head[first+1:], ts, nil
}

// Acquire takes the lock, waiting with (optionally exponential) backoff up to
// max_wait_time. max_wait_time zero means a single immediate attempt.
func (l *Lock) Acquire(ctx context.Context, stageName, taskID string) (*Handle, error) {
	deadline := l.now().Add(l.cfg.MaxWaitTime)
	interval := l.cfg.PollInterval

	for attempt := 1; ; attempt++ {
		acquireTS := l.now().Unix()
		token := Token(stageName, taskID, acquireTS)

		lockAttempts.Inc()
		_ = l.kv.IncrCounter(ctx, "acquire_attempts")

		ok, err := l.kv.SetNX(ctx, Key, token, l.cfg.LockTimeout)
		if err != nil {
			return nil, err
		}
		if ok {
			lockAcquired.Inc()
			_ = l.kv.IncrCounter(ctx, "acquire_successes")
			l.logger.Info().
				Str(log.FieldStage, stageName).
				Str(log.FieldTaskID, taskID).
				Int("attempt", attempt).
				Msg("gpu lock acquired")
			return &Handle{
				lock:      l,
				Token:     token,
				StageName: stageName,
				TaskID:    taskID,
				AcquireTS: acquireTS,
			}, nil
		}

		if l.now().Add(interval).After(deadline) {
			lockAcquireTimeouts.Inc()
			_ = l.kv.IncrCounter(ctx, "acquire_timeouts")
			return nil, fmt.Errorf("%w after %s (stage %s, task %s)",
				ErrAcquireTimeout, l.cfg.MaxWaitTime, stageName, taskID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		if l.cfg.ExponentialBackoff {
			interval *= 2
			if interval > l.cfg.MaxPollInterval {
				interval = l.cfg.MaxPollInterval
			}
		}
	}
}

// Release gives the lock back atomically. The release is a no-op when the
// token no longer matches (TTL expiry plus successor acquisition); that case
// is logged but not an error for the caller's control flow.
func (h *Handle) Release(ctx context.Context) error {
	deleted, err := h.lock.kv.CompareAndDelete(ctx, Key, h.Token)
	if err != nil {
		return err
	}
	if !deleted {
		h.lock.logger.Warn().
			Str(log.FieldHolder, h.Token).
			Msg("lock already held by successor, release was a no-op")
		return nil
	}
	lockReleased.Inc()
	_ = h.lock.kv.IncrCounter(ctx, "releases")
	return nil
}

// ReleaseGuarded runs the three-layer exit guard: best-effort resource
// cleanup, then the atomic release, then an emergency compare-and-delete
// retry. The lock is never leaked on any exit path; process death is covered
// by the key TTL.
func (h *Handle) ReleaseGuarded(ctx context.Context, cleanup func()) {
	if cleanup != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.lock.logger.Error().Interface("panic", r).Msg("gpu cleanup panicked")
				}
			}()
			cleanup()
		}()
	}

	if err := h.Release(ctx); err == nil {
		return
	}

	// Emergency path: the normal release failed at the transport level. Retry
	// once with a fresh context; still token-checked, never unconditional
	// against a successor.
	emergencyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.lock.kv.CompareAndDelete(emergencyCtx, Key, h.Token); err != nil {
		h.lock.logger.Error().Err(err).
			Str(log.FieldHolder, h.Token).
			Msg("emergency lock release failed, ttl will reap the key")
	}
}

// Holder returns the current lock value, if any.
func (l *Lock) Holder(ctx context.Context) (string, bool, error) {
	return l.kv.Get(ctx, Key)
}

// ForceRelease deletes the key iff it still holds the observed token. Used by
// the monitor and the operator endpoint; shares the same atomic script as the
// normal release, so a forced release can never race a legitimate one.
func (l *Lock) ForceRelease(ctx context.Context, observedToken string) (bool, error) {
	deleted, err := l.kv.CompareAndDelete(ctx, Key, observedToken)
	if err != nil {
		return false, err
	}
	if deleted {
		lockForcedReleases.Inc()
		_ = l.kv.IncrCounter(ctx, "forced_releases")
	}
	return deleted, nil
}
