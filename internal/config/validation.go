// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

var errNotAbsolute = errors.New("shared storage path must be absolute")

// Validate checks value ranges and internal consistency. MaxWaitTime zero is
// allowed: acquisition then either succeeds immediately or fails immediately.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is empty")
	}
	if !filepath.IsAbs(c.SharedStoragePath) {
		return fmt.Errorf("%w: %q", errNotAbsolute, c.SharedStoragePath)
	}
	if c.Redis.Addr == "" {
		return errors.New("redis address is empty")
	}
	if c.MinIO.Bucket == "" {
		return errors.New("minio bucket is empty")
	}

	if c.GPULock.LockTimeout <= 0 {
		return errors.New("gpu_lock.lock_timeout must be positive")
	}
	if c.GPULock.PollInterval <= 0 {
		return errors.New("gpu_lock.poll_interval must be positive")
	}
	if c.GPULock.MaxPollInterval < c.GPULock.PollInterval {
		return errors.New("gpu_lock.max_poll_interval must be >= poll_interval")
	}
	if c.GPULock.MaxWaitTime < 0 {
		return errors.New("gpu_lock.max_wait_time must not be negative")
	}

	m := c.Monitor
	if m.MonitorInterval <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	if !(m.Warning <= m.SoftTimeout && m.SoftTimeout <= m.HardTimeout) {
		return errors.New("monitor timeout levels must satisfy warning <= soft <= hard")
	}
	if m.HeartbeatInterval <= 0 || m.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat interval and timeout must be positive")
	}
	if m.HeartbeatInterval >= m.HeartbeatTimeout {
		return errors.New("heartbeat.interval must be shorter than heartbeat.timeout")
	}
	if m.CleanupMaxRetry < 1 {
		return errors.New("cleanup.max_retry must be at least 1")
	}

	if c.Callback.MaxAttempts < 1 {
		return errors.New("callback.max_attempts must be at least 1")
	}
	if c.Callback.Timeout <= 0 {
		return errors.New("callback.timeout must be positive")
	}

	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	if c.Worker.SubprocessTimeout <= 0 {
		return errors.New("worker.subprocess_timeout must be positive")
	}

	if c.GC.Enabled && c.GC.Retention <= 0 {
		return errors.New("gc.retention must be positive when gc is enabled")
	}
	return nil
}
