// SPDX-License-Identifier: MIT

// Package config holds process configuration for the gateway and worker daemons.
// All values are read from the environment at boot; there is no hot reload.
package config

import (
	"time"
)

// Config is the root configuration shared by gateway and worker processes.
type Config struct {
	// ListenAddr is the gateway HTTP bind address.
	ListenAddr string

	// SharedStoragePath is the mounted filesystem root holding per-task
	// intermediate files under <root>/workflows/<task_id>/.
	SharedStoragePath string

	// AutoUploadToMinio enables object-store side effects for path fields.
	AutoUploadToMinio bool

	LogLevel string

	Redis    RedisConfig
	MinIO    MinIOConfig
	GPULock  GPULockConfig
	Monitor  MonitorConfig
	Callback CallbackConfig
	Worker   WorkerConfig
	GC       GCConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MinIOConfig holds object-store connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	// PublicBaseURL overrides the URL scheme/host used in returned object URLs.
	// Empty means derive from Endpoint.
	PublicBaseURL string
}

// GPULockConfig controls acquisition behavior of the distributed GPU lock.
type GPULockConfig struct {
	PollInterval       time.Duration
	MaxPollInterval    time.Duration
	MaxWaitTime        time.Duration
	LockTimeout        time.Duration
	ExponentialBackoff bool
}

// MonitorConfig controls the gateway-hosted lock and heartbeat monitor.
type MonitorConfig struct {
	Enabled         bool
	AutoRecovery    bool
	MonitorInterval time.Duration

	// Leveled timeouts evaluated against the lock holder age.
	Warning     time.Duration
	SoftTimeout time.Duration
	HardTimeout time.Duration
	// GracePeriod is the window between the cooperative cancel signal and the
	// forced stage failure on soft timeout.
	GracePeriod time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	CleanupMaxRetry   int
	CleanupRetryDelay time.Duration
}

// CallbackConfig bounds webhook delivery.
type CallbackConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// WorkerConfig controls the queue consumer.
type WorkerConfig struct {
	// Nodes restricts which node topics this worker consumes. Empty means all.
	Nodes []string
	// Concurrency is the number of parallel executors per worker process.
	Concurrency int
	// PollTimeout is the BRPOP block duration per iteration.
	PollTimeout time.Duration
	// SubprocessTimeout bounds node-internal subprocess execution.
	SubprocessTimeout time.Duration
	// WhisperDevice selects the transcription device ("cuda" or "cpu"); it
	// decides at boot whether transcription is GPU-bound.
	WhisperDevice string
}

// GCConfig controls the stale-workflow garbage collector.
type GCConfig struct {
	Enabled   bool
	Schedule  string // cron spec
	Retention time.Duration
}
