// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// parseString reads a string environment variable or returns the default.
func parseString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parseInt reads an integer environment variable, falling back on parse errors.
func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseBool accepts 1/0, true/false, yes/no.
func parseBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// parseDuration accepts Go duration strings ("30s") and bare seconds ("30").
func parseDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func parseCSV(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// FromEnv builds a Config from CLIPFLOW_* environment variables with documented
// defaults. Call Validate before using the result.
func FromEnv() Config {
	return Config{
		ListenAddr:        parseString("CLIPFLOW_LISTEN", ":8090"),
		SharedStoragePath: parseString("CLIPFLOW_SHARED_STORAGE", "/share"),
		AutoUploadToMinio: parseBool("CLIPFLOW_AUTO_UPLOAD_TO_MINIO", true),
		LogLevel:          parseString("CLIPFLOW_LOG_LEVEL", "info"),

		Redis: RedisConfig{
			Addr:     parseString("CLIPFLOW_REDIS_ADDR", "127.0.0.1:6379"),
			Password: parseString("CLIPFLOW_REDIS_PASSWORD", ""),
			DB:       parseInt("CLIPFLOW_REDIS_DB", 0),
		},

		MinIO: MinIOConfig{
			Endpoint:      parseString("CLIPFLOW_MINIO_ENDPOINT", "127.0.0.1:9000"),
			AccessKey:     parseString("CLIPFLOW_MINIO_ACCESS_KEY", ""),
			SecretKey:     parseString("CLIPFLOW_MINIO_SECRET_KEY", ""),
			Bucket:        parseString("CLIPFLOW_MINIO_BUCKET", "clipflow"),
			Secure:        parseBool("CLIPFLOW_MINIO_SECURE", false),
			PublicBaseURL: parseString("CLIPFLOW_MINIO_PUBLIC_URL", ""),
		},

		GPULock: GPULockConfig{
			PollInterval:       parseDuration("CLIPFLOW_GPULOCK_POLL_INTERVAL", 500*time.Millisecond),
			MaxPollInterval:    parseDuration("CLIPFLOW_GPULOCK_MAX_POLL_INTERVAL", 5*time.Second),
			MaxWaitTime:        parseDuration("CLIPFLOW_GPULOCK_MAX_WAIT_TIME", 10*time.Minute),
			LockTimeout:        parseDuration("CLIPFLOW_GPULOCK_LOCK_TIMEOUT", 30*time.Minute),
			ExponentialBackoff: parseBool("CLIPFLOW_GPULOCK_EXPONENTIAL_BACKOFF", true),
		},

		Monitor: MonitorConfig{
			Enabled:           parseBool("CLIPFLOW_MONITOR_ENABLED", true),
			AutoRecovery:      parseBool("CLIPFLOW_MONITOR_AUTO_RECOVERY", true),
			MonitorInterval:   parseDuration("CLIPFLOW_MONITOR_INTERVAL", 30*time.Second),
			Warning:           parseDuration("CLIPFLOW_MONITOR_WARNING", 10*time.Minute),
			SoftTimeout:       parseDuration("CLIPFLOW_MONITOR_SOFT_TIMEOUT", 20*time.Minute),
			HardTimeout:       parseDuration("CLIPFLOW_MONITOR_HARD_TIMEOUT", 30*time.Minute),
			GracePeriod:       parseDuration("CLIPFLOW_MONITOR_GRACE_PERIOD", 30*time.Second),
			HeartbeatInterval: parseDuration("CLIPFLOW_HEARTBEAT_INTERVAL", 10*time.Second),
			HeartbeatTimeout:  parseDuration("CLIPFLOW_HEARTBEAT_TIMEOUT", 60*time.Second),
			CleanupMaxRetry:   parseInt("CLIPFLOW_CLEANUP_MAX_RETRY", 3),
			CleanupRetryDelay: parseDuration("CLIPFLOW_CLEANUP_RETRY_DELAY", 5*time.Second),
		},

		Callback: CallbackConfig{
			Timeout:     parseDuration("CLIPFLOW_CALLBACK_TIMEOUT", 10*time.Second),
			MaxAttempts: parseInt("CLIPFLOW_CALLBACK_MAX_ATTEMPTS", 3),
			RetryDelay:  parseDuration("CLIPFLOW_CALLBACK_RETRY_DELAY", 2*time.Second),
		},

		Worker: WorkerConfig{
			Nodes:             parseCSV("CLIPFLOW_WORKER_NODES"),
			Concurrency:       parseInt("CLIPFLOW_WORKER_CONCURRENCY", 2),
			PollTimeout:       parseDuration("CLIPFLOW_WORKER_POLL_TIMEOUT", 5*time.Second),
			SubprocessTimeout: parseDuration("CLIPFLOW_WORKER_SUBPROCESS_TIMEOUT", 30*time.Minute),
			WhisperDevice:     parseString("CLIPFLOW_WHISPER_DEVICE", "cuda"),
		},

		GC: GCConfig{
			Enabled:   parseBool("CLIPFLOW_GC_ENABLED", false),
			Schedule:  parseString("CLIPFLOW_GC_SCHEDULE", "0 3 * * *"),
			Retention: parseDuration("CLIPFLOW_GC_RETENTION", 7*24*time.Hour),
		},
	}
}
