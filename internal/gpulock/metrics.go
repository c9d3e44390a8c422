// SPDX-License-Identifier: MIT

package gpulock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gpu_lock_acquire_attempts_total",
		Help: "GPU lock acquisition attempts, including polls that lost the race.",
	})
	lockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gpu_lock_acquired_total",
		Help: "Successful GPU lock acquisitions.",
	})
	lockAcquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gpu_lock_acquire_timeouts_total",
		Help: "Acquisitions abandoned after max_wait_time.",
	})
	lockReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gpu_lock_released_total",
		Help: "Normal token-checked releases.",
	})
	lockForcedReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gpu_lock_forced_releases_total",
		Help: "Monitor or operator forced releases.",
	})
	monitorRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipflow_gpu_monitor_recoveries_total",
		Help: "Automatic recoveries by escalation level.",
	}, []string{"level"})
	zombieHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gpu_monitor_zombie_heartbeats_total",
		Help: "Heartbeat records whose last update exceeded the staleness bound.",
	})
)
