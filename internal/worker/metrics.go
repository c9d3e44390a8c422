// SPDX-License-Identifier: MIT

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_worker_messages_consumed_total",
		Help: "Queue messages accepted for execution.",
	})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_worker_messages_dropped_total",
		Help: "Queue messages dropped before execution (undecodable or unknown node).",
	})
	executionsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_worker_executions_succeeded_total",
		Help: "Node executions that recorded SUCCESS.",
	})
	executionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipflow_worker_executions_failed_total",
		Help: "Node executions that recorded FAILED, by error kind.",
	}, []string{"kind"})
)
