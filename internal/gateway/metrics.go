// SPDX-License-Identifier: MIT

package gateway

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gateway_tasks_dispatched_total",
		Help: "Tasks enqueued to a worker topic.",
	})
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipflow_gateway_cache_hits_total",
		Help: "Task requests answered from a prior successful stage.",
	})
)

// detachedContext carries request-scoped values forward while surviving the
// request's cancellation. Used for callbacks fired after the response.
func detachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
