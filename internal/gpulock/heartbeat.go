// SPDX-License-Identifier: MIT

package gpulock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
)

// Heartbeat is the liveness record a worker maintains while it executes a
// stage. The key carries a TTL, so a dead process stops reporting on its own.
type Heartbeat struct {
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message"`
	LastUpdate time.Time `json:"last_update"`
	StartTime  time.Time `json:"start_time"`
}

// Beater periodically rewrites a task's heartbeat key.
type Beater struct {
	kv       *kv.Store
	taskID   string
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	current Heartbeat

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBeater builds a Beater for one stage execution. staleAfter is the bound
// past which the monitor treats the beat as a zombie; the key TTL is three
// times that, so the monitor observes the stale record before Redis reaps it.
func NewBeater(store *kv.Store, taskID, stage string, interval, staleAfter time.Duration, logger zerolog.Logger) *Beater {
	return &Beater{
		kv:       store,
		taskID:   taskID,
		interval: interval,
		ttl:      3 * staleAfter,
		logger:   logger,
		current: Heartbeat{
			Stage:     stage,
			Status:    "running",
			StartTime: time.Now().UTC(),
		},
	}
}

// Start writes an initial beat and spawns the refresh loop.
func (b *Beater) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	b.beat(ctx)

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				b.beat(loopCtx)
			}
		}
	}()
}

// Update changes the reported progress. The next tick publishes it; an
// explicit beat is also written so short stages still surface progress.
func (b *Beater) Update(ctx context.Context, status string, progress float64, message string) {
	b.mu.Lock()
	b.current.Status = status
	b.current.Progress = progress
	b.current.Message = message
	b.mu.Unlock()
	b.beat(ctx)
}

// Stop halts the loop and removes the heartbeat key.
func (b *Beater) Stop(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	if err := b.kv.Delete(ctx, kv.HeartbeatKey(b.taskID)); err != nil {
		b.logger.Warn().Err(err).Str(log.FieldTaskID, b.taskID).Msg("heartbeat cleanup failed, ttl will reap")
	}
}

func (b *Beater) beat(ctx context.Context) {
	b.mu.Lock()
	hb := b.current
	hb.LastUpdate = time.Now().UTC()
	b.current = hb
	b.mu.Unlock()

	if err := b.kv.SetJSON(ctx, kv.HeartbeatKey(b.taskID), hb, b.ttl); err != nil {
		b.logger.Warn().Err(err).Str(log.FieldTaskID, b.taskID).Msg("heartbeat write failed")
	}
}

// AllHeartbeats lists every live heartbeat keyed by task id.
func AllHeartbeats(ctx context.Context, store *kv.Store) (map[string]Heartbeat, error) {
	keys, err := store.ScanKeys(ctx, kv.HeartbeatKey("*"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Heartbeat, len(keys))
	for _, key := range keys {
		var hb Heartbeat
		found, err := store.GetJSON(ctx, key, &hb)
		if err != nil || !found {
			continue
		}
		out[strings.TrimPrefix(key, kv.HeartbeatKey(""))] = hb
	}
	return out, nil
}
