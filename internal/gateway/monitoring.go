// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
)

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, held, err := s.lock.Holder(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := map[string]any{
		"lock_key": gpulock.Key,
		"held":     held,
	}
	if held {
		resp["holder"] = token
		if stage, taskID, acquireTS, perr := gpulock.ParseToken(token); perr == nil {
			resp["stage"] = stage
			resp["task_id"] = taskID
			resp["acquired_at"] = time.Unix(acquireTS, 0).UTC()
			resp["lock_age_s"] = time.Since(time.Unix(acquireTS, 0)).Seconds()
		}
		if ttl, terr := s.kv.TTL(ctx, gpulock.Key); terr == nil {
			resp["ttl_s"] = ttl.Seconds()
		}
	}
	if counters, cerr := s.kv.Counters(ctx); cerr == nil {
		resp["counters"] = counters
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReleaseLock is the single mutating monitoring endpoint. It runs the
// same token-checked release as the monitor: the caller names the key, the
// handler reads the current token and releases only that observation.
func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LockKey string `json:"lock_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.LockKey != gpulock.Key {
		writeError(w, http.StatusBadRequest, "unknown lock_key")
		return
	}

	ctx := r.Context()
	token, held, err := s.lock.Holder(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !held {
		writeJSON(w, http.StatusOK, map[string]any{"released": false, "reason": "lock not held"})
		return
	}

	released, err := s.lock.ForceRelease(ctx, token)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Warn().Str("holder", token).Bool("released", released).Msg("operator lock release")
	writeJSON(w, http.StatusOK, map[string]any{"released": released, "holder": token})
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	beats, err := gpulock.AllHeartbeats(r.Context(), s.kv)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(beats),
		"heartbeats": beats,
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	counters, err := s.kv.Counters(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats_key": kv.StatsKey,
		"counters":  counters,
	})
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depths := make(map[string]int64)
	var total int64
	for _, name := range s.registry.Names() {
		n, err := s.kv.QueueDepth(ctx, name)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if n > 0 {
			depths[name] = n
		}
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"queues": depths,
	})
}
