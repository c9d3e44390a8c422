// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clipflow/clipflow/internal/dispatch"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/workflow"
)

// cacheHitMessage is the acknowledgement for a reuse hit, kept verbatim for
// API compatibility with existing clients.
const cacheHitMessage = "任务已命中缓存并完成回调"

type createTaskRequest struct {
	TaskID    string         `json:"task_id"`
	TaskName  string         `json:"task_name"`
	Callback  string         `json:"callback"`
	InputData map[string]any `json:"input_data"`
}

type createTaskResponse struct {
	TaskID    string            `json:"task_id"`
	Status    workflow.Status   `json:"status"`
	Message   string            `json:"message"`
	ReuseInfo map[string]any    `json:"reuse_info,omitempty"`
	Result    *workflow.Context `json:"result,omitempty"`
}

func (req *createTaskRequest) validate() string {
	switch {
	case req.TaskID == "":
		return "task_id is required"
	case req.TaskName == "":
		return "task_name is required"
	case req.Callback == "":
		return "callback is required"
	case !strings.HasPrefix(req.Callback, "http://") && !strings.HasPrefix(req.Callback, "https://"):
		return "callback must be an absolute http(s) URL"
	case req.InputData == nil:
		return "input_data is required"
	}
	return ""
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	n, known := s.registry.Get(req.TaskName)
	if !known {
		writeError(w, http.StatusBadRequest, "unknown task_name "+req.TaskName)
		return
	}

	ctx := r.Context()

	// UpdatedAt before the touch is when the cached result was written; the
	// touch itself refreshes it to now.
	prev, prevFound, err := s.mgr.Load(ctx, req.TaskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	wc, err := s.mgr.CreateOrTouch(ctx, req.TaskID, workflow.InputParams{
		TaskName:    req.TaskName,
		InputData:   req.InputData,
		CallbackURL: req.Callback,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	stage := wc.Stage(req.TaskName)

	// Cache hit: a completed stage with all required outputs satisfies the
	// request without new work. The callback uses the current request's URL.
	if workflow.CanReuse(stage, n.RequiredOutputFields()) {
		cacheHits.Inc()
		s.logger.Info().
			Str(log.FieldTaskID, req.TaskID).
			Str(log.FieldStage, req.TaskName).
			Msg("cache hit, no dispatch")

		go s.callbacks.Deliver(detachedContext(ctx), req.TaskID, req.Callback)

		cachedAt := wc.UpdatedAt
		if prevFound {
			cachedAt = prev.UpdatedAt
		}
		writeJSON(w, http.StatusOK, createTaskResponse{
			TaskID:  req.TaskID,
			Status:  workflow.StatusCompleted,
			Message: cacheHitMessage,
			ReuseInfo: map[string]any{
				"reuse_hit": true,
				"task_name": req.TaskName,
				"source":    "redis",
				"cached_at": cachedAt,
			},
			Result: wc,
		})
		return
	}

	// An in-flight stage is acknowledged without re-enqueueing.
	if stage != nil && (stage.Status == workflow.StagePending || stage.Status == workflow.StageRunning) {
		writeJSON(w, http.StatusOK, createTaskResponse{
			TaskID:  req.TaskID,
			Status:  workflow.StatusPending,
			Message: "任务正在处理中",
			ReuseInfo: map[string]any{
				"state":     "pending",
				"task_name": req.TaskName,
			},
		})
		return
	}

	// Dispatch. The PENDING write precedes the enqueue so a worker never
	// observes its message before the document shows the stage.
	if err := s.mgr.RecordStagePending(ctx, req.TaskID, req.TaskName); err != nil {
		writeStoreError(w, err)
		return
	}
	msg := dispatch.New(req.TaskID, req.TaskName, req.InputData)
	payload, err := msg.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.kv.Enqueue(ctx, req.TaskName, []byte(payload)); err != nil {
		writeStoreError(w, err)
		return
	}
	tasksDispatched.Inc()
	s.logger.Info().
		Str(log.FieldTaskID, req.TaskID).
		Str(log.FieldStage, req.TaskName).
		Str("message_id", msg.ID).
		Msg("task dispatched")

	writeJSON(w, http.StatusOK, createTaskResponse{
		TaskID:  req.TaskID,
		Status:  workflow.StatusPending,
		Message: "任务已接收并进入队列",
	})
}

type taskStateResponse struct {
	*workflow.Context
	MinioFiles []workflow.MinioFile `json:"minio_files"`
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	wc, found, err := s.mgr.Load(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	files := workflow.MinioFiles(wc)
	if files == nil {
		files = []workflow.MinioFile{}
	}
	writeJSON(w, http.StatusOK, taskStateResponse{Context: wc, MinioFiles: files})
}
