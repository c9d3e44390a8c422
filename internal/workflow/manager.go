// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/kv"
)

// Manager is the sole writer of workflow documents. This handle never touches
// the object store: the gateway is constructed with a plain *Manager so HTTP
// handlers cannot perform uploads. Workers use SideEffectManager.
type Manager struct {
	kv          *kv.Store
	storageRoot string
	logger      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds the side-effect-free state manager handle.
func NewManager(store *kv.Store, storageRoot string, logger zerolog.Logger) *Manager {
	return &Manager{
		kv:          store,
		storageRoot: storageRoot,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}
}

// taskLock serializes all writes for one task_id within this process.
func (m *Manager) taskLock(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

// Load returns the current document for a task. Readers see a consistent
// snapshot: the whole document is one JSON value.
func (m *Manager) Load(ctx context.Context, taskID string) (*Context, bool, error) {
	var wc Context
	found, err := m.kv.GetJSON(ctx, kv.WorkflowKey(taskID), &wc)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &wc, true, nil
}

// CreateOrTouch creates the document if absent. On an existing document all
// stages stay untouched; only the callback URL from the current request is
// adopted and the callback state reset.
func (m *Manager) CreateOrTouch(ctx context.Context, taskID string, input InputParams) (*Context, error) {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	wc, found, err := m.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !found {
		wc = &Context{
			WorkflowID:        taskID,
			CreateAt:          now,
			InputParams:       input,
			SharedStoragePath: m.taskStoragePath(taskID),
			Stages:            make(map[string]*StageExecution),
			Status:            StatusPending,
			CallbackStatus:    CallbackPending,
			UpdatedAt:         now,
		}
	} else {
		// The callback from the current request always overrides a stored one.
		wc.InputParams.CallbackURL = input.CallbackURL
		wc.InputParams.TaskName = input.TaskName
		wc.InputParams.InputData = input.InputData
		wc.CallbackStatus = CallbackPending
	}
	if err := m.persist(ctx, wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// RecordStagePending transitions a stage to PENDING ahead of enqueue, so a
// worker never observes its dispatch before the document shows PENDING.
func (m *Manager) RecordStagePending(ctx context.Context, taskID, stageName string) error {
	return m.mutate(ctx, taskID, func(wc *Context) error {
		wc.Stages[stageName] = &StageExecution{
			Status:      StagePending,
			InputParams: map[string]any{},
			Output:      map[string]any{},
		}
		return nil
	})
}

// RecordStageStart marks the stage RUNNING with the resolved inputs recorded
// for audit (secrets redacted).
func (m *Manager) RecordStageStart(ctx context.Context, taskID, stageName string, resolvedInputs map[string]any) error {
	return m.mutate(ctx, taskID, func(wc *Context) error {
		wc.Stages[stageName] = &StageExecution{
			Status:      StageRunning,
			InputParams: Redact(resolvedInputs),
			Output:      map[string]any{},
		}
		return nil
	})
}

// RecordStageTerminal overwrites the stage with its terminal record. Re-runs
// of FAILED stages overwrite on terminal write; nothing is cleared up front.
func (m *Manager) RecordStageTerminal(ctx context.Context, taskID, stageName string, stage StageExecution) error {
	if stage.Duration < 0 {
		stage.Duration = 0
	}
	return m.mutate(ctx, taskID, func(wc *Context) error {
		copied := stage
		if copied.Output == nil {
			copied.Output = map[string]any{}
		}
		wc.Stages[stageName] = &copied
		return nil
	})
}

// SetWorkflowError records a top-level failure that prevented any stage from
// starting.
func (m *Manager) SetWorkflowError(ctx context.Context, taskID, msg string) error {
	return m.mutate(ctx, taskID, func(wc *Context) error {
		wc.Error = msg
		return nil
	})
}

// SetCallbackStatus records webhook delivery outcome. Callback failure never
// alters stage state.
func (m *Manager) SetCallbackStatus(ctx context.Context, taskID string, state CallbackState) error {
	return m.mutate(ctx, taskID, func(wc *Context) error {
		wc.CallbackStatus = state
		return nil
	})
}

// Delete removes the task document and its per-task write lock (GC only).
// Without the eviction the lock map grows with every distinct task id the
// process ever touched.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	err := m.kv.Delete(ctx, kv.WorkflowKey(taskID))
	m.mu.Lock()
	delete(m.locks, taskID)
	m.mu.Unlock()
	return err
}

func (m *Manager) mutate(ctx context.Context, taskID string, fn func(*Context) error) error {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	wc, found, err := m.Load(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("workflow %s not found", taskID)
	}
	if wc.Stages == nil {
		wc.Stages = make(map[string]*StageExecution)
	}
	if err := fn(wc); err != nil {
		return err
	}
	return m.persist(ctx, wc)
}

func (m *Manager) persist(ctx context.Context, wc *Context) error {
	wc.Status = wc.DeriveStatus()
	wc.UpdatedAt = time.Now().UTC()
	return m.kv.SetJSON(ctx, kv.WorkflowKey(wc.WorkflowID), wc, 0)
}

func (m *Manager) taskStoragePath(taskID string) string {
	return strings.TrimRight(m.storageRoot, "/") + "/workflows/" + taskID
}

// StorageRoot exposes the shared storage root for collaborators.
func (m *Manager) StorageRoot() string { return m.storageRoot }

// redactedKeywords mark input parameters whose values must not be persisted.
var redactedKeywords = []string{"token", "password", "secret", "api_key", "apikey"}

// Redact returns a copy of params with sensitive values masked.
func Redact(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		lower := strings.ToLower(k)
		masked := false
		for _, kw := range redactedKeywords {
			if strings.Contains(lower, kw) {
				out[k] = "***"
				masked = true
				break
			}
		}
		if !masked {
			out[k] = v
		}
	}
	return out
}
