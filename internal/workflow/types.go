// SPDX-License-Identifier: MIT

// Package workflow defines the persisted task state model and its sole
// writer, the state manager.
package workflow

import (
	"time"
)

// StageStatus is the per-node execution status. Uppercase on the wire.
type StageStatus string

const (
	StagePending StageStatus = "PENDING"
	StageRunning StageStatus = "RUNNING"
	StageSuccess StageStatus = "SUCCESS"
	StageFailed  StageStatus = "FAILED"
	StageSkipped StageStatus = "SKIPPED"
)

// Status is the aggregate workflow status derived from the stages.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CallbackState tracks webhook delivery for a task.
type CallbackState string

const (
	CallbackPending CallbackState = "pending"
	CallbackSent    CallbackState = "sent"
	CallbackFailed  CallbackState = "failed"
)

// InputParams is the initial request payload stored on the context.
type InputParams struct {
	TaskName    string         `json:"task_name"`
	InputData   map[string]any `json:"input_data"`
	CallbackURL string         `json:"callback_url"`
}

// StageExecution is the per-node record inside Context.Stages.
type StageExecution struct {
	Status StageStatus `json:"status"`
	// InputParams are the resolved inputs actually used, secrets redacted.
	InputParams map[string]any `json:"input_params"`
	Output      map[string]any `json:"output"`
	// Error is non-nil exactly when Status is FAILED.
	Error *string `json:"error"`
	// Duration is wall-clock seconds from execute start to finish.
	Duration float64 `json:"duration"`
}

// Context is the single source of truth for one task's execution, stored as
// one JSON document under workflow:<task_id>.
type Context struct {
	WorkflowID        string                     `json:"workflow_id"`
	CreateAt          time.Time                  `json:"create_at"`
	InputParams       InputParams                `json:"input_params"`
	SharedStoragePath string                     `json:"shared_storage_path"`
	Stages            map[string]*StageExecution `json:"stages"`
	Status            Status                     `json:"status"`
	Error             string                     `json:"error,omitempty"`
	CallbackStatus    CallbackState              `json:"callback_status,omitempty"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// Stage returns the named stage record, or nil.
func (c *Context) Stage(name string) *StageExecution {
	if c == nil || c.Stages == nil {
		return nil
	}
	return c.Stages[name]
}

// DeriveStatus recomputes the aggregate status from the stages. A top-level
// error always dominates.
func (c *Context) DeriveStatus() Status {
	if c.Error != "" {
		return StatusFailed
	}
	if len(c.Stages) == 0 {
		return StatusPending
	}
	terminalOK := 0
	for _, st := range c.Stages {
		switch st.Status {
		case StageFailed:
			return StatusFailed
		case StageRunning:
			return StatusRunning
		case StageSuccess, StageSkipped:
			terminalOK++
		}
	}
	if terminalOK == len(c.Stages) {
		return StatusCompleted
	}
	return StatusPending
}

// FailureText builds the Error pointer for a FAILED stage.
func FailureText(msg string) *string { return &msg }
