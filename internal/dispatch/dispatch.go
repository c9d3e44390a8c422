// SPDX-License-Identifier: MIT

// Package dispatch defines the unit of work the gateway enqueues and workers
// consume. Delivery is at-least-once; consumers must tolerate duplicates.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one dispatched stage execution.
type Message struct {
	ID         string         `json:"message_id"`
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	InputData  map[string]any `json:"input_data"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// New builds a Message with a fresh id.
func New(taskID, taskName string, inputData map[string]any) Message {
	return Message{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		TaskName:   taskName,
		InputData:  inputData,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Encode serializes the message for the queue.
func (m Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode dispatch message: %w", err)
	}
	return string(data), nil
}

// Decode parses a queue payload.
func Decode(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("decode dispatch message: %w", err)
	}
	if m.TaskID == "" || m.TaskName == "" {
		return Message{}, fmt.Errorf("dispatch message missing task_id or task_name")
	}
	return m, nil
}
