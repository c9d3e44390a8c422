// SPDX-License-Identifier: MIT

// Package callback delivers terminal-state webhooks. Delivery failures never
// roll back workflow state; they only set callback_status.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/workflow"
)

// Payload is the webhook body shape shared by worker completions, cache hits
// and monitor-forced failures.
type Payload struct {
	TaskID     string               `json:"task_id"`
	Status     workflow.Status      `json:"status"`
	Result     *workflow.Context    `json:"result"`
	MinioFiles []workflow.MinioFile `json:"minio_files"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Sender posts terminal callbacks with bounded retries.
type Sender struct {
	mgr    *workflow.Manager
	cfg    config.CallbackConfig
	client *http.Client
	logger zerolog.Logger
}

// NewSender builds a Sender using the silent manager handle for status writes.
func NewSender(mgr *workflow.Manager, cfg config.CallbackConfig, logger zerolog.Logger) *Sender {
	return &Sender{
		mgr:    mgr,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Deliver posts the terminal payload for taskID to url and records the
// outcome in callback_status. Connection errors and 5xx retry up to the
// configured attempts; 4xx fails immediately; 2xx succeeds.
func (s *Sender) Deliver(ctx context.Context, taskID, url string) {
	if url == "" {
		return
	}

	wc, found, err := s.mgr.Load(ctx, taskID)
	if err != nil || !found {
		s.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("callback skipped, workflow not loadable")
		return
	}

	files := workflow.MinioFiles(wc)
	if files == nil {
		files = []workflow.MinioFile{}
	}
	payload := Payload{
		TaskID:     taskID,
		Status:     wc.Status,
		Result:     wc,
		MinioFiles: files,
		Timestamp:  time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldTaskID, taskID).Msg("callback payload encode failed")
		s.setStatus(ctx, taskID, workflow.CallbackFailed)
		return
	}

	// The limiter starts with one token: the first attempt goes out
	// immediately, later attempts pace at retry_delay and a cancelled context
	// aborts the wait.
	limiter := rate.NewLimiter(rate.Every(s.cfg.RetryDelay), 1)

	state := workflow.CallbackFailed
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		retryable, err := s.post(ctx, url, body)
		if err == nil {
			state = workflow.CallbackSent
			break
		}
		s.logger.Warn().Err(err).
			Str(log.FieldTaskID, taskID).
			Int("attempt", attempt).
			Msg("callback delivery failed")
		if !retryable {
			break
		}
	}
	s.setStatus(ctx, taskID, state)
}

// NotifyTerminal delivers using the callback URL stored on the workflow. Used
// by the monitor after a forced failure.
func (s *Sender) NotifyTerminal(ctx context.Context, taskID string) {
	wc, found, err := s.mgr.Load(ctx, taskID)
	if err != nil || !found {
		return
	}
	s.Deliver(ctx, taskID, wc.InputParams.CallbackURL)
}

// post returns (retryable, error).
func (s *Sender) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
}

func (s *Sender) setStatus(ctx context.Context, taskID string, state workflow.CallbackState) {
	if err := s.mgr.SetCallbackStatus(ctx, taskID, state); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTaskID, taskID).Msg("callback status write failed")
	}
}
