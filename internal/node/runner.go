// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/workflow"
)

// StateRecorder is the slice of the workflow manager the runner needs.
// Workers pass the side-effecting handle; its terminal write performs the
// upload pass before persisting.
type StateRecorder interface {
	Load(ctx context.Context, taskID string) (*workflow.Context, bool, error)
	RecordStageStart(ctx context.Context, taskID, stageName string, resolvedInputs map[string]any) error
	RecordStageTerminal(ctx context.Context, taskID, stageName string, stage workflow.StageExecution, customPathFields []string) error
}

// Fetcher localizes remote URL inputs into the task's work directory.
type Fetcher interface {
	IsRemote(value string) bool
	Fetch(ctx context.Context, taskID, rawURL string) (string, error)
}

// Runner drives one node execution through its lifecycle: resolve inputs,
// record start, localize remote inputs, validate, execute, shape the output,
// record the terminal state.
type Runner struct {
	state    StateRecorder
	resolver *Resolver
	tools    ToolRunner
	fetcher  Fetcher
	logger   zerolog.Logger
}

// NewRunner builds a Runner. fetcher may be nil, disabling download-on-read.
func NewRunner(state StateRecorder, resolver *Resolver, tools ToolRunner, fetcher Fetcher, logger zerolog.Logger) *Runner {
	return &Runner{state: state, resolver: resolver, tools: tools, fetcher: fetcher, logger: logger}
}

// Run executes node n for taskID. The returned error is the execution
// failure, already recorded in the workflow document; callers use it only to
// decide logging and metrics, never to re-record state.
func (r *Runner) Run(ctx context.Context, taskID string, n Node, rawInput map[string]any, progress func(float64, string)) error {
	logger := r.logger.With().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldStage, n.Name()).
		Logger()

	wc, found, err := r.state.Load(ctx, taskID)
	if err != nil {
		return r.fail(ctx, taskID, n, ResourceErr(err), 0)
	}
	if !found {
		return r.fail(ctx, taskID, n, InputErr("workflow %s not found", taskID), 0)
	}

	resolved, err := r.resolver.Resolve(n, wc, rawInput)
	if err != nil {
		return r.fail(ctx, taskID, n, err, 0)
	}

	if err := r.state.RecordStageStart(ctx, taskID, n.Name(), resolved); err != nil {
		return r.fail(ctx, taskID, n, ResourceErr(err), 0)
	}

	start := time.Now()

	if err := n.ValidateInput(resolved); err != nil {
		return r.fail(ctx, taskID, n, err, Elapsed(start))
	}

	if err := os.MkdirAll(wc.SharedStoragePath, 0o755); err != nil {
		return r.fail(ctx, taskID, n, ResourceErr(err), Elapsed(start))
	}

	localized, err := r.localize(ctx, taskID, resolved)
	if err != nil {
		return r.fail(ctx, taskID, n, err, Elapsed(start))
	}

	ec := &ExecContext{
		TaskID:   taskID,
		WorkDir:  wc.SharedStoragePath,
		Params:   localized,
		Tools:    r.tools,
		Progress: progress,
		Logger:   logger,
	}

	out, err := n.Execute(ctx, ec)
	if err != nil {
		return r.fail(ctx, taskID, n, err, Elapsed(start))
	}

	if out == nil {
		out = map[string]any{}
	}
	if dropped := workflow.StripDurationAliases(out); len(dropped) > 0 {
		logger.Debug().Strs("fields", dropped).Msg("dropped duration alias fields from output")
	}

	terminal := workflow.StageExecution{
		Status:   workflow.StageSuccess,
		Output:   out,
		Duration: Elapsed(start),
	}
	if err := r.state.RecordStageTerminal(ctx, taskID, n.Name(), terminal, n.CustomPathFields()); err != nil {
		logger.Error().Err(err).Msg("terminal write failed")
		return ResourceErr(err)
	}

	logger.Info().Float64("duration_s", terminal.Duration).Msg("stage completed")
	return nil
}

// localize replaces remote URL values with downloaded local paths. The audit
// record keeps the URLs the caller supplied; only the executing node sees the
// local copies.
func (r *Runner) localize(ctx context.Context, taskID string, params map[string]any) (map[string]any, error) {
	if r.fetcher == nil {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok || !r.fetcher.IsRemote(s) {
			out[k] = v
			continue
		}
		local, err := r.fetcher.Fetch(ctx, taskID, s)
		if err != nil {
			return nil, ResourceErr(fmt.Errorf("download %q for parameter %q: %w", s, k, err))
		}
		out[k] = local
	}
	return out, nil
}

func (r *Runner) fail(ctx context.Context, taskID string, n Node, cause error, duration float64) error {
	// The terminal write must land even when the failure is the execution
	// context being cancelled.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	text := FailureText(cause)
	r.logger.Error().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldStage, n.Name()).
		Str(log.FieldErrorKind, string(Classify(cause))).
		Msg(text)

	terminal := workflow.StageExecution{
		Status:   workflow.StageFailed,
		Output:   map[string]any{},
		Error:    workflow.FailureText(text),
		Duration: duration,
	}
	// The failure path records with the same handle, but a FAILED stage never
	// triggers uploads.
	if err := r.state.RecordStageTerminal(ctx, taskID, n.Name(), terminal, nil); err != nil {
		r.logger.Error().Err(err).Str(log.FieldTaskID, taskID).Msg("failure record write failed")
	}
	return cause
}
