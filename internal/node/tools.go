// SPDX-License-Identifier: MIT

package node

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// ExecRunner runs processing binaries (ffmpeg, model CLIs) as subprocesses
// with a bounded lifetime.
type ExecRunner struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Run executes tool with args and returns stdout. Non-zero exits are compute
// errors carrying the stderr tail; a deadline hit surfaces as cancelled.
func (e *ExecRunner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	e.Logger.Debug().
		Str("tool", tool).
		Float64("duration_s", time.Since(start).Seconds()).
		Bool("ok", err == nil).
		Msg("subprocess finished")

	if err != nil {
		if runCtx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Err: fmt.Errorf("%s: %w", tool, runCtx.Err())}
		}
		return nil, ComputeErr(fmt.Errorf("%s: %v: %s", tool, err, tail(stderr.Bytes(), 512)))
	}
	return stdout.Bytes(), nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
