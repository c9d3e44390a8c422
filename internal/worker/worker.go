// SPDX-License-Identifier: MIT

// Package worker consumes dispatched stage executions from the queue and
// drives them through the node runner, holding the GPU lock where the node
// demands it.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clipflow/clipflow/internal/callback"
	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/dispatch"
	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/log"
	"github.com/clipflow/clipflow/internal/node"
	"github.com/clipflow/clipflow/internal/workflow"
)

// Worker pulls messages from its topics and executes them. Delivery is
// at-least-once: a crashed execution re-dispatched later overwrites the
// earlier stage record on its terminal write.
type Worker struct {
	cfg       config.Config
	kv        *kv.Store
	state     node.StateRecorder
	registry  *node.Registry
	runner    *node.Runner
	lock      *gpulock.Lock
	callbacks *callback.Sender
	logger    zerolog.Logger
}

// New wires a Worker from its collaborators. state must be the side-effecting
// manager handle so SUCCESS writes upload produced files.
func New(cfg config.Config, store *kv.Store, state node.StateRecorder, registry *node.Registry, runner *node.Runner, lock *gpulock.Lock, callbacks *callback.Sender, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		kv:        store,
		state:     state,
		registry:  registry,
		runner:    runner,
		lock:      lock,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Topics lists the queue topics this worker consumes: the configured subset,
// or the whole catalog.
func (w *Worker) Topics() []string {
	if len(w.cfg.Worker.Nodes) > 0 {
		return w.cfg.Worker.Nodes
	}
	return w.registry.Names()
}

// Run blocks consuming the queue with the configured concurrency until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	topics := w.Topics()
	w.logger.Info().
		Strs("topics", topics).
		Int("concurrency", w.cfg.Worker.Concurrency).
		Msg("worker consuming")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Worker.Concurrency; i++ {
		g.Go(func() error { return w.consume(ctx, topics) })
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, topics []string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		topic, payload, err := w.kv.Dequeue(ctx, topics, w.cfg.Worker.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn().Err(err).Msg("dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.Worker.PollTimeout):
			}
			continue
		}
		if payload == nil {
			continue
		}
		w.Handle(ctx, topic, payload)
	}
}

// Handle executes one queue payload end to end: decode, execute under the
// lock if GPU-bound, then deliver the stored callback. The message is already
// popped; undecodable payloads are dropped with a log line.
func (w *Worker) Handle(ctx context.Context, topic string, payload []byte) {
	msg, err := dispatch.Decode(string(payload))
	if err != nil {
		messagesDropped.Inc()
		w.logger.Error().Err(err).Str("topic", topic).Msg("dropping undecodable message")
		return
	}
	logger := w.logger.With().
		Str(log.FieldTaskID, msg.TaskID).
		Str(log.FieldStage, msg.TaskName).
		Str("message_id", msg.ID).
		Logger()

	n, known := w.registry.Get(msg.TaskName)
	if !known {
		messagesDropped.Inc()
		logger.Error().Msg("dropping message for unknown node")
		return
	}
	messagesConsumed.Inc()

	// Cleanup and callback delivery must land even when the execution context
	// was cancelled mid-run.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelCleanup()

	execCtx, stopWatch := gpulock.WatchCancel(ctx, w.kv, msg.TaskID)
	defer stopWatch()

	beater := gpulock.NewBeater(w.kv, msg.TaskID, msg.TaskName, w.cfg.Monitor.HeartbeatInterval, w.cfg.Monitor.HeartbeatTimeout, logger)
	beater.Start(execCtx)
	progress := func(p float64, message string) {
		beater.Update(execCtx, "running", p, message)
	}

	gpu := n.GPUBound()
	if d, ok := n.(node.GPUBindingDecider); ok {
		gpu = d.GPUBoundWith(msg.InputData)
	}

	var runErr error
	if gpu {
		runErr = w.runLocked(execCtx, cleanupCtx, msg, n, progress, logger)
	} else {
		runErr = w.runner.Run(execCtx, msg.TaskID, n, msg.InputData, progress)
	}

	if runErr != nil {
		executionsFailed.WithLabelValues(string(node.Classify(runErr))).Inc()
	} else {
		executionsSucceeded.Inc()
	}

	beater.Stop(cleanupCtx)
	if err := gpulock.ClearCancel(cleanupCtx, w.kv, msg.TaskID); err != nil {
		logger.Warn().Err(err).Msg("cancel flag cleanup failed")
	}
	w.callbacks.NotifyTerminal(cleanupCtx, msg.TaskID)
}

// runLocked acquires the GPU lock for the execution. An acquisition timeout is
// a resource failure recorded against the stage; the node never starts.
func (w *Worker) runLocked(execCtx, cleanupCtx context.Context, msg dispatch.Message, n node.Node, progress func(float64, string), logger zerolog.Logger) error {
	handle, err := w.lock.Acquire(execCtx, n.Name(), msg.TaskID)
	if err != nil {
		cause := node.ResourceErr(err)
		text := node.FailureText(cause)
		logger.Error().Msg(text)
		if recErr := w.state.RecordStageTerminal(cleanupCtx, msg.TaskID, n.Name(), workflow.StageExecution{
			Status: workflow.StageFailed,
			Output: map[string]any{},
			Error:  workflow.FailureText(text),
		}, nil); recErr != nil {
			logger.Error().Err(recErr).Msg("failure record write failed")
		}
		return cause
	}

	var runErr error
	func() {
		defer handle.ReleaseGuarded(cleanupCtx, nil)
		runErr = w.runner.Run(execCtx, msg.TaskID, n, msg.InputData, progress)
	}()
	return runErr
}
