// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/internal/callback"
	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/dispatch"
	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/node"
	"github.com/clipflow/clipflow/internal/objstore"
	"github.com/clipflow/clipflow/internal/workflow"
)

type stubNode struct {
	node.Base
	execute func(ctx context.Context, ec *node.ExecContext) (map[string]any, error)
}

func (s stubNode) ValidateInput(map[string]any) error { return nil }

func (s stubNode) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	if s.execute != nil {
		return s.execute(ctx, ec)
	}
	return map[string]any{"ok": true}, nil
}

type harness struct {
	worker    *Worker
	kv        *kv.Store
	mgr       *workflow.Manager
	registry  *node.Registry
	delivered chan callback.Payload
	cbURL     string
}

func newHarness(t *testing.T, register func(*node.Registry)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())

	cfg := config.FromEnv()
	cfg.SharedStoragePath = t.TempDir()
	cfg.Worker.Concurrency = 1
	cfg.Worker.PollTimeout = 50 * time.Millisecond
	cfg.Monitor.HeartbeatInterval = 20 * time.Millisecond
	cfg.Monitor.HeartbeatTimeout = 500 * time.Millisecond
	cfg.GPULock.PollInterval = 5 * time.Millisecond
	cfg.GPULock.MaxPollInterval = 10 * time.Millisecond
	cfg.GPULock.MaxWaitTime = 50 * time.Millisecond
	cfg.GPULock.LockTimeout = time.Minute
	cfg.Callback.MaxAttempts = 2
	cfg.Callback.RetryDelay = 10 * time.Millisecond
	cfg.Callback.Timeout = 2 * time.Second

	mgr := workflow.NewManager(store, cfg.SharedStoragePath, zerolog.Nop())
	sem := mgr.WithSideEffects(objstore.NewMem(), false)

	registry := node.NewRegistry()
	register(registry)

	runner := node.NewRunner(sem, &node.Resolver{}, nil, nil, zerolog.Nop())
	lock := gpulock.New(store, cfg.GPULock, zerolog.Nop())
	callbacks := callback.NewSender(mgr, cfg.Callback, zerolog.Nop())

	delivered := make(chan callback.Payload, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p callback.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		delivered <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(receiver.Close)

	return &harness{
		worker:    New(cfg, store, sem, registry, runner, lock, callbacks, zerolog.Nop()),
		kv:        store,
		mgr:       mgr,
		registry:  registry,
		delivered: delivered,
		cbURL:     receiver.URL,
	}
}

func (h *harness) seed(t *testing.T, taskID, taskName string, input map[string]any) {
	t.Helper()
	_, err := h.mgr.CreateOrTouch(context.Background(), taskID, workflow.InputParams{
		TaskName:    taskName,
		InputData:   input,
		CallbackURL: h.cbURL,
	})
	require.NoError(t, err)
}

func encodeMessage(t *testing.T, taskID, taskName string, input map[string]any) []byte {
	t.Helper()
	payload, err := dispatch.New(taskID, taskName, input).Encode()
	require.NoError(t, err)
	return []byte(payload)
}

func (h *harness) awaitCallback(t *testing.T) callback.Payload {
	t.Helper()
	select {
	case p := <-h.delivered:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not delivered")
		return callback.Payload{}
	}
}

func TestHandleExecutesAndDeliversCallback(t *testing.T) {
	h := newHarness(t, func(r *node.Registry) {
		r.Register(stubNode{Base: node.Base{TaskName: "ffmpeg.extract_audio", Required: []string{"ok"}}})
	})
	ctx := context.Background()

	h.seed(t, "t-run", "ffmpeg.extract_audio", map[string]any{"video_path": "/share/in.mp4"})
	h.worker.Handle(ctx, "ffmpeg.extract_audio", encodeMessage(t, "t-run", "ffmpeg.extract_audio", map[string]any{"video_path": "/share/in.mp4"}))

	wc, found, err := h.mgr.Load(ctx, "t-run")
	require.NoError(t, err)
	require.True(t, found)
	stage := wc.Stage("ffmpeg.extract_audio")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageSuccess, stage.Status)
	assert.Equal(t, true, stage.Output["ok"])

	p := h.awaitCallback(t)
	assert.Equal(t, "t-run", p.TaskID)
	assert.Equal(t, workflow.StatusCompleted, p.Status)

	// Heartbeat and cancel flag are gone after the execution winds down.
	_, found, err = h.kv.Get(ctx, kv.HeartbeatKey("t-run"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandleGPUNodeHoldsLockDuringExecution(t *testing.T) {
	var heldDuringRun bool
	var h *harness
	h = newHarness(t, func(r *node.Registry) {
		r.Register(stubNode{
			Base: node.Base{TaskName: "whisper.transcribe_audio", GPU: true},
			execute: func(ctx context.Context, _ *node.ExecContext) (map[string]any, error) {
				_, held, err := h.kv.Get(ctx, kv.LockKey)
				heldDuringRun = held && err == nil
				return map[string]any{"segments_file": "/tmp/seg.json"}, nil
			},
		})
	})
	ctx := context.Background()

	h.seed(t, "t-gpu", "whisper.transcribe_audio", map[string]any{})
	h.worker.Handle(ctx, "whisper.transcribe_audio", encodeMessage(t, "t-gpu", "whisper.transcribe_audio", map[string]any{}))

	assert.True(t, heldDuringRun)

	_, held, err := h.kv.Get(ctx, kv.LockKey)
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after execution")

	p := h.awaitCallback(t)
	assert.Equal(t, workflow.StatusCompleted, p.Status)
}

func TestHandleLockTimeoutRecordsResourceFailure(t *testing.T) {
	h := newHarness(t, func(r *node.Registry) {
		r.Register(stubNode{Base: node.Base{TaskName: "whisper.transcribe_audio", GPU: true}})
	})
	ctx := context.Background()

	// Another holder keeps the lock for the whole wait window.
	ok, err := h.kv.SetNX(ctx, kv.LockKey, "other.stage:t-other:1700000000", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h.seed(t, "t-starved", "whisper.transcribe_audio", map[string]any{})
	h.worker.Handle(ctx, "whisper.transcribe_audio", encodeMessage(t, "t-starved", "whisper.transcribe_audio", map[string]any{}))

	wc, found, err := h.mgr.Load(ctx, "t-starved")
	require.NoError(t, err)
	require.True(t, found)
	stage := wc.Stage("whisper.transcribe_audio")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageFailed, stage.Status)
	require.NotNil(t, stage.Error)
	assert.Contains(t, *stage.Error, "[resource]")

	p := h.awaitCallback(t)
	assert.Equal(t, workflow.StatusFailed, p.Status)

	// The foreign holder is untouched.
	holder, held, err := h.kv.Get(ctx, kv.LockKey)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "other.stage:t-other:1700000000", holder)
}

type deciderNode struct {
	stubNode
	gpuWith func(params map[string]any) bool
}

func (d deciderNode) GPUBoundWith(params map[string]any) bool { return d.gpuWith(params) }

func TestHandleSkipsLockWhenNodeDecidesAgainstGPU(t *testing.T) {
	h := newHarness(t, func(r *node.Registry) {
		r.Register(deciderNode{
			stubNode: stubNode{Base: node.Base{TaskName: "pyannote.diarize_speakers", GPU: true}},
			gpuWith: func(params map[string]any) bool {
				paid, _ := params["use_paid_api"].(bool)
				return !paid
			},
		})
	})
	ctx := context.Background()

	// The lock is held by someone else for the entire window. A remote run
	// must not wait for it.
	ok, err := h.kv.SetNX(ctx, kv.LockKey, "other.stage:t-other:1700000000", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	input := map[string]any{"use_paid_api": true}
	h.seed(t, "t-paid", "pyannote.diarize_speakers", input)
	h.worker.Handle(ctx, "pyannote.diarize_speakers", encodeMessage(t, "t-paid", "pyannote.diarize_speakers", input))

	wc, found, err := h.mgr.Load(ctx, "t-paid")
	require.NoError(t, err)
	require.True(t, found)
	stage := wc.Stage("pyannote.diarize_speakers")
	require.NotNil(t, stage)
	assert.Equal(t, workflow.StageSuccess, stage.Status)

	p := h.awaitCallback(t)
	assert.Equal(t, workflow.StatusCompleted, p.Status)

	holder, held, err := h.kv.Get(ctx, kv.LockKey)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "other.stage:t-other:1700000000", holder)
}

func TestHandleDropsUndecodablePayload(t *testing.T) {
	h := newHarness(t, func(r *node.Registry) {
		r.Register(stubNode{Base: node.Base{TaskName: "ffmpeg.extract_audio"}})
	})

	h.worker.Handle(context.Background(), "ffmpeg.extract_audio", []byte("{not json"))
	h.worker.Handle(context.Background(), "ffmpeg.extract_audio", []byte(`{"task_id":"t1","task_name":"no.such_node"}`))

	select {
	case <-h.delivered:
		t.Fatal("dropped messages must not trigger callbacks")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunConsumesFromQueue(t *testing.T) {
	h := newHarness(t, func(r *node.Registry) {
		r.Register(stubNode{Base: node.Base{TaskName: "ffmpeg.extract_audio"}})
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.seed(t, "t-queued", "ffmpeg.extract_audio", map[string]any{})
	require.NoError(t, h.kv.Enqueue(ctx, "ffmpeg.extract_audio", encodeMessage(t, "t-queued", "ffmpeg.extract_audio", map[string]any{})))

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	p := h.awaitCallback(t)
	assert.Equal(t, "t-queued", p.TaskID)
	assert.Equal(t, workflow.StatusCompleted, p.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
