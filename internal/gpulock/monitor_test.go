// SPDX-License-Identifier: MIT

package gpulock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/workflow"
)

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) NotifyTerminal(context.Context, string) { c.n.Add(1) }

func monitorCfg() config.MonitorConfig {
	return config.MonitorConfig{
		Enabled:           true,
		AutoRecovery:      true,
		MonitorInterval:   time.Second,
		Warning:           time.Minute,
		SoftTimeout:       2 * time.Minute,
		HardTimeout:       10 * time.Minute,
		GracePeriod:       30 * time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Minute,
		CleanupMaxRetry:   1,
		CleanupRetryDelay: time.Millisecond,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *Lock, *kv.Store, *workflow.Manager, *countingNotifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewWithClient(client, zerolog.Nop())
	mgr := workflow.NewManager(store, "/share", zerolog.Nop())
	lock := New(store, fastCfg(), zerolog.Nop())
	notifier := &countingNotifier{}
	mon := NewMonitor(store, lock, mgr, notifier, monitorCfg(), zerolog.Nop())
	return mon, lock, store, mgr, notifier
}

func seedTask(t *testing.T, mgr *workflow.Manager, taskID, stage string) {
	t.Helper()
	_, err := mgr.CreateOrTouch(context.Background(), taskID, workflow.InputParams{
		TaskName:  stage,
		InputData: map[string]any{"video_path": "/in.mp4"},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordStageStart(context.Background(), taskID, stage, map[string]any{}))
}

func TestMonitorHardTimeoutForcesFailure(t *testing.T) {
	mon, _, store, mgr, notifier := newTestMonitor(t)
	ctx := context.Background()
	seedTask(t, mgr, "t1", "indextts.generate_speech")

	stale := time.Now().Add(-11 * time.Minute).Unix()
	token := Token("indextts.generate_speech", "t1", stale)
	_, err := store.SetNX(ctx, Key, token, time.Hour)
	require.NoError(t, err)

	mon.RunOnce(ctx)

	_, held, err := store.Get(ctx, Key)
	require.NoError(t, err)
	assert.False(t, held, "lock force-released")

	wc, found, err := mgr.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	st := wc.Stages["indextts.generate_speech"]
	assert.Equal(t, workflow.StageFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Contains(t, *st.Error, "hard timeout")
	assert.Equal(t, workflow.StatusFailed, wc.Status)

	assert.EqualValues(t, 1, notifier.n.Load())

	counters, err := store.Counters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters["hard_recoveries"])
	assert.EqualValues(t, 1, counters["forced_releases"])
}

func TestMonitorSoftTimeoutCancelsThenRecovers(t *testing.T) {
	mon, _, store, mgr, notifier := newTestMonitor(t)
	ctx := context.Background()
	seedTask(t, mgr, "t1", "faster_whisper.transcribe_audio")

	stale := time.Now().Add(-3 * time.Minute).Unix()
	token := Token("faster_whisper.transcribe_audio", "t1", stale)
	_, err := store.SetNX(ctx, Key, token, time.Hour)
	require.NoError(t, err)

	mon.RunOnce(ctx)

	_, cancelled, err := CancelRequested(ctx, store, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled, "cooperative cancel requested first")
	_, held, _ := store.Get(ctx, Key)
	assert.True(t, held, "lock untouched during grace window")
	assert.EqualValues(t, 0, notifier.n.Load())

	// Grace window elapses without the holder giving up.
	mon.now = func() time.Time { return time.Now().Add(time.Minute) }
	mon.RunOnce(ctx)

	_, held, _ = store.Get(ctx, Key)
	assert.False(t, held)
	wc, _, err := mgr.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageFailed, wc.Stages["faster_whisper.transcribe_audio"].Status)
	assert.EqualValues(t, 1, notifier.n.Load())

	counters, err := store.Counters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters["soft_recoveries"])
}

func TestMonitorRecoveryOnlyActsOnObservedToken(t *testing.T) {
	mon, lock, store, mgr, _ := newTestMonitor(t)
	ctx := context.Background()
	seedTask(t, mgr, "t2", "indextts.generate_speech")

	stale := time.Now().Add(-11 * time.Minute).Unix()
	staleToken := Token("indextts.generate_speech", "t1", stale)

	// By the time recovery runs the holder is a fresh task. The forced
	// release must not touch it.
	fresh, err := lock.Acquire(ctx, "indextts.generate_speech", "t2")
	require.NoError(t, err)
	mon.recover(ctx, "hard", staleToken, "indextts.generate_speech", "t1", 11*time.Minute)

	val, held, err := store.Get(ctx, Key)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, fresh.Token, val)
}

func TestMonitorAutoRecoveryDisabled(t *testing.T) {
	mon, _, store, mgr, notifier := newTestMonitor(t)
	mon.cfg.AutoRecovery = false
	ctx := context.Background()
	seedTask(t, mgr, "t1", "a.b")

	stale := time.Now().Add(-11 * time.Minute).Unix()
	_, err := store.SetNX(ctx, Key, Token("a.b", "t1", stale), time.Hour)
	require.NoError(t, err)

	mon.RunOnce(ctx)

	_, held, _ := store.Get(ctx, Key)
	assert.True(t, held, "observe-only mode never releases")
	assert.EqualValues(t, 0, notifier.n.Load())
}

func TestHeartbeatLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewWithClient(client, zerolog.Nop())
	ctx := context.Background()

	b := NewBeater(store, "t1", "faster_whisper.transcribe_audio", 10*time.Millisecond, time.Minute, zerolog.Nop())
	b.Start(ctx)
	b.Update(ctx, "running", 0.5, "transcribing")

	beats, err := AllHeartbeats(ctx, store)
	require.NoError(t, err)
	require.Contains(t, beats, "t1")
	assert.Equal(t, 0.5, beats["t1"].Progress)
	assert.Equal(t, "faster_whisper.transcribe_audio", beats["t1"].Stage)
	assert.False(t, beats["t1"].StartTime.IsZero())

	// The key outlives the staleness bound, so the monitor sees a zombie
	// record before Redis expires it.
	ttl, err := store.TTL(ctx, kv.HeartbeatKey("t1"))
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	b.Stop(ctx)
	beats, err = AllHeartbeats(ctx, store)
	require.NoError(t, err)
	assert.NotContains(t, beats, "t1")
}

func TestMonitorReapsStaleHeartbeat(t *testing.T) {
	mon, _, store, mgr, notifier := newTestMonitor(t)
	ctx := context.Background()
	seedTask(t, mgr, "t1", "wservice.generate_subtitle_files")

	hb := Heartbeat{
		Stage:      "wservice.generate_subtitle_files",
		Status:     "running",
		LastUpdate: time.Now().Add(-10 * time.Minute),
		StartTime:  time.Now().Add(-11 * time.Minute),
	}
	require.NoError(t, store.SetJSON(ctx, kv.HeartbeatKey("t1"), hb, time.Hour))

	mon.RunOnce(ctx)

	wc, found, err := mgr.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	st := wc.Stages["wservice.generate_subtitle_files"]
	assert.Equal(t, workflow.StageFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Contains(t, *st.Error, "heartbeat stale")
	assert.Equal(t, workflow.StatusFailed, wc.Status)

	_, held, err := store.Get(ctx, kv.HeartbeatKey("t1"))
	require.NoError(t, err)
	assert.False(t, held, "heartbeat record removed")

	assert.EqualValues(t, 1, notifier.n.Load())

	counters, err := store.Counters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters["zombie_recoveries"])
}

func TestMonitorLeavesLockHolderHeartbeatToLevels(t *testing.T) {
	mon, lock, store, mgr, notifier := newTestMonitor(t)
	ctx := context.Background()
	seedTask(t, mgr, "t1", "indextts.generate_speech")

	// Fresh lock: the leveled timeouts own this execution, even if its beat
	// looks stale.
	_, err := lock.Acquire(ctx, "indextts.generate_speech", "t1")
	require.NoError(t, err)
	hb := Heartbeat{
		Stage:      "indextts.generate_speech",
		Status:     "running",
		LastUpdate: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, store.SetJSON(ctx, kv.HeartbeatKey("t1"), hb, time.Hour))

	mon.RunOnce(ctx)

	wc, _, err := mgr.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageRunning, wc.Stages["indextts.generate_speech"].Status)
	assert.EqualValues(t, 0, notifier.n.Load())
}

func TestMonitorAndBeaterStopWithoutLeaks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewWithClient(client, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	mgr := workflow.NewManager(store, "/share", zerolog.Nop())
	lock := New(store, fastCfg(), zerolog.Nop())
	mon := NewMonitor(store, lock, mgr, nil, monitorCfg(), zerolog.Nop())
	b := NewBeater(store, "t1", "a.b", 5*time.Millisecond, time.Minute, zerolog.Nop())

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mon.Start()
	b.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	b.Stop(ctx)
	mon.Stop()
}

func TestWatchCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewWithClient(client, zerolog.Nop())
	ctx := context.Background()

	watched, stop := WatchCancel(ctx, store, "t1")
	defer stop()

	require.NoError(t, RequestCancel(ctx, store, "t1", "soft timeout", time.Minute))

	select {
	case <-watched.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watched context not cancelled")
	}
}
