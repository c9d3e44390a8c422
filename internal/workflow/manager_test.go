// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/objstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewWithClient(client, zerolog.Nop())
	return NewManager(store, "/share", zerolog.Nop())
}

func sampleInput() InputParams {
	return InputParams{
		TaskName:    "ffmpeg.extract_audio",
		InputData:   map[string]any{"video_path": "/share/in/a.mp4"},
		CallbackURL: "http://cb/e1",
	}
}

func TestCreateOrTouch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	wc, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "t1", wc.WorkflowID)
	assert.Equal(t, "/share/workflows/t1", wc.SharedStoragePath)
	assert.Equal(t, StatusPending, wc.Status)
	assert.False(t, wc.CreateAt.IsZero())

	// Existing stages are untouched, callback from the new request wins.
	require.NoError(t, m.RecordStageStart(ctx, "t1", "ffmpeg.extract_audio", map[string]any{"video_path": "/a.mp4"}))

	in2 := sampleInput()
	in2.CallbackURL = "http://cb/e2"
	wc, err = m.CreateOrTouch(ctx, "t1", in2)
	require.NoError(t, err)
	assert.Equal(t, "http://cb/e2", wc.InputParams.CallbackURL)
	assert.Equal(t, StageRunning, wc.Stages["ffmpeg.extract_audio"].Status)
	assert.Equal(t, wc.CreateAt, wc.CreateAt, "create_at is immutable")
}

func TestStageLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)

	require.NoError(t, m.RecordStagePending(ctx, "t1", "ffmpeg.extract_audio"))
	wc, found, err := m.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StagePending, wc.Stages["ffmpeg.extract_audio"].Status)
	assert.Equal(t, StatusPending, wc.Status)

	require.NoError(t, m.RecordStageStart(ctx, "t1", "ffmpeg.extract_audio", map[string]any{
		"video_path": "/a.mp4",
		"hf_token":   "hunter2",
	}))
	wc, _, err = m.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, wc.Status)
	assert.Equal(t, "***", wc.Stages["ffmpeg.extract_audio"].InputParams["hf_token"], "secrets are redacted")

	require.NoError(t, m.RecordStageTerminal(ctx, "t1", "ffmpeg.extract_audio", StageExecution{
		Status:   StageSuccess,
		Output:   map[string]any{"audio_path": "/share/workflows/t1/a.wav"},
		Duration: 2.5,
	}))
	wc, _, err = m.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wc.Status)
	assert.Nil(t, wc.Stages["ffmpeg.extract_audio"].Error)
	assert.Equal(t, 2.5, wc.Stages["ffmpeg.extract_audio"].Duration)
}

func TestFailedStageOverwrittenOnRerun(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)

	require.NoError(t, m.RecordStageTerminal(ctx, "t1", "ffmpeg.extract_audio", StageExecution{
		Status: StageFailed,
		Output: map[string]any{},
		Error:  FailureText("boom"),
	}))
	wc, _, _ := m.Load(ctx, "t1")
	assert.Equal(t, StatusFailed, wc.Status)

	require.NoError(t, m.RecordStageTerminal(ctx, "t1", "ffmpeg.extract_audio", StageExecution{
		Status: StageSuccess,
		Output: map[string]any{"audio_path": "/a.wav"},
	}))
	wc, _, _ = m.Load(ctx, "t1")
	assert.Equal(t, StatusCompleted, wc.Status)
	assert.Nil(t, wc.Stages["ffmpeg.extract_audio"].Error)
}

func TestConcurrentWritesSerialized(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			stage := StageExecution{Status: StageSuccess, Output: map[string]any{"n": n}}
			_ = m.RecordStageTerminal(ctx, "t1", "ffmpeg.extract_audio", stage)
		}(i)
	}
	wg.Wait()

	wc, found, err := m.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	// One of the writes won wholesale; the document is never a blend.
	assert.Equal(t, StageSuccess, wc.Stages["ffmpeg.extract_audio"].Status)
	assert.Len(t, wc.Stages["ffmpeg.extract_audio"].Output, 1)
}

func TestSideEffectUploadsFileAndDir(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManager(kv.NewWithClient(client, zerolog.Nop()), t.TempDir(), zerolog.Nop())
	mem := objstore.NewMem()
	sm := m.WithSideEffects(mem, true)
	ctx := context.Background()

	_, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)

	dir := t.TempDir()
	audio := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(audio, []byte("pcm"), 0o644))
	frames := filepath.Join(dir, "keyframes")
	require.NoError(t, os.MkdirAll(frames, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(frames, "f1.jpg"), []byte("jpg"), 0o644))

	require.NoError(t, sm.RecordStageTerminal(ctx, "t1", "ffmpeg.extract_keyframes", StageExecution{
		Status: StageSuccess,
		Output: map[string]any{
			"audio_path":   audio,
			"keyframe_dir": frames,
		},
	}, nil))

	wc, _, err := m.Load(ctx, "t1")
	require.NoError(t, err)
	out := wc.Stages["ffmpeg.extract_keyframes"].Output

	assert.Equal(t, audio, out["audio_path"], "local path preserved")
	assert.Equal(t, mem.URLFor("t1/a.wav"), out["audio_path_minio_url"])
	assert.EqualValues(t, 3, out["audio_path_minio_size"], "uploaded byte count recorded")

	assert.Equal(t, mem.URLFor("t1/keyframes_compressed.zip"), out["keyframe_dir_minio_url"])
	zipSize, ok := out["keyframe_dir_minio_size"].(float64)
	require.True(t, ok)
	assert.Greater(t, zipSize, 0.0, "archive size recorded")
	cinfo, ok := out["keyframe_dir_compression_info"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, cinfo["files_count"])
	assert.Equal(t, "zip", cinfo["format"])

	_, stored := mem.Object("t1/keyframes_compressed.zip")
	assert.True(t, stored)
}

func TestSideEffectCustomPathFieldsAndArrays(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManager(kv.NewWithClient(client, zerolog.Nop()), t.TempDir(), zerolog.Nop())
	mem := objstore.NewMem()
	sm := m.WithSideEffects(mem, true)
	ctx := context.Background()

	_, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)

	dir := t.TempDir()
	vocal := filepath.Join(dir, "vocal.wav")
	inst := filepath.Join(dir, "inst.wav")
	require.NoError(t, os.WriteFile(vocal, []byte("v"), 0o644))
	require.NoError(t, os.WriteFile(inst, []byte("i"), 0o644))

	require.NoError(t, sm.RecordStageTerminal(ctx, "t1", "audio_separator.separate_vocals", StageExecution{
		Status: StageSuccess,
		Output: map[string]any{
			"vocal_audio":     vocal,
			"all_audio_files": []string{vocal, inst},
		},
	}, []string{"vocal_audio", "all_audio_files"}))

	wc, _, err := m.Load(ctx, "t1")
	require.NoError(t, err)
	out := wc.Stages["audio_separator.separate_vocals"].Output

	assert.Equal(t, mem.URLFor("t1/vocal.wav"), out["vocal_audio_minio_url"])
	urls, ok := StringSlice(out["all_audio_files_minio_urls"])
	require.True(t, ok)
	assert.Len(t, urls, 2, "array cardinality matches")

	sizes, ok := int64Slice(out["all_audio_files_minio_sizes"])
	require.True(t, ok)
	assert.Equal(t, []int64{1, 1}, sizes)
}

func TestDeleteEvictsTaskLock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		_, err := m.CreateOrTouch(ctx, id, sampleInput())
		require.NoError(t, err)
		require.NoError(t, m.Delete(ctx, id))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks, "per-task locks released with the document")
}

func TestSideEffectDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManager(kv.NewWithClient(client, zerolog.Nop()), t.TempDir(), zerolog.Nop())
	mem := objstore.NewMem()
	sm := m.WithSideEffects(mem, false)
	ctx := context.Background()

	_, err := m.CreateOrTouch(ctx, "t1", sampleInput())
	require.NoError(t, err)

	audio := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, os.WriteFile(audio, []byte("pcm"), 0o644))

	require.NoError(t, sm.RecordStageTerminal(ctx, "t1", "ffmpeg.extract_audio", StageExecution{
		Status: StageSuccess,
		Output: map[string]any{"audio_path": audio},
	}, nil))

	wc, _, _ := m.Load(ctx, "t1")
	out := wc.Stages["ffmpeg.extract_audio"].Output
	assert.NotContains(t, out, "audio_path_minio_url")
	assert.Empty(t, mem.Keys())
}
