// SPDX-License-Identifier: MIT

package gc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/objstore"
	"github.com/clipflow/clipflow/internal/workflow"
)

func newCollector(t *testing.T) (*Collector, *workflow.Manager, *objstore.MemStore, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	root := t.TempDir()
	mgr := workflow.NewManager(store, root, zerolog.Nop())
	objects := objstore.NewMem()
	c := New(config.GCConfig{
		Enabled:   true,
		Schedule:  "0 3 * * *",
		Retention: 7 * 24 * time.Hour,
	}, store, mgr, objects, zerolog.Nop())
	return c, mgr, objects, root
}

func TestRunOnceReapsStaleWorkflows(t *testing.T) {
	c, mgr, objects, root := newCollector(t)
	ctx := context.Background()

	_, err := mgr.CreateOrTouch(ctx, "t-stale", workflow.InputParams{TaskName: "ffmpeg.extract_audio"})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordStageTerminal(ctx, "t-stale", "ffmpeg.extract_audio", workflow.StageExecution{
		Status: workflow.StageSuccess,
		Output: map[string]any{"audio_path": "/x/audio.wav"},
	}))

	_, err = objects.Put(ctx, "t-stale/audio.wav", bytes.NewReader([]byte("pcm")), 3, "audio/wav")
	require.NoError(t, err)
	dir := filepath.Join(root, "workflows", "t-stale")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Everything is older than retention from the collector's point of view.
	c.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	reaped, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, found, err := mgr.Load(ctx, "t-stale")
	require.NoError(t, err)
	assert.False(t, found)

	_, ok := objects.Object("t-stale/audio.wav")
	assert.False(t, ok)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunOnceKeepsFreshAndRunningWorkflows(t *testing.T) {
	c, mgr, _, _ := newCollector(t)
	ctx := context.Background()

	_, err := mgr.CreateOrTouch(ctx, "t-fresh", workflow.InputParams{TaskName: "ffmpeg.extract_audio"})
	require.NoError(t, err)

	_, err = mgr.CreateOrTouch(ctx, "t-running", workflow.InputParams{TaskName: "whisper.transcribe_audio"})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordStageStart(ctx, "t-running", "whisper.transcribe_audio", map[string]any{}))

	// Fresh stays because of age; running stays regardless of age.
	reaped, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	c.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	reaped, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, found, err := mgr.Load(ctx, "t-running")
	require.NoError(t, err)
	assert.True(t, found)
}
