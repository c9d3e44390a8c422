// SPDX-License-Identifier: MIT

package gpulock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/kv"
)

func newTestLock(t *testing.T, cfg config.GPULockConfig) (*Lock, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewWithClient(client, zerolog.Nop())
	return New(store, cfg, zerolog.Nop()), store
}

func fastCfg() config.GPULockConfig {
	return config.GPULockConfig{
		PollInterval:       5 * time.Millisecond,
		MaxPollInterval:    20 * time.Millisecond,
		MaxWaitTime:        200 * time.Millisecond,
		LockTimeout:        time.Minute,
		ExponentialBackoff: true,
	}
}

func TestAcquireRelease(t *testing.T) {
	l, store := newTestLock(t, fastCfg())
	ctx := context.Background()

	h, err := l.Acquire(ctx, "faster_whisper.transcribe_audio", "t1")
	require.NoError(t, err)

	val, held, err := store.Get(ctx, Key)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, h.Token, val)

	stage, task, ts, err := ParseToken(val)
	require.NoError(t, err)
	assert.Equal(t, "faster_whisper.transcribe_audio", stage)
	assert.Equal(t, "t1", task)
	assert.Equal(t, h.AcquireTS, ts)

	require.NoError(t, h.Release(ctx))
	_, held, err = store.Get(ctx, Key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireContentionTimesOut(t *testing.T) {
	l, _ := newTestLock(t, fastCfg())
	ctx := context.Background()

	h, err := l.Acquire(ctx, "indextts.generate_speech", "t1")
	require.NoError(t, err)
	defer func() { _ = h.Release(ctx) }()

	_, err = l.Acquire(ctx, "indextts.generate_speech", "t2")
	require.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestAcquireZeroWaitSingleAttempt(t *testing.T) {
	cfg := fastCfg()
	cfg.MaxWaitTime = 0
	l, _ := newTestLock(t, cfg)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "a.b", "t1")
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "a.b", "t2")
	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "no polling when max wait is zero")

	require.NoError(t, h.Release(ctx))
}

func TestReleaseIsNoOpForSuccessor(t *testing.T) {
	l, store := newTestLock(t, fastCfg())
	ctx := context.Background()

	h, err := l.Acquire(ctx, "a.b", "t1")
	require.NoError(t, err)

	// Simulate TTL expiry plus a successor taking over.
	require.NoError(t, store.Delete(ctx, Key))
	_, err = store.SetNX(ctx, Key, Token("a.b", "t2", time.Now().Unix()), time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx))
	val, held, err := store.Get(ctx, Key)
	require.NoError(t, err)
	require.True(t, held, "successor's lock survives the stale release")
	assert.Contains(t, val, ":t2:")
}

func TestForceReleaseTokenChecked(t *testing.T) {
	l, _ := newTestLock(t, fastCfg())
	ctx := context.Background()

	h, err := l.Acquire(ctx, "a.b", "t1")
	require.NoError(t, err)

	ok, err := l.ForceRelease(ctx, "a.b:other:123")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.ForceRelease(ctx, h.Token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseTokenTaskIDWithColon(t *testing.T) {
	stage, task, ts, err := ParseToken("ffmpeg.extract_audio:job:42:1700000000")
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg.extract_audio", stage)
	assert.Equal(t, "job:42", task)
	assert.EqualValues(t, 1700000000, ts)

	_, _, _, err = ParseToken("garbage")
	assert.Error(t, err)
}
