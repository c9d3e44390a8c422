// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewWithClient(client, zerolog.Nop())
}

func TestJSONRoundTrip(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	type doc struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	require.NoError(t, s.SetJSON(ctx, WorkflowKey("t1"), doc{ID: "t1", Status: "pending"}, 0))

	var got doc
	found, err := s.GetJSON(ctx, WorkflowKey("t1"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{ID: "t1", Status: "pending"}, got)

	found, err = s.GetJSON(ctx, WorkflowKey("absent"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompareAndDelete(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, LockKey, "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong token must be a no-op.
	deleted, err := s.CompareAndDelete(ctx, LockKey, "holder-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	v, found, err := s.Get(ctx, LockKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "holder-a", v)

	deleted, err = s.CompareAndDelete(ctx, LockKey, "holder-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err = s.Get(ctx, LockKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompareAndExpire(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetNX(ctx, LockKey, "holder-a", time.Second)
	require.NoError(t, err)

	ok, err := s.CompareAndExpire(ctx, LockKey, "holder-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := s.TTL(ctx, LockKey)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	ok, err = s.CompareAndExpire(ctx, LockKey, "holder-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	_ = mr
}

func TestQueueFIFOAcrossTopics(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "ffmpeg.extract_audio", []byte("a")))
	require.NoError(t, s.Enqueue(ctx, "ffmpeg.extract_audio", []byte("b")))

	depth, err := s.QueueDepth(ctx, "ffmpeg.extract_audio")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	topic, payload, err := s.Dequeue(ctx, []string{"ffmpeg.extract_audio", "indextts.generate_speech"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg.extract_audio", topic)
	assert.Equal(t, []byte("a"), payload)

	topic, payload, err = s.Dequeue(ctx, []string{"ffmpeg.extract_audio"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg.extract_audio", topic)
	assert.Equal(t, []byte("b"), payload)
}

func TestCounters(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrCounter(ctx, "acquire_attempts"))
	require.NoError(t, s.IncrCounter(ctx, "acquire_attempts"))
	require.NoError(t, s.IncrCounter(ctx, "timeouts"))

	stats, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["acquire_attempts"])
	assert.Equal(t, int64(1), stats["timeouts"])
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "workflow:t1", WorkflowKey("t1"))
	assert.Equal(t, "task_heartbeat:t1", HeartbeatKey("t1"))
	assert.Equal(t, "queue:ffmpeg.extract_audio", QueueKey("ffmpeg.extract_audio"))
}
