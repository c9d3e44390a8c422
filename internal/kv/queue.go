// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enqueue pushes one unit of work onto the topic's list. Durable: the entry
// survives process restarts until a consumer pops it.
func (s *Store) Enqueue(ctx context.Context, taskName string, payload []byte) error {
	if err := s.client.LPush(ctx, QueueKey(taskName), payload).Err(); err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", ErrUnavailable, taskName, err)
	}
	return nil
}

// Dequeue blocks up to timeout for work on any of the given topics. Returns
// the topic name and payload, or ("", nil, nil) when the wait timed out.
func (s *Store) Dequeue(ctx context.Context, taskNames []string, timeout time.Duration) (string, []byte, error) {
	keys := make([]string, len(taskNames))
	for i, n := range taskNames {
		keys[i] = QueueKey(n)
	}
	res, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: dequeue: %v", ErrUnavailable, err)
	}
	// BRPOP returns [key, value].
	topic := res[0][len(queuePrefix):]
	return topic, []byte(res[1]), nil
}

// QueueDepth returns the number of pending entries for one topic.
func (s *Store) QueueDepth(ctx context.Context, taskName string) (int64, error) {
	n, err := s.client.LLen(ctx, QueueKey(taskName)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", ErrUnavailable, taskName, err)
	}
	return n, nil
}
