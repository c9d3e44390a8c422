// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"fmt"
	"strconv"
)

// IncrCounter bumps one field of the monitor stats hash.
func (s *Store) IncrCounter(ctx context.Context, field string) error {
	if err := s.client.HIncrBy(ctx, StatsKey, field, 1).Err(); err != nil {
		return fmt.Errorf("%w: incr %s: %v", ErrUnavailable, field, err)
	}
	return nil
}

// Counters returns the full monitor stats hash.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, StatsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: counters: %v", ErrUnavailable, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}
