// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete deletes the key only while it still holds the expected
// value. This closes the GET-then-DEL race: a holder whose TTL expired cannot
// delete a successor's lock.
var compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`)

// compareAndExpire refreshes the TTL only while the key still holds the
// expected value, so a stale holder cannot extend a successor's lease.
var compareAndExpire = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end`)

// CompareAndDelete atomically deletes key iff its value equals expected.
// Returns whether the delete happened.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("%w: compare-and-delete %s: %v", ErrUnavailable, key, err)
	}
	return n == 1, nil
}

// CompareAndExpire atomically refreshes the TTL of key iff its value equals
// expected. Returns whether the refresh happened.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: compare-and-expire %s: %v", ErrUnavailable, key, err)
	}
	return n == 1, nil
}
