// SPDX-License-Identifier: MIT

package gpulock

import (
	"context"
	"time"

	"github.com/clipflow/clipflow/internal/kv"
)

const cancelKeyPrefix = "task_cancel:"

// cancelPoll is how often a watched execution checks for a cancel request.
const cancelPoll = 2 * time.Second

func cancelKey(taskID string) string { return cancelKeyPrefix + taskID }

// RequestCancel asks the holder of taskID to stop cooperatively. The flag
// expires on its own so a stale request cannot kill a later re-dispatch.
func RequestCancel(ctx context.Context, store *kv.Store, taskID, reason string, ttl time.Duration) error {
	_, err := store.SetNX(ctx, cancelKey(taskID), reason, ttl)
	return err
}

// CancelRequested reports whether a cancel flag is set for taskID.
func CancelRequested(ctx context.Context, store *kv.Store, taskID string) (string, bool, error) {
	return store.Get(ctx, cancelKey(taskID))
}

// ClearCancel removes the flag once the execution has wound down.
func ClearCancel(ctx context.Context, store *kv.Store, taskID string) error {
	return store.Delete(ctx, cancelKey(taskID))
}

// WatchCancel derives a context that is cancelled when a cancel flag appears
// for taskID. The returned stop func must be called to release the poller.
func WatchCancel(parent context.Context, store *kv.Store, taskID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, set, err := CancelRequested(ctx, store, taskID); err == nil && set {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}
