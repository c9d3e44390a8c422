// SPDX-License-Identifier: MIT

// Package objstore persists worker-produced files to an S3-compatible bucket
// and resolves remote inputs back to local files under the shared storage.
package objstore

import (
	"context"
	"errors"
	"io"

	"github.com/clipflow/clipflow/internal/archive"
)

// ErrUnavailable wraps backend connection failures.
var ErrUnavailable = errors.New("object store unavailable")

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	URL  string
	Size int64
}

// Store is the object-store contract consumed by the state manager, the node
// framework and the file operations endpoints.
type Store interface {
	// UploadFile stores a local file at <task_id>/<basename> and returns its info.
	UploadFile(ctx context.Context, taskID, localPath string) (ObjectInfo, error)

	// UploadDir compresses a local directory into a single archive object at
	// <task_id>/<dirname>_compressed.zip. Directories are never uploaded
	// file-by-file.
	UploadDir(ctx context.Context, taskID, dirPath string) (ObjectInfo, archive.Info, error)

	// Put stores arbitrary content at an explicit object key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)

	// Get streams an object to w.
	Get(ctx context.Context, key string, w io.Writer) (int64, error)

	// Delete removes a single object.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix (GC of a task).
	DeletePrefix(ctx context.Context, prefix string) error

	// URLFor returns the canonical download URL for an object key.
	URLFor(key string) string

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
