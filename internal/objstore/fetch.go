// SPDX-License-Identifier: MIT

package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clipflow/clipflow/internal/fsutil"
)

// Fetcher resolves remote input values (HTTP or object-store URLs) to local
// files under the task's shared storage directory. Downloads are idempotent
// per task: the target name is derived from the URL, and an existing file is
// reused. Concurrent requests for the same URL collapse via singleflight.
type Fetcher struct {
	store       Store
	storageRoot string
	httpClient  *http.Client
	group       singleflight.Group
}

// NewFetcher builds a Fetcher writing under storageRoot/workflows/<task_id>/downloads.
func NewFetcher(store Store, storageRoot string) *Fetcher {
	return &Fetcher{
		store:       store,
		storageRoot: storageRoot,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// IsRemote reports whether value looks like a URL the fetcher can resolve.
func IsRemote(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

// IsRemote lets the Fetcher satisfy interfaces that pair the check with Fetch.
func (f *Fetcher) IsRemote(value string) bool { return IsRemote(value) }

// Fetch downloads rawURL into the task directory and returns the local path.
func (f *Fetcher) Fetch(ctx context.Context, taskID, rawURL string) (string, error) {
	taskDir, err := fsutil.TaskDir(f.storageRoot, taskID)
	if err != nil {
		return "", err
	}
	downloadDir := filepath.Join(taskDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	target := filepath.Join(downloadDir, cacheName(rawURL))
	if _, err := os.Stat(target); err == nil {
		return target, nil // already downloaded for this task
	}

	_, err, _ = f.group.Do(taskID+"|"+rawURL, func() (any, error) {
		return nil, f.download(ctx, rawURL, target)
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// download writes to a temp file first so a partial download never poses as a
// completed one.
func (f *Fetcher) download(ctx context.Context, rawURL, target string) error {
	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	var copyErr error
	if key, ok := f.objectKeyFor(rawURL); ok {
		_, copyErr = f.store.Get(ctx, key, out)
	} else {
		copyErr = f.httpGet(ctx, rawURL, out)
	}
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(tmp)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, target)
}

func (f *Fetcher) httpGet(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return nil
}

// objectKeyFor recognizes URLs produced by this store's URLFor and serves them
// directly from the bucket instead of over HTTP.
func (f *Fetcher) objectKeyFor(rawURL string) (string, bool) {
	base := f.store.URLFor("")
	if base != "" && strings.HasPrefix(rawURL, base) {
		return strings.TrimPrefix(rawURL, base), true
	}
	return "", false
}

// cacheName derives a stable local filename from the URL: md5 prefix plus the
// original basename so files stay recognizable.
func cacheName(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	name := "download"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "/" && b != "." {
			name = b
		}
	}
	return hex.EncodeToString(sum[:8]) + "_" + name
}
