// SPDX-License-Identifier: MIT

package workflow

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// MinioFile is one remote file descriptor derived from stage outputs for
// status responses and callbacks.
type MinioFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// MinioFiles extracts every *_minio_url / *_minio_urls value across all
// stages, with sizes from the sibling *_minio_size(s) fields when the
// uploader recorded them. Order is stable: sorted by URL.
func MinioFiles(wc *Context) []MinioFile {
	if wc == nil {
		return nil
	}
	sizes := sizeByURL(wc)
	seen := make(map[string]struct{})
	var files []MinioFile

	add := func(u string) {
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		files = append(files, MinioFile{
			Name: fileName(u),
			URL:  u,
			Type: fileType(u),
			Size: sizes[u],
		})
	}

	for _, stage := range wc.Stages {
		for field, v := range stage.Output {
			switch {
			case strings.HasSuffix(field, MinioURLsSuffix):
				if list, ok := StringSlice(v); ok {
					for _, u := range list {
						add(u)
					}
				}
			case strings.HasSuffix(field, MinioURLSuffix):
				if u, ok := v.(string); ok {
					add(u)
				}
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].URL < files[j].URL })
	return files
}

// sizeByURL pairs each uploaded URL with the object size recorded next to it.
func sizeByURL(wc *Context) map[string]int64 {
	out := make(map[string]int64)
	for _, stage := range wc.Stages {
		for field, v := range stage.Output {
			switch {
			case strings.HasSuffix(field, MinioURLsSuffix):
				list, ok := StringSlice(v)
				if !ok {
					continue
				}
				base := strings.TrimSuffix(field, MinioURLsSuffix)
				sizes, ok := int64Slice(stage.Output[base+MinioSizesSuffix])
				if !ok {
					continue
				}
				for i, u := range list {
					if i < len(sizes) {
						out[u] = sizes[i]
					}
				}
			case strings.HasSuffix(field, MinioURLSuffix):
				u, ok := v.(string)
				if !ok {
					continue
				}
				base := strings.TrimSuffix(field, MinioURLSuffix)
				if n, ok := asInt64(stage.Output[base+MinioSizeSuffix]); ok {
					out[u] = n
				}
			}
		}
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func int64Slice(v any) ([]int64, bool) {
	switch vv := v.(type) {
	case []int64:
		return vv, true
	case []any:
		out := make([]int64, 0, len(vv))
		for _, e := range vv {
			n, ok := asInt64(e)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	}
	return nil, false
}

func fileName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}

func fileType(rawURL string) string {
	switch strings.ToLower(path.Ext(fileName(rawURL))) {
	case ".wav", ".mp3", ".flac", ".m4a":
		return "audio"
	case ".mp4", ".mkv", ".avi", ".mov":
		return "video"
	case ".jpg", ".jpeg", ".png", ".webp":
		return "image"
	case ".srt", ".vtt", ".ass":
		return "subtitle"
	case ".json":
		return "json"
	case ".zip":
		return "archive"
	default:
		return "file"
	}
}
