// SPDX-License-Identifier: MIT

package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/clipflow/clipflow/internal/archive"
)

// MemStore is an in-memory Store used by unit tests across packages.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string
}

// NewMem returns an empty in-memory store with a stable fake base URL.
func NewMem() *MemStore {
	return &MemStore{
		objects: make(map[string][]byte),
		baseURL: "http://minio.test/clipflow",
	}
}

func (s *MemStore) URLFor(key string) string { return s.baseURL + "/" + key }

// KeyForURL inverts URLFor; tests use it to look objects up by URL.
func (s *MemStore) KeyForURL(url string) (string, bool) {
	if !strings.HasPrefix(url, s.baseURL+"/") {
		return "", false
	}
	return strings.TrimPrefix(url, s.baseURL+"/"), true
}

// Object returns the stored bytes for a key.
func (s *MemStore) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[key]
	return b, ok
}

// Keys lists all stored keys.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemStore) UploadFile(_ context.Context, taskID, localPath string) (ObjectInfo, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	key := taskID + "/" + baseName(localPath)
	s.put(key, data)
	return ObjectInfo{Key: key, URL: s.URLFor(key), Size: int64(len(data))}, nil
}

func (s *MemStore) UploadDir(_ context.Context, taskID, dirPath string) (ObjectInfo, archive.Info, error) {
	tmp, err := os.CreateTemp("", "memstore-*.zip")
	if err != nil {
		return ObjectInfo{}, archive.Info{}, err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	info, err := archive.CompressDir(dirPath, tmpPath)
	if err != nil {
		return ObjectInfo{}, archive.Info{}, err
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return ObjectInfo{}, archive.Info{}, err
	}
	key := taskID + "/" + archive.ArchiveName(dirPath)
	s.put(key, data)
	return ObjectInfo{Key: key, URL: s.URLFor(key), Size: int64(len(data))}, info, nil
}

func (s *MemStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, err
	}
	s.put(key, data)
	return ObjectInfo{Key: key, URL: s.URLFor(key), Size: int64(len(data))}, nil
}

func (s *MemStore) Get(_ context.Context, key string, w io.Writer) (int64, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	n, err := io.Copy(w, bytes.NewReader(data))
	return n, err
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
		}
	}
	return nil
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func baseName(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}
