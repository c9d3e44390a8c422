// SPDX-License-Identifier: MIT

package gateway

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipflow/clipflow/internal/fsutil"
)

// maxUploadBytes bounds multipart uploads held by the gateway.
const maxUploadBytes = 4 << 30

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	key := r.FormValue("file_path")
	if key == "" {
		key = header.Filename
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.Contains(key, "..") {
		writeError(w, http.StatusBadRequest, "invalid file_path")
		return
	}

	info, err := s.store.Put(r.Context(), key, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file_path":   info.Key,
		"url":         info.URL,
		"size":        info.Size,
		"uploaded_at": time.Now().UTC(),
	})
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing file path")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := s.store.Get(r.Context(), key, w); err != nil {
		// Headers may already be out; best effort for the not-found case.
		writeStoreError(w, err)
		return
	}
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing file path")
		return
	}
	if err := s.store.Delete(r.Context(), key); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

// handleDeleteDirectory removes a directory on the shared filesystem. The
// path must stay under shared_storage_path; deleting a missing directory is
// idempotent and returns 200.
func (s *Server) handleDeleteDirectory(w http.ResponseWriter, r *http.Request) {
	dirParam := r.URL.Query().Get("directory_path")
	if dirParam == "" {
		writeError(w, http.StatusBadRequest, "directory_path is required")
		return
	}

	target, err := fsutil.Confine(s.cfg.SharedStoragePath, dirParam)
	if err != nil {
		if errors.Is(err, fsutil.ErrEscapesRoot) {
			writeError(w, http.StatusBadRequest, "directory_path escapes shared storage")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, statErr := os.Stat(target); os.IsNotExist(statErr) {
		writeJSON(w, http.StatusOK, map[string]any{"deleted": false, "reason": "not found"})
		return
	}
	if err := os.RemoveAll(target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "directory_path": dirParam})
}
