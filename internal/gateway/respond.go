// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/objstore"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeStoreError maps backend failures: unavailable stores are 503,
// anything else is 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, objstore.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	case errors.Is(err, objstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "object not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
