// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"fmt"
	"os"

	"github.com/clipflow/clipflow/internal/objstore"
)

// SideEffectManager is the worker-side state manager handle: terminal SUCCESS
// writes upload produced path fields to the object store first. Keeping this
// on a separate type makes "the gateway never uploads" a compile-time rule.
type SideEffectManager struct {
	*Manager
	store      objstore.Store
	autoUpload bool
}

// WithSideEffects derives the uploading handle from the silent manager.
func (m *Manager) WithSideEffects(store objstore.Store, autoUpload bool) *SideEffectManager {
	return &SideEffectManager{Manager: m, store: store, autoUpload: autoUpload}
}

// RecordStageTerminal uploads side effects for a SUCCESS stage, then persists
// the terminal record. customPathFields carries the node's declared
// non-standard path fields.
func (s *SideEffectManager) RecordStageTerminal(ctx context.Context, taskID, stageName string, stage StageExecution, customPathFields []string) error {
	if stage.Status == StageSuccess && s.autoUpload {
		if err := s.applyUploads(ctx, taskID, &stage, customPathFields); err != nil {
			return err
		}
	}
	return s.Manager.RecordStageTerminal(ctx, taskID, stageName, stage)
}

// applyUploads attaches F_minio_url / F_minio_urls / F_compression_info for
// every path field. Local fields are preserved untouched.
func (s *SideEffectManager) applyUploads(ctx context.Context, taskID string, stage *StageExecution, custom []string) error {
	for _, field := range PathFields(stage.Output, custom) {
		v := stage.Output[field]

		if list, ok := StringSlice(v); ok {
			urls := make([]string, 0, len(list))
			sizes := make([]int64, 0, len(list))
			for _, p := range list {
				info, err := s.store.UploadFile(ctx, taskID, p)
				if err != nil {
					return fmt.Errorf("upload %s: %w", field, err)
				}
				urls = append(urls, info.URL)
				sizes = append(sizes, info.Size)
			}
			if len(urls) > 0 {
				stage.Output[field+MinioURLsSuffix] = urls
				stage.Output[field+MinioSizesSuffix] = sizes
			}
			continue
		}

		p, ok := v.(string)
		if !ok || p == "" {
			continue
		}
		st, err := os.Stat(p)
		if err != nil {
			// Path fields may carry values that never materialized on disk
			// (skipped optional artifacts); no URL is attached then.
			continue
		}
		if st.IsDir() {
			info, cinfo, err := s.store.UploadDir(ctx, taskID, p)
			if err != nil {
				return fmt.Errorf("upload dir %s: %w", field, err)
			}
			stage.Output[field+MinioURLSuffix] = info.URL
			stage.Output[field+MinioSizeSuffix] = info.Size
			stage.Output[field+CompressionInfoSuffix] = map[string]any{
				"files_count":       cinfo.FilesCount,
				"original_size":     cinfo.OriginalSize,
				"compressed_size":   cinfo.CompressedSize,
				"compression_ratio": cinfo.CompressionRatio,
				"format":            cinfo.Format,
			}
			continue
		}
		info, err := s.store.UploadFile(ctx, taskID, p)
		if err != nil {
			return fmt.Errorf("upload %s: %w", field, err)
		}
		stage.Output[field+MinioURLSuffix] = info.URL
		stage.Output[field+MinioSizeSuffix] = info.Size
	}
	return nil
}
