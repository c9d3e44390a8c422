// SPDX-License-Identifier: MIT

// Package nodes implements the processing catalog. Heavy compute (FFmpeg,
// ASR, diarization, OCR, TTS, source separation) runs in external tool
// processes; each node owns its input contract, invokes the tool and shapes
// the result document.
package nodes

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/clipflow/clipflow/internal/node"
)

// Options are deployment-level knobs that shape node contracts.
type Options struct {
	// WhisperDevice selects the ASR device ("cuda" or "cpu"). On cpu the
	// transcription node stops being GPU-bound and runs without the lock.
	WhisperDevice string
}

func (o Options) whisperDevice() string {
	if o.WhisperDevice == "" {
		return "cuda"
	}
	return o.WhisperDevice
}

// Catalog returns the closed registry of all supported task names.
func Catalog(opts Options) *node.Registry {
	r := node.NewRegistry()

	r.Register(newExtractAudio())
	r.Register(newExtractKeyframes())
	r.Register(newCropSubtitleImages())
	r.Register(newSplitAudioSegments())

	r.Register(newTranscribeAudio(opts.whisperDevice()))
	r.Register(newSeparateVocals())

	r.Register(newDiarizeSpeakers())
	r.Register(newGetSpeakerSegments())
	r.Register(newValidateDiarization())

	r.Register(newDetectSubtitleArea())
	r.Register(newCreateStitchedImages())
	r.Register(newPerformOCR())
	r.Register(newPostprocessAndFinalize())

	r.Register(newGenerateSpeech())

	r.Register(newGenerateSubtitleFiles())
	r.Register(newCorrectSubtitles())
	r.Register(newAIOptimizeSubtitles())
	r.Register(newMergeSpeakerSegments())
	r.Register(newMergeWithWordTimestamps())
	r.Register(newPrepareTTSSegments())

	return r
}

// writeJSON persists v at path with parent creation. The write is atomic:
// readers on the shared volume never observe a half-written document.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// copyFile copies src to dst, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// readJSON loads path into dest.
func readJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// readJSONParam accepts either a file path or inline structured data for a
// parameter that may arrive both ways.
func readJSONParam(params map[string]any, pathKey, inlineKey string, dest any) error {
	if p, ok := params[pathKey].(string); ok && p != "" {
		return readJSON(p, dest)
	}
	if v, ok := params[inlineKey]; ok && v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, dest)
	}
	return node.InputErr("neither %q nor %q provided", pathKey, inlineKey)
}

// listFiles returns sorted regular files under dir with one of the given
// extensions (all files when exts is empty).
func listFiles(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if len(exts) > 0 {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			match := false
			for _, want := range exts {
				if ext == want {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// requireFile validates that params[key] names an existing regular file.
func requireFile(params map[string]any, key string) (string, error) {
	p, err := node.RequireString(params, key)
	if err != nil {
		return "", err
	}
	info, statErr := os.Stat(p)
	if statErr != nil || info.IsDir() {
		return "", node.InputErr("parameter %q does not name a readable file: %s", key, p)
	}
	return p, nil
}

// requireDir validates that params[key] names an existing directory.
func requireDir(params map[string]any, key string) (string, error) {
	p, err := node.RequireString(params, key)
	if err != nil {
		return "", err
	}
	info, statErr := os.Stat(p)
	if statErr != nil || !info.IsDir() {
		return "", node.InputErr("parameter %q does not name a directory: %s", key, p)
	}
	return p, nil
}

// containsFold is a case-insensitive substring check.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// areaFromParam decodes the [x, y, width, height] rectangle exchanged between
// the OCR nodes.
func areaFromParam(v any) ([4]int, error) {
	var out [4]int
	raw, ok := v.([]any)
	if !ok || len(raw) != 4 {
		return out, node.InputErr("subtitle_area must be [x, y, width, height]")
	}
	for i, item := range raw {
		f, ok := item.(float64)
		if !ok {
			n, isInt := item.(int)
			if !isInt {
				return out, node.InputErr("subtitle_area[%d] must be a number", i)
			}
			f = float64(n)
		}
		out[i] = int(f)
	}
	return out, nil
}
