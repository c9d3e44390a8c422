// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/clipflow/clipflow/internal/node"
)

// transcribeAudio runs speech recognition over an audio file. GPU binding is
// decided at boot from the configured device.
type transcribeAudio struct {
	node.Base
	device string
}

func newTranscribeAudio(device string) node.Node {
	return &transcribeAudio{
		device: device,
		Base: node.Base{
			TaskName:    "faster_whisper.transcribe_audio",
			GPU:         device == "cuda",
			Required:    []string{"segments_file"},
			CacheFields: []string{"audio_path", "language", "enable_word_timestamps"},
			DefaultSet: map[string]any{
				"language":               "auto",
				"enable_word_timestamps": false,
			},
			FallbackSet: []node.Fallback{{
				Param: "audio_path",
				Sources: []node.FallbackSource{
					{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
					{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
				},
			}},
		},
	}
}

func (n *transcribeAudio) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "audio_path")
	return err
}

func (n *transcribeAudio) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	audioPath := ec.Params["audio_path"].(string)
	language := node.OptString(ec.Params, "language", "auto")
	wordTimestamps := node.OptBool(ec.Params, "enable_word_timestamps", false)
	segmentsFile := filepath.Join(ec.WorkDir, "segments.json")

	args := []string{
		"--device", n.device,
		"--language", language,
		"--output", segmentsFile,
	}
	if wordTimestamps {
		args = append(args, "--word-timestamps")
	}
	args = append(args, audioPath)

	ec.Report(0.1, "transcribing")
	if _, err := ec.Tools.Run(ctx, "faster-whisper", args...); err != nil {
		return nil, err
	}

	var result struct {
		Language string    `json:"language"`
		Segments []Segment `json:"segments"`
	}
	if err := readJSON(segmentsFile, &result); err != nil {
		return nil, node.ComputeErr(fmt.Errorf("read transcription result: %w", err))
	}
	if len(result.Segments) == 0 {
		return nil, node.ComputeErr(fmt.Errorf("transcription produced no segments for %s", audioPath))
	}

	return map[string]any{
		"segments_file":          segmentsFile,
		"language":               result.Language,
		"segments_count":         len(result.Segments),
		"word_timestamps":        wordTimestamps,
		"transcription_device":   n.device,
		"transcription_language": language,
	}, nil
}

// separateVocals splits an audio track into vocal and accompaniment stems.
type separateVocals struct{ node.Base }

func newSeparateVocals() node.Node {
	return &separateVocals{Base: node.Base{
		TaskName:    "audio_separator.separate_vocals",
		GPU:         true,
		Required:    []string{"vocal_audio"},
		CacheFields: []string{"audio_path", "model_name"},
		PathFields:  []string{"vocal_audio", "instrumental_audio", "all_audio_files"},
		DefaultSet:  map[string]any{"model_name": "UVR-MDX-NET-Inst_HQ_3"},
		FallbackSet: []node.Fallback{{
			Param: "audio_path",
			Sources: []node.FallbackSource{
				{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
			},
		}},
	}}
}

func (n *separateVocals) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "audio_path")
	return err
}

func (n *separateVocals) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	audioPath := ec.Params["audio_path"].(string)
	model := node.OptString(ec.Params, "model_name", "UVR-MDX-NET-Inst_HQ_3")
	outDir := filepath.Join(ec.WorkDir, "separated")

	ec.Report(0.1, "separating vocals")
	_, err := ec.Tools.Run(ctx, "audio-separator",
		"--model", model,
		"--output-dir", outDir,
		audioPath,
	)
	if err != nil {
		return nil, err
	}

	stems, err := listFiles(outDir, ".wav", ".flac", ".mp3")
	if err != nil {
		return nil, node.ComputeErr(fmt.Errorf("list stems: %w", err))
	}

	var vocal, instrumental string
	for _, stem := range stems {
		base := filepath.Base(stem)
		switch {
		case containsFold(base, "vocal"):
			vocal = stem
		case containsFold(base, "instrument"), containsFold(base, "no_vocal"):
			instrumental = stem
		}
	}
	if vocal == "" {
		return nil, node.ComputeErr(fmt.Errorf("separator produced no vocal stem in %s", outDir))
	}

	out := map[string]any{
		"vocal_audio":     vocal,
		"all_audio_files": stems,
		"model_name":      model,
	}
	if instrumental != "" {
		out["instrumental_audio"] = instrumental
	}
	return out, nil
}
