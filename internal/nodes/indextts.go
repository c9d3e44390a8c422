// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clipflow/clipflow/internal/node"
)

// generateSpeech synthesizes speech for a text span, cloning the voice of the
// prompt audio.
type generateSpeech struct{ node.Base }

func newGenerateSpeech() node.Node {
	return &generateSpeech{Base: node.Base{
		TaskName:    "indextts.generate_speech",
		GPU:         true,
		Required:    []string{"audio_path"},
		CacheFields: []string{"text", "spk_audio_prompt", "emotion"},
		FallbackSet: []node.Fallback{{
			Param: "spk_audio_prompt",
			Sources: []node.FallbackSource{
				{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
				{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
			},
		}},
	}}
}

func (n *generateSpeech) ValidateInput(params map[string]any) error {
	if _, err := node.RequireString(params, "text"); err != nil {
		return err
	}
	_, err := requireFile(params, "spk_audio_prompt")
	return err
}

func (n *generateSpeech) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	text := ec.Params["text"].(string)
	prompt := ec.Params["spk_audio_prompt"].(string)

	outPath := node.OptString(ec.Params, "output_path", "")
	if outPath == "" {
		outPath = filepath.Join(ec.WorkDir, "generated_speech.wav")
	} else if !filepath.IsAbs(outPath) {
		outPath = filepath.Join(ec.WorkDir, outPath)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, node.ResourceErr(err)
	}

	args := []string{
		"--text", text,
		"--speaker-prompt", prompt,
		"--output", outPath,
	}
	if emotion := node.OptString(ec.Params, "emotion", ""); emotion != "" {
		args = append(args, "--emotion", emotion)
	}

	ec.Report(0.1, "synthesizing speech")
	if _, err := ec.Tools.Run(ctx, "indextts", args...); err != nil {
		return nil, err
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return nil, node.ComputeErr(fmt.Errorf("synthesis produced no audio at %s", outPath))
	}

	return map[string]any{
		"audio_path": outPath,
		"text_chars": len([]rune(text)),
	}, nil
}
