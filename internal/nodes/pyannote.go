// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/clipflow/clipflow/internal/node"
)

// diarizationResult is the exchange document between the diarization nodes.
type diarizationResult struct {
	Turns []SpeakerTurn `json:"turns"`
}

func (d *diarizationResult) speakers() []string {
	set := make(map[string]bool)
	for _, t := range d.Turns {
		set[t.Speaker] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// diarizeSpeakers runs speaker diarization over an audio file.
type diarizeSpeakers struct{ node.Base }

func newDiarizeSpeakers() node.Node {
	return &diarizeSpeakers{Base: node.Base{
		TaskName:    "pyannote_audio.diarize_speakers",
		GPU:         true,
		Required:    []string{"diarization_file"},
		CacheFields: []string{"audio_path", "use_paid_api"},
		DefaultSet:  map[string]any{"use_paid_api": false},
		FallbackSet: []node.Fallback{{
			Param: "audio_path",
			Sources: []node.FallbackSource{
				{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
				{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
			},
		}},
	}}
}

func (n *diarizeSpeakers) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "audio_path")
	return err
}

// GPUBoundWith drops the lock requirement when the paid API does the work
// remotely.
func (n *diarizeSpeakers) GPUBoundWith(params map[string]any) bool {
	return !node.OptBool(params, "use_paid_api", false)
}

func (n *diarizeSpeakers) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	audioPath := ec.Params["audio_path"].(string)
	usePaidAPI := node.OptBool(ec.Params, "use_paid_api", false)
	outFile := filepath.Join(ec.WorkDir, "diarization.json")

	args := []string{"--output", outFile}
	if usePaidAPI {
		args = append(args, "--api")
	}
	if token := node.OptString(ec.Params, "hf_token", ""); token != "" {
		args = append(args, "--hf-token", token)
	}
	args = append(args, audioPath)

	ec.Report(0.1, "diarizing speakers")
	if _, err := ec.Tools.Run(ctx, "pyannote-audio", args...); err != nil {
		return nil, err
	}

	var result diarizationResult
	if err := readJSON(outFile, &result); err != nil {
		return nil, node.ComputeErr(fmt.Errorf("read diarization result: %w", err))
	}

	var speech float64
	for _, t := range result.Turns {
		speech += t.End - t.Start
	}

	return map[string]any{
		"diarization_file": outFile,
		"speaker_count":    len(result.speakers()),
		"speakers":         result.speakers(),
		"turns_count":      len(result.Turns),
		"speech_seconds":   speech,
		"used_paid_api":    usePaidAPI,
	}, nil
}

// getSpeakerSegments projects the diarization onto per-speaker segments,
// optionally filtered to one speaker.
type getSpeakerSegments struct{ node.Base }

func newGetSpeakerSegments() node.Node {
	return &getSpeakerSegments{Base: node.Base{
		TaskName:    "pyannote_audio.get_speaker_segments",
		Required:    []string{"segments"},
		CacheFields: []string{"diarization_file", "speaker"},
		FallbackSet: []node.Fallback{{
			Param: "diarization_file",
			Sources: []node.FallbackSource{
				{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
			},
		}},
	}}
}

func (n *getSpeakerSegments) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "diarization_file")
	return err
}

func (n *getSpeakerSegments) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	var result diarizationResult
	if err := readJSON(ec.Params["diarization_file"].(string), &result); err != nil {
		return nil, node.InputErr("read diarization file: %v", err)
	}
	only := node.OptString(ec.Params, "speaker", "")

	segments := make([]map[string]any, 0, len(result.Turns))
	perSpeaker := make(map[string]int)
	for _, t := range result.Turns {
		if only != "" && t.Speaker != only {
			continue
		}
		segments = append(segments, map[string]any{
			"start":   t.Start,
			"end":     t.End,
			"speaker": t.Speaker,
		})
		perSpeaker[t.Speaker]++
	}
	if only != "" && len(segments) == 0 {
		return nil, node.InputErr("speaker %q not present in diarization", only)
	}

	outFile := filepath.Join(ec.WorkDir, "speaker_segments.json")
	if err := writeJSON(outFile, segments); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"segments":              segments,
		"speaker_segments_file": outFile,
		"segments_per_speaker":  perSpeaker,
	}, nil
}

// validateDiarization sanity-checks a diarization document.
type validateDiarization struct{ node.Base }

func newValidateDiarization() node.Node {
	return &validateDiarization{Base: node.Base{
		TaskName:    "pyannote_audio.validate_diarization",
		Required:    []string{"validation"},
		CacheFields: []string{"diarization_file"},
		FallbackSet: []node.Fallback{{
			Param: "diarization_file",
			Sources: []node.FallbackSource{
				{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
			},
		}},
	}}
}

func (n *validateDiarization) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "diarization_file")
	return err
}

func (n *validateDiarization) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	var result diarizationResult
	if err := readJSON(ec.Params["diarization_file"].(string), &result); err != nil {
		return nil, node.InputErr("read diarization file: %v", err)
	}

	var problems []string
	for i, t := range result.Turns {
		if t.End <= t.Start {
			problems = append(problems, fmt.Sprintf("turn %d has non-positive duration", i))
		}
		if t.Speaker == "" {
			problems = append(problems, fmt.Sprintf("turn %d has no speaker label", i))
		}
	}
	if len(result.Turns) == 0 {
		problems = append(problems, "no speaker turns")
	}

	validation := map[string]any{
		"valid":         len(problems) == 0,
		"turns_count":   len(result.Turns),
		"speaker_count": len(result.speakers()),
	}
	if len(problems) > 0 {
		validation["problems"] = problems
	}

	return map[string]any{"validation": validation}, nil
}
