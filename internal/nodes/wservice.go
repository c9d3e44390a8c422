// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clipflow/clipflow/internal/node"
)

// readSegments loads a transcription document: either a plain segment array
// or an object with a "segments" key.
func readSegments(path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Segments []Segment `json:"segments"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Segments) > 0 {
		return wrapped.Segments, nil
	}
	var plain []Segment
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return plain, nil
}

// generateSubtitleFiles renders a transcription into subtitle files.
type generateSubtitleFiles struct{ node.Base }

func newGenerateSubtitleFiles() node.Node {
	return &generateSubtitleFiles{Base: node.Base{
		TaskName:    "wservice.generate_subtitle_files",
		Required:    []string{"subtitle_path"},
		CacheFields: []string{"segments_file"},
		FallbackSet: []node.Fallback{{
			Param: "segments_file",
			Sources: []node.FallbackSource{
				{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
			},
		}},
	}}
}

func (n *generateSubtitleFiles) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "segments_file")
	return err
}

func (n *generateSubtitleFiles) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	segments, err := readSegments(ec.Params["segments_file"].(string))
	if err != nil {
		return nil, node.InputErr("read segments: %v", err)
	}
	if len(segments) == 0 {
		return nil, node.InputErr("segments file is empty")
	}

	cues := make([]Cue, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		cues = append(cues, Cue{Start: s.Start, End: s.End, Text: text})
	}

	subtitlePath := filepath.Join(ec.WorkDir, "subtitles.srt")
	if err := writeSRT(subtitlePath, cues); err != nil {
		return nil, node.ResourceErr(err)
	}
	jsonPath := filepath.Join(ec.WorkDir, "subtitles.json")
	if err := writeJSON(jsonPath, cues); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"subtitle_path": subtitlePath,
		"json_path":     jsonPath,
		"subtitle_files": map[string]any{
			"srt":  subtitlePath,
			"json": jsonPath,
		},
		"cues_count": len(cues),
	}, nil
}

// correctSubtitles applies mechanical cleanups to a subtitle file: empty cues
// dropped, overlaps clamped, minimum display duration enforced.
type correctSubtitles struct{ node.Base }

func newCorrectSubtitles() node.Node {
	return &correctSubtitles{Base: node.Base{
		TaskName:    "wservice.correct_subtitles",
		Required:    []string{"corrected_subtitle_path"},
		CacheFields: []string{"subtitle_path", "subtitle_correction"},
		FallbackSet: []node.Fallback{{
			Param: "subtitle_path",
			Sources: []node.FallbackSource{
				{Stage: "wservice.generate_subtitle_files", Field: "subtitle_path"},
			},
		}},
	}}
}

func (n *correctSubtitles) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "subtitle_path")
	return err
}

func (n *correctSubtitles) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	subtitlePath := ec.Params["subtitle_path"].(string)

	correction, _ := ec.Params["subtitle_correction"].(map[string]any)
	if correction != nil && !node.OptBool(correction, "enabled", true) {
		return map[string]any{
			"corrected_subtitle_path": subtitlePath,
			"_skipped":                true,
		}, nil
	}
	minDuration := 0.5
	if correction != nil {
		minDuration = node.OptFloat(correction, "min_duration", 0.5)
	}

	cues, err := parseSubtitleCues(subtitlePath)
	if err != nil {
		return nil, node.InputErr("parse subtitles: %v", err)
	}

	var corrected []Cue
	removed, adjusted := 0, 0
	for _, cue := range cues {
		cue.Text = strings.TrimSpace(cue.Text)
		if cue.Text == "" {
			removed++
			continue
		}
		if cue.End-cue.Start < minDuration {
			cue.End = cue.Start + minDuration
			adjusted++
		}
		if len(corrected) > 0 && corrected[len(corrected)-1].End > cue.Start {
			corrected[len(corrected)-1].End = cue.Start
			adjusted++
		}
		corrected = append(corrected, cue)
	}

	outPath := filepath.Join(ec.WorkDir, "subtitles_corrected.srt")
	if err := writeSRT(outPath, corrected); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"corrected_subtitle_path": outPath,
		"cues_removed":            removed,
		"cues_adjusted":           adjusted,
		"cues_count":              len(corrected),
	}, nil
}

// aiOptimizeSubtitles smooths a transcription for reading: whitespace
// normalization and merging of fragments below the minimum duration.
type aiOptimizeSubtitles struct{ node.Base }

func newAIOptimizeSubtitles() node.Node {
	return &aiOptimizeSubtitles{Base: node.Base{
		TaskName:    "wservice.ai_optimize_subtitles",
		Required:    []string{"optimized_file_path"},
		CacheFields: []string{"segments_file", "subtitle_optimization"},
		FallbackSet: []node.Fallback{{
			Param: "segments_file",
			Sources: []node.FallbackSource{
				{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
			},
		}},
	}}
}

func (n *aiOptimizeSubtitles) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "segments_file")
	return err
}

func (n *aiOptimizeSubtitles) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	segmentsFile := ec.Params["segments_file"].(string)

	opt, _ := ec.Params["subtitle_optimization"].(map[string]any)
	if opt == nil || !node.OptBool(opt, "enabled", false) {
		return map[string]any{
			"optimized_file_path": segmentsFile,
			"_skipped":            true,
		}, nil
	}
	minDuration := node.OptFloat(opt, "min_duration", 1.0)

	segments, err := readSegments(segmentsFile)
	if err != nil {
		return nil, node.InputErr("read segments: %v", err)
	}

	var optimized []Segment
	merged := 0
	for _, s := range segments {
		s.Text = strings.Join(strings.Fields(s.Text), " ")
		if s.Text == "" {
			continue
		}
		last := len(optimized) - 1
		if last >= 0 && s.End-s.Start < minDuration && optimized[last].Speaker == s.Speaker {
			optimized[last].Text += " " + s.Text
			optimized[last].End = s.End
			optimized[last].Words = append(optimized[last].Words, s.Words...)
			merged++
			continue
		}
		optimized = append(optimized, s)
	}

	outPath := filepath.Join(ec.WorkDir, "segments_optimized.json")
	if err := writeJSON(outPath, optimized); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"optimized_file_path": outPath,
		"segments_merged":     merged,
		"segments_count":      len(optimized),
	}, nil
}

// mergeSpeakerSegments labels transcription segments with diarization
// speakers and merges consecutive same-speaker spans.
type mergeSpeakerSegments struct{ node.Base }

func newMergeSpeakerSegments() node.Node {
	return &mergeSpeakerSegments{Base: node.Base{
		TaskName:    "wservice.merge_speaker_segments",
		Required:    []string{"merged_segments"},
		CacheFields: []string{"segments_file", "diarization_file"},
		FallbackSet: []node.Fallback{
			{
				Param: "segments_file",
				Sources: []node.FallbackSource{
					{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
				},
			},
			{
				Param: "diarization_file",
				Sources: []node.FallbackSource{
					{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
				},
			},
		},
	}}
}

func (n *mergeSpeakerSegments) ValidateInput(params map[string]any) error {
	if _, hasFile := params["segments_file"]; !hasFile {
		if _, hasInline := params["segments"]; !hasInline {
			return node.InputErr("either segments_file or segments is required")
		}
	}
	if _, hasFile := params["diarization_file"]; !hasFile {
		if _, hasInline := params["turns"]; !hasInline {
			return node.InputErr("either diarization_file or turns is required")
		}
	}
	return nil
}

func (n *mergeSpeakerSegments) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	merged, speakers, err := mergeWithDiarization(ec.Params, false)
	if err != nil {
		return nil, err
	}

	outPath := filepath.Join(ec.WorkDir, "merged_segments.json")
	if err := writeJSON(outPath, merged); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"merged_segments":      merged,
		"merged_segments_file": outPath,
		"speaker_count":        len(speakers),
		"speakers":             speakers,
	}, nil
}

// mergeWithWordTimestamps is the word-level variant: merged spans carry the
// concatenated word timings of their sources.
type mergeWithWordTimestamps struct{ node.Base }

func newMergeWithWordTimestamps() node.Node {
	return &mergeWithWordTimestamps{Base: node.Base{
		TaskName:    "wservice.merge_with_word_timestamps",
		Required:    []string{"merged_segments"},
		CacheFields: []string{"segments_file", "diarization_file"},
		FallbackSet: []node.Fallback{
			{
				Param: "segments_file",
				Sources: []node.FallbackSource{
					{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
				},
			},
			{
				Param: "diarization_file",
				Sources: []node.FallbackSource{
					{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
				},
			},
		},
	}}
}

func (n *mergeWithWordTimestamps) ValidateInput(params map[string]any) error {
	if _, hasFile := params["segments_file"]; !hasFile {
		if _, hasInline := params["segments"]; !hasInline {
			return node.InputErr("either segments_file or segments is required")
		}
	}
	return nil
}

func (n *mergeWithWordTimestamps) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	merged, speakers, err := mergeWithDiarization(ec.Params, true)
	if err != nil {
		return nil, err
	}
	for i, s := range merged {
		if len(s.Words) == 0 {
			return nil, node.InputErr("segment %d carries no word timestamps; run transcription with enable_word_timestamps", i)
		}
	}

	outPath := filepath.Join(ec.WorkDir, "merged_segments_words.json")
	if err := writeJSON(outPath, merged); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"merged_segments":      merged,
		"merged_segments_file": outPath,
		"speaker_count":        len(speakers),
	}, nil
}

// mergeWithDiarization is the shared merge core.
func mergeWithDiarization(params map[string]any, keepWords bool) ([]Segment, []string, error) {
	var segments []Segment
	if err := readJSONParam(params, "segments_file", "segments", &segments); err != nil {
		// segments_file may point at the whisper wrapper document.
		if p, ok := params["segments_file"].(string); ok && p != "" {
			var rerr error
			segments, rerr = readSegments(p)
			if rerr != nil {
				return nil, nil, node.InputErr("read segments: %v", rerr)
			}
		} else {
			return nil, nil, node.InputErr("read segments: %v", err)
		}
	}
	var diarization diarizationResult
	if err := readJSONParam(params, "diarization_file", "turns", &diarization.Turns); err != nil {
		return nil, nil, node.InputErr("read diarization: %v", err)
	}
	if len(segments) == 0 {
		return nil, nil, node.InputErr("no transcription segments to merge")
	}

	speakerSet := make(map[string]bool)
	var merged []Segment
	for _, s := range segments {
		s.Speaker = dominantSpeaker(diarization.Turns, s.Start, s.End)
		if s.Speaker != "" {
			speakerSet[s.Speaker] = true
		}
		if !keepWords {
			s.Words = nil
		}

		last := len(merged) - 1
		if last >= 0 && merged[last].Speaker == s.Speaker && merged[last].Speaker != "" {
			merged[last].Text = strings.TrimSpace(merged[last].Text + " " + s.Text)
			merged[last].End = s.End
			if keepWords {
				merged[last].Words = append(merged[last].Words, s.Words...)
			}
			continue
		}
		merged = append(merged, s)
	}

	speakers := make([]string, 0, len(speakerSet))
	for s := range speakerSet {
		speakers = append(speakers, s)
	}
	sort.Strings(speakers)
	return merged, speakers, nil
}

// prepareTTSSegments turns merged transcription spans into the worklist the
// speech synthesis node consumes.
type prepareTTSSegments struct{ node.Base }

func newPrepareTTSSegments() node.Node {
	return &prepareTTSSegments{Base: node.Base{
		TaskName:    "wservice.prepare_tts_segments",
		Required:    []string{"prepared_segments"},
		CacheFields: []string{"segments_file"},
		FallbackSet: []node.Fallback{{
			Param: "segments_file",
			Sources: []node.FallbackSource{
				{Stage: "wservice.merge_with_word_timestamps", Field: "merged_segments_file"},
				{Stage: "wservice.merge_speaker_segments", Field: "merged_segments_file"},
				{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
			},
		}},
	}}
}

func (n *prepareTTSSegments) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "segments_file")
	return err
}

func (n *prepareTTSSegments) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	segments, err := readSegments(ec.Params["segments_file"].(string))
	if err != nil {
		return nil, node.InputErr("read segments: %v", err)
	}

	prepared := make([]map[string]any, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		entry := map[string]any{
			"index":           len(prepared),
			"text":            text,
			"start":           s.Start,
			"end":             s.End,
			"target_duration": s.End - s.Start,
		}
		if s.Speaker != "" {
			entry["speaker"] = s.Speaker
		}
		prepared = append(prepared, entry)
	}
	if len(prepared) == 0 {
		return nil, node.InputErr("no non-empty segments to prepare")
	}

	outPath := filepath.Join(ec.WorkDir, "tts_segments.json")
	if err := writeJSON(outPath, prepared); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"prepared_segments":      prepared,
		"prepared_segments_file": outPath,
		"segments_count":         len(prepared),
	}, nil
}
