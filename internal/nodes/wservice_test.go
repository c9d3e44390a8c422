// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/internal/node"
)

func writeSegmentsFile(t *testing.T, segments []Segment) string {
	t.Helper()
	p := writeTempFile(t, "segments.json", "{}")
	require.NoError(t, writeJSON(p, map[string]any{"language": "zh", "segments": segments}))
	return p
}

func TestGenerateSubtitleFiles(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{
		{Start: 0, End: 2, Text: " 你好 "},
		{Start: 2, End: 4, Text: ""},
		{Start: 4, End: 6, Text: "世界"},
	})

	n, _ := Catalog(Options{}).Get("wservice.generate_subtitle_files")
	ec := execContext(t, nil, map[string]any{"segments_file": segFile})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 2, out["cues_count"], "empty texts dropped")

	cues, err := parseSubtitleCues(out["subtitle_path"].(string))
	require.NoError(t, err)
	require.Len(t, cues, 2)
	assert.Equal(t, "你好", cues[0].Text)
	assert.Equal(t, 4.0, cues[1].Start)
}

func TestCorrectSubtitles(t *testing.T) {
	srt := writeTempFile(t, "in.srt",
		"1\n00:00:00,000 --> 00:00:00,100\nshort\n\n"+
			"2\n00:00:02,000 --> 00:00:03,000\n   \n\n"+
			"3\n00:00:04,000 --> 00:00:05,000\nok\n\n")

	n, _ := Catalog(Options{}).Get("wservice.correct_subtitles")
	ec := execContext(t, nil, map[string]any{"subtitle_path": srt})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 1, out["cues_removed"])
	assert.Equal(t, 1, out["cues_adjusted"])

	cues, err := parseSubtitleCues(out["corrected_subtitle_path"].(string))
	require.NoError(t, err)
	require.Len(t, cues, 2)
	assert.InDelta(t, 0.5, cues[0].End, 0.01, "minimum duration enforced")
}

func TestCorrectSubtitlesSkipped(t *testing.T) {
	srt := writeTempFile(t, "in.srt", "1\n00:00:00,000 --> 00:00:01,000\nhi\n\n")
	n, _ := Catalog(Options{}).Get("wservice.correct_subtitles")
	ec := execContext(t, nil, map[string]any{
		"subtitle_path":       srt,
		"subtitle_correction": map[string]any{"enabled": false},
	})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, true, out["_skipped"])
	assert.Equal(t, srt, out["corrected_subtitle_path"])
}

func TestAIOptimizeSubtitlesDisabledByDefault(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{{Start: 0, End: 1, Text: "a"}})
	n, _ := Catalog(Options{}).Get("wservice.ai_optimize_subtitles")
	ec := execContext(t, nil, map[string]any{"segments_file": segFile})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, true, out["_skipped"])
}

func TestAIOptimizeSubtitlesMergesShortSegments(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{
		{Start: 0, End: 3, Text: "first  sentence"},
		{Start: 3, End: 3.2, Text: "uh"},
		{Start: 3.2, End: 6, Text: "second"},
	})
	n, _ := Catalog(Options{}).Get("wservice.ai_optimize_subtitles")
	ec := execContext(t, nil, map[string]any{
		"segments_file":         segFile,
		"subtitle_optimization": map[string]any{"enabled": true, "min_duration": 1.0},
	})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 1, out["segments_merged"])
	assert.Equal(t, 2, out["segments_count"])

	var optimized []Segment
	require.NoError(t, readJSON(out["optimized_file_path"].(string), &optimized))
	assert.Equal(t, "first sentence uh", optimized[0].Text)
}

func TestMergeSpeakerSegments(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{
		{Start: 0, End: 2, Text: "hello"},
		{Start: 2, End: 4, Text: "there"},
		{Start: 5, End: 8, Text: "reply"},
	})
	diar := writeTempFile(t, "d.json", `{"turns":[
		{"start":0,"end":4.5,"speaker":"SPEAKER_00"},
		{"start":4.5,"end":9,"speaker":"SPEAKER_01"}]}`)

	n, _ := Catalog(Options{}).Get("wservice.merge_speaker_segments")
	ec := execContext(t, nil, map[string]any{"segments_file": segFile, "diarization_file": diar})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)

	merged := out["merged_segments"].([]Segment)
	require.Len(t, merged, 2, "consecutive same-speaker spans merge")
	assert.Equal(t, "hello there", merged[0].Text)
	assert.Equal(t, "SPEAKER_00", merged[0].Speaker)
	assert.Equal(t, "SPEAKER_01", merged[1].Speaker)
	assert.Equal(t, 2, out["speaker_count"])
}

func TestMergeWithWordTimestampsRequiresWords(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{{Start: 0, End: 2, Text: "hello"}})
	diar := writeTempFile(t, "d.json", `{"turns":[{"start":0,"end":2,"speaker":"SPEAKER_00"}]}`)

	n, _ := Catalog(Options{}).Get("wservice.merge_with_word_timestamps")
	ec := execContext(t, nil, map[string]any{"segments_file": segFile, "diarization_file": diar})
	_, err := n.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, node.KindInput, node.Classify(err))
}

func TestMergeWithWordTimestampsConcatenatesWords(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{
		{Start: 0, End: 1, Text: "a", Words: []Word{{Word: "a", Start: 0, End: 1}}},
		{Start: 1, End: 2, Text: "b", Words: []Word{{Word: "b", Start: 1, End: 2}}},
	})
	diar := writeTempFile(t, "d.json", `{"turns":[{"start":0,"end":2,"speaker":"SPEAKER_00"}]}`)

	n, _ := Catalog(Options{}).Get("wservice.merge_with_word_timestamps")
	ec := execContext(t, nil, map[string]any{"segments_file": segFile, "diarization_file": diar})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)

	merged := out["merged_segments"].([]Segment)
	require.Len(t, merged, 1)
	assert.Len(t, merged[0].Words, 2)
}

func TestPrepareTTSSegments(t *testing.T) {
	segFile := writeSegmentsFile(t, []Segment{
		{Start: 0, End: 2, Text: "hello", Speaker: "SPEAKER_00"},
		{Start: 2, End: 3, Text: "  "},
	})
	n, _ := Catalog(Options{}).Get("wservice.prepare_tts_segments")
	ec := execContext(t, nil, map[string]any{"segments_file": segFile})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)

	prepared := out["prepared_segments"].([]map[string]any)
	require.Len(t, prepared, 1)
	assert.Equal(t, "hello", prepared[0]["text"])
	assert.Equal(t, 2.0, prepared[0]["target_duration"])
	assert.Equal(t, "SPEAKER_00", prepared[0]["speaker"])
}

func TestPostprocessAndFinalize(t *testing.T) {
	manifest := writeTempFile(t, "m.json", "{}")
	require.NoError(t, writeJSON(manifest, stitchManifest{
		FPS: 2,
		Batches: []stitchBatch{
			{Image: "stitched_0000.jpg", Frames: []string{"f0", "f1", "f2"}, FirstIndex: 0},
		},
	}))
	ocr := writeTempFile(t, "o.json", "{}")
	require.NoError(t, writeJSON(ocr, ocrResults{Images: []ocrImage{{
		Image: "stitched_0000.jpg",
		Lines: []ocrLine{
			{Text: "你好", Row: 0, Confidence: 0.9},
			{Text: "你好", Row: 1, Confidence: 0.92},
			{Text: "世界", Row: 2, Confidence: 0.88},
		},
	}}}))

	n, _ := Catalog(Options{}).Get("paddleocr.postprocess_and_finalize")
	ec := execContext(t, nil, map[string]any{
		"ocr_results_file": ocr,
		"manifest_file":    manifest,
	})
	out, err := n.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 2, out["cues_count"], "identical consecutive texts merge")

	cues, err := parseSubtitleCues(out["srt_file"].(string))
	require.NoError(t, err)
	require.Len(t, cues, 2)
	assert.Equal(t, "你好", cues[0].Text)
	assert.Equal(t, 0.0, cues[0].Start)
	assert.InDelta(t, 1.0, cues[0].End, 0.01, "two frames at 2 fps")
}

func TestSubtitleRoundTrip(t *testing.T) {
	cues := []Cue{
		{Start: 0, End: 1.5, Text: "line one"},
		{Start: 1.5, End: 3.25, Text: "line two\nwrapped"},
	}
	path := writeTempFile(t, "round.srt", "")
	require.NoError(t, writeSRT(path, cues))

	back, err := parseSubtitleCues(path)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, cues[1].Text, back[1].Text)
	assert.InDelta(t, cues[1].End, back[1].End, 0.001)
}
