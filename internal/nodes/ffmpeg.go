// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clipflow/clipflow/internal/node"
)

// extractAudio demuxes and resamples the audio track of a video.
type extractAudio struct{ node.Base }

func newExtractAudio() node.Node {
	return &extractAudio{Base: node.Base{
		TaskName:    "ffmpeg.extract_audio",
		Required:    []string{"audio_path"},
		CacheFields: []string{"video_path", "sample_rate"},
		DefaultSet:  map[string]any{"sample_rate": 16000},
	}}
}

func (n *extractAudio) ValidateInput(params map[string]any) error {
	_, err := requireFile(params, "video_path")
	return err
}

func (n *extractAudio) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	videoPath := ec.Params["video_path"].(string)
	rate := int(node.OptFloat(ec.Params, "sample_rate", 16000))
	audioPath := filepath.Join(ec.WorkDir, "audio.wav")

	ec.Report(0.1, "extracting audio track")
	_, err := ec.Tools.Run(ctx, "ffmpeg",
		"-y", "-i", videoPath,
		"-vn", "-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(rate), "-ac", "1",
		audioPath,
	)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"audio_path":  audioPath,
		"sample_rate": rate,
	}, nil
}

// extractKeyframes samples evenly spaced frames for subtitle-area detection.
type extractKeyframes struct{ node.Base }

func newExtractKeyframes() node.Node {
	return &extractKeyframes{Base: node.Base{
		TaskName:    "ffmpeg.extract_keyframes",
		Required:    []string{"keyframe_dir"},
		CacheFields: []string{"video_path", "keyframe_sample_count"},
		DefaultSet:  map[string]any{"keyframe_sample_count": 30},
	}}
}

func (n *extractKeyframes) ValidateInput(params map[string]any) error {
	if _, err := requireFile(params, "video_path"); err != nil {
		return err
	}
	if c := node.OptFloat(params, "keyframe_sample_count", 30); c < 1 {
		return node.InputErr("keyframe_sample_count must be >= 1")
	}
	return nil
}

func (n *extractKeyframes) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	videoPath := ec.Params["video_path"].(string)
	count := int(node.OptFloat(ec.Params, "keyframe_sample_count", 30))
	outDir := filepath.Join(ec.WorkDir, "keyframes")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, node.ResourceErr(err)
	}

	duration, err := probeDuration(ctx, ec.Tools, videoPath)
	if err != nil {
		return nil, err
	}

	// count is the target number of samples, spread evenly over the whole
	// duration. -frames:v caps rounding overshoot on the last sample.
	fps := float64(count) / duration

	ec.Report(0.1, "sampling keyframes")
	_, err = ec.Tools.Run(ctx, "ffmpeg",
		"-y", "-i", videoPath,
		"-vf", fmt.Sprintf("fps=%.6f", fps),
		"-frames:v", strconv.Itoa(count),
		"-vsync", "vfr",
		filepath.Join(outDir, "frame_%04d.jpg"),
	)
	if err != nil {
		return nil, err
	}

	frames, err := listFiles(outDir, ".jpg", ".png")
	if err != nil {
		return nil, node.ComputeErr(fmt.Errorf("list keyframes: %w", err))
	}
	if len(frames) == 0 {
		return nil, node.ComputeErr(fmt.Errorf("no keyframes produced for %s", videoPath))
	}

	return map[string]any{
		"keyframe_dir":         outDir,
		"keyframe_files_count": len(frames),
	}, nil
}

// cropSubtitleImages crops each keyframe to the detected subtitle band.
type cropSubtitleImages struct{ node.Base }

func newCropSubtitleImages() node.Node {
	return &cropSubtitleImages{Base: node.Base{
		TaskName:    "ffmpeg.crop_subtitle_images",
		GPU:         true,
		Required:    []string{"cropped_images_path"},
		CacheFields: []string{"video_path", "subtitle_area"},
		FallbackSet: []node.Fallback{{
			Param: "subtitle_area",
			Sources: []node.FallbackSource{
				{Stage: "paddleocr.detect_subtitle_area", Field: "subtitle_area"},
			},
		}},
	}}
}

func (n *cropSubtitleImages) ValidateInput(params map[string]any) error {
	if _, err := requireFile(params, "video_path"); err != nil {
		return err
	}
	_, err := areaFromParam(params["subtitle_area"])
	return err
}

func (n *cropSubtitleImages) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	videoPath := ec.Params["video_path"].(string)
	area, err := areaFromParam(ec.Params["subtitle_area"])
	if err != nil {
		return nil, err
	}
	outDir := filepath.Join(ec.WorkDir, "cropped_images")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, node.ResourceErr(err)
	}

	ec.Report(0.1, "cropping subtitle band")
	_, err = ec.Tools.Run(ctx, "ffmpeg",
		"-y", "-hwaccel", "auto",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=2,crop=%d:%d:%d:%d", area[2], area[3], area[0], area[1]),
		filepath.Join(outDir, "crop_%06d.jpg"),
	)
	if err != nil {
		return nil, err
	}

	images, err := listFiles(outDir, ".jpg")
	if err != nil {
		return nil, node.ComputeErr(fmt.Errorf("list cropped images: %w", err))
	}

	return map[string]any{
		"cropped_images_path":  outDir,
		"cropped_images_count": len(images),
	}, nil
}

// splitAudioSegments cuts the audio track along subtitle cue boundaries.
type splitAudioSegments struct{ node.Base }

func newSplitAudioSegments() node.Node {
	return &splitAudioSegments{Base: node.Base{
		TaskName:    "ffmpeg.split_audio_segments",
		Required:    []string{"audio_segments_dir"},
		CacheFields: []string{"audio_path", "subtitle_path"},
		FallbackSet: []node.Fallback{
			{
				Param: "audio_path",
				Sources: []node.FallbackSource{
					{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
					{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
				},
			},
			{
				Param: "subtitle_path",
				Sources: []node.FallbackSource{
					{Stage: "wservice.correct_subtitles", Field: "corrected_subtitle_path"},
					{Stage: "wservice.generate_subtitle_files", Field: "subtitle_path"},
				},
			},
		},
	}}
}

func (n *splitAudioSegments) ValidateInput(params map[string]any) error {
	if _, err := requireFile(params, "audio_path"); err != nil {
		return err
	}
	_, err := requireFile(params, "subtitle_path")
	return err
}

func (n *splitAudioSegments) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	audioPath := ec.Params["audio_path"].(string)
	subtitlePath := ec.Params["subtitle_path"].(string)
	outDir := filepath.Join(ec.WorkDir, "audio_segments")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, node.ResourceErr(err)
	}

	cues, err := parseSubtitleCues(subtitlePath)
	if err != nil {
		return nil, node.InputErr("parse subtitle cues: %v", err)
	}
	if len(cues) == 0 {
		return nil, node.InputErr("subtitle file %s contains no cues", subtitlePath)
	}

	for i, cue := range cues {
		segPath := filepath.Join(outDir, fmt.Sprintf("segment_%04d.wav", i))
		ec.Report(float64(i)/float64(len(cues)), fmt.Sprintf("cutting segment %d/%d", i+1, len(cues)))
		_, err := ec.Tools.Run(ctx, "ffmpeg",
			"-y", "-i", audioPath,
			"-ss", formatSeconds(cue.Start),
			"-to", formatSeconds(cue.End),
			"-c", "copy",
			segPath,
		)
		if err != nil {
			return nil, err
		}
	}

	segments, err := listFiles(outDir, ".wav")
	if err != nil {
		return nil, node.ComputeErr(fmt.Errorf("list segments: %w", err))
	}

	return map[string]any{
		"audio_segments_dir":   outDir,
		"audio_segments_count": len(segments),
	}, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// probeDuration asks ffprobe for the container duration in seconds.
func probeDuration(ctx context.Context, tools node.ToolRunner, videoPath string) (float64, error) {
	out, err := tools.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || d <= 0 {
		return 0, node.ComputeErr(fmt.Errorf("ffprobe returned no usable duration for %s", videoPath))
	}
	return d, nil
}
