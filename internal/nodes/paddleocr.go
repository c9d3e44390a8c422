// SPDX-License-Identifier: MIT

package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clipflow/clipflow/internal/node"
)

// stitchBatchSize is how many cropped frames go into one stitched image
// handed to OCR. One OCR pass per batch instead of per frame.
const stitchBatchSize = 10

// croppedFrameFPS matches the sampling rate used by the crop node.
const croppedFrameFPS = 2.0

// stitchManifest ties every stitched image back to its source frames so OCR
// lines can be mapped to timestamps.
type stitchManifest struct {
	FPS     float64       `json:"fps"`
	Batches []stitchBatch `json:"batches"`
}

type stitchBatch struct {
	Image      string   `json:"image"`
	Frames     []string `json:"frames"`
	FirstIndex int      `json:"first_index"`
}

// ocrResults is the document the OCR tool produces per stitched image.
type ocrResults struct {
	Images []ocrImage `json:"images"`
}

type ocrImage struct {
	Image string    `json:"image"`
	Lines []ocrLine `json:"lines"`
}

type ocrLine struct {
	Text       string  `json:"text"`
	Row        int     `json:"row"`
	Confidence float64 `json:"confidence"`
}

// detectSubtitleArea finds the subtitle band across sampled keyframes.
type detectSubtitleArea struct{ node.Base }

func newDetectSubtitleArea() node.Node {
	return &detectSubtitleArea{Base: node.Base{
		TaskName:    "paddleocr.detect_subtitle_area",
		GPU:         true,
		Required:    []string{"subtitle_area"},
		CacheFields: []string{"keyframe_dir"},
		FallbackSet: []node.Fallback{{
			Param: "keyframe_dir",
			Sources: []node.FallbackSource{
				{Stage: "ffmpeg.extract_keyframes", Field: "keyframe_dir"},
			},
		}},
	}}
}

func (n *detectSubtitleArea) ValidateInput(params map[string]any) error {
	_, err := requireDir(params, "keyframe_dir")
	return err
}

func (n *detectSubtitleArea) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	keyframeDir := ec.Params["keyframe_dir"].(string)
	outFile := filepath.Join(ec.WorkDir, "subtitle_area.json")

	ec.Report(0.1, "detecting subtitle area")
	_, err := ec.Tools.Run(ctx, "paddleocr",
		"detect-area",
		"--input-dir", keyframeDir,
		"--output", outFile,
	)
	if err != nil {
		return nil, err
	}

	var result struct {
		Area       []int   `json:"area"`
		Confidence float64 `json:"confidence"`
	}
	if err := readJSON(outFile, &result); err != nil {
		return nil, node.ComputeErr(fmt.Errorf("read detection result: %w", err))
	}
	if len(result.Area) != 4 {
		return nil, node.ComputeErr(fmt.Errorf("detector returned %d area coordinates, want 4", len(result.Area)))
	}

	return map[string]any{
		"subtitle_area": result.Area,
		"confidence":    result.Confidence,
	}, nil
}

// createStitchedImages tiles cropped subtitle bands vertically so one OCR
// pass covers a batch of frames.
type createStitchedImages struct{ node.Base }

func newCreateStitchedImages() node.Node {
	return &createStitchedImages{Base: node.Base{
		TaskName:    "paddleocr.create_stitched_images",
		GPU:         true,
		Required:    []string{"multi_frames_path"},
		CacheFields: []string{"cropped_images_path", "subtitle_area"},
		FallbackSet: []node.Fallback{
			{
				Param: "cropped_images_path",
				Sources: []node.FallbackSource{
					{Stage: "ffmpeg.crop_subtitle_images", Field: "cropped_images_path"},
				},
			},
			{
				Param: "subtitle_area",
				Sources: []node.FallbackSource{
					{Stage: "paddleocr.detect_subtitle_area", Field: "subtitle_area"},
				},
			},
		},
	}}
}

func (n *createStitchedImages) ValidateInput(params map[string]any) error {
	_, err := requireDir(params, "cropped_images_path")
	return err
}

func (n *createStitchedImages) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	croppedDir := ec.Params["cropped_images_path"].(string)
	outDir := filepath.Join(ec.WorkDir, "multi_frames")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, node.ResourceErr(err)
	}

	frames, err := listFiles(croppedDir, ".jpg", ".png")
	if err != nil {
		return nil, node.ComputeErr(fmt.Errorf("list cropped frames: %w", err))
	}
	if len(frames) == 0 {
		return nil, node.InputErr("no cropped frames in %s", croppedDir)
	}

	manifest := stitchManifest{FPS: croppedFrameFPS}
	for i := 0; i < len(frames); i += stitchBatchSize {
		end := i + stitchBatchSize
		if end > len(frames) {
			end = len(frames)
		}
		batch := frames[i:end]
		stitched := filepath.Join(outDir, fmt.Sprintf("stitched_%04d%s", len(manifest.Batches), filepath.Ext(batch[0])))

		ec.Report(float64(i)/float64(len(frames)), "stitching frame batches")
		if len(batch) == 1 {
			// vstack rejects a single input; a lone trailing frame is used as is.
			if err := copyFile(batch[0], stitched); err != nil {
				return nil, node.ResourceErr(err)
			}
		} else {
			args := make([]string, 0, len(batch)*2+6)
			args = append(args, "-y")
			for _, f := range batch {
				args = append(args, "-i", f)
			}
			args = append(args,
				"-filter_complex", fmt.Sprintf("vstack=inputs=%d", len(batch)),
				stitched,
			)
			if _, err := ec.Tools.Run(ctx, "ffmpeg", args...); err != nil {
				return nil, err
			}
		}

		names := make([]string, len(batch))
		for j, f := range batch {
			names[j] = filepath.Base(f)
		}
		manifest.Batches = append(manifest.Batches, stitchBatch{
			Image:      filepath.Base(stitched),
			Frames:     names,
			FirstIndex: i,
		})
	}

	manifestPath := filepath.Join(ec.WorkDir, "stitch_manifest.json")
	if err := writeJSON(manifestPath, manifest); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"multi_frames_path": outDir,
		"manifest_path":     manifestPath,
		"batches_count":     len(manifest.Batches),
	}, nil
}

// performOCR recognizes text in the stitched images.
type performOCR struct{ node.Base }

func newPerformOCR() node.Node {
	return &performOCR{Base: node.Base{
		TaskName:    "paddleocr.perform_ocr",
		GPU:         true,
		Required:    []string{"ocr_results_path"},
		CacheFields: []string{"manifest_path", "multi_frames_path"},
		FallbackSet: []node.Fallback{
			{
				Param: "manifest_path",
				Sources: []node.FallbackSource{
					{Stage: "paddleocr.create_stitched_images", Field: "manifest_path"},
				},
			},
			{
				Param: "multi_frames_path",
				Sources: []node.FallbackSource{
					{Stage: "paddleocr.create_stitched_images", Field: "multi_frames_path"},
				},
			},
		},
	}}
}

func (n *performOCR) ValidateInput(params map[string]any) error {
	if _, err := requireFile(params, "manifest_path"); err != nil {
		return err
	}
	_, err := requireDir(params, "multi_frames_path")
	return err
}

func (n *performOCR) Execute(ctx context.Context, ec *node.ExecContext) (map[string]any, error) {
	manifestPath := ec.Params["manifest_path"].(string)
	framesDir := ec.Params["multi_frames_path"].(string)
	outFile := filepath.Join(ec.WorkDir, "ocr_results.json")

	ec.Report(0.1, "running ocr")
	_, err := ec.Tools.Run(ctx, "paddleocr",
		"recognize",
		"--manifest", manifestPath,
		"--input-dir", framesDir,
		"--output", outFile,
	)
	if err != nil {
		return nil, err
	}

	var results ocrResults
	if err := readJSON(outFile, &results); err != nil {
		return nil, node.ComputeErr(fmt.Errorf("read ocr results: %w", err))
	}

	lines := 0
	for _, img := range results.Images {
		lines += len(img.Lines)
	}

	return map[string]any{
		"ocr_results_path": outFile,
		"images_count":     len(results.Images),
		"lines_count":      lines,
	}, nil
}

// postprocessAndFinalize maps OCR lines back to timestamps through the stitch
// manifest, merges duplicate consecutive texts into cues and writes the final
// subtitle files.
type postprocessAndFinalize struct{ node.Base }

func newPostprocessAndFinalize() node.Node {
	return &postprocessAndFinalize{Base: node.Base{
		TaskName:    "paddleocr.postprocess_and_finalize",
		Required:    []string{"srt_file"},
		CacheFields: []string{"ocr_results_file", "manifest_file", "video_path"},
		FallbackSet: []node.Fallback{
			{
				Param: "ocr_results_file",
				Sources: []node.FallbackSource{
					{Stage: "paddleocr.perform_ocr", Field: "ocr_results_path"},
				},
			},
			{
				Param: "manifest_file",
				Sources: []node.FallbackSource{
					{Stage: "paddleocr.create_stitched_images", Field: "manifest_path"},
				},
			},
		},
	}}
}

func (n *postprocessAndFinalize) ValidateInput(params map[string]any) error {
	if _, err := requireFile(params, "ocr_results_file"); err != nil {
		return err
	}
	_, err := requireFile(params, "manifest_file")
	return err
}

func (n *postprocessAndFinalize) Execute(_ context.Context, ec *node.ExecContext) (map[string]any, error) {
	var results ocrResults
	if err := readJSON(ec.Params["ocr_results_file"].(string), &results); err != nil {
		return nil, node.InputErr("read ocr results: %v", err)
	}
	var manifest stitchManifest
	if err := readJSON(ec.Params["manifest_file"].(string), &manifest); err != nil {
		return nil, node.InputErr("read manifest: %v", err)
	}
	if manifest.FPS <= 0 {
		manifest.FPS = croppedFrameFPS
	}

	batchByImage := make(map[string]stitchBatch, len(manifest.Batches))
	for _, b := range manifest.Batches {
		batchByImage[b.Image] = b
	}

	// One text observation per source frame, ordered by frame index.
	type observation struct {
		index int
		text  string
	}
	var observations []observation
	for _, img := range results.Images {
		batch, ok := batchByImage[img.Image]
		if !ok {
			continue
		}
		for _, line := range img.Lines {
			if line.Row < 0 || line.Row >= len(batch.Frames) {
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			observations = append(observations, observation{
				index: batch.FirstIndex + line.Row,
				text:  text,
			})
		}
	}
	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].index < observations[j].index
	})

	// Merge consecutive identical texts into one cue.
	var cues []Cue
	frameDur := 1.0 / manifest.FPS
	for _, obs := range observations {
		start := float64(obs.index) * frameDur
		if len(cues) > 0 && cues[len(cues)-1].Text == obs.text {
			cues[len(cues)-1].End = start + frameDur
			continue
		}
		cues = append(cues, Cue{Start: start, End: start + frameDur, Text: obs.text})
	}
	if len(cues) == 0 {
		return nil, node.ComputeErr(fmt.Errorf("ocr produced no usable subtitle text"))
	}

	srtFile := filepath.Join(ec.WorkDir, "ocr_subtitles.srt")
	if err := writeSRT(srtFile, cues); err != nil {
		return nil, node.ResourceErr(err)
	}
	jsonFile := filepath.Join(ec.WorkDir, "ocr_subtitles.json")
	if err := writeJSON(jsonFile, cues); err != nil {
		return nil, node.ResourceErr(err)
	}

	return map[string]any{
		"srt_file":   srtFile,
		"json_file":  jsonFile,
		"cues_count": len(cues),
	}, nil
}
