// SPDX-License-Identifier: MIT

package nodes

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cue is one subtitle entry. Times are seconds.
type Cue struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// parseSubtitleCues reads an SRT file.
func parseSubtitleCues(path string) ([]Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cues []Cue
	var cur *Cue
	var textLines []string

	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(textLines, "\n")
			cues = append(cues, *cur)
			cur = nil
			textLines = nil
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			flush()
		case strings.Contains(trimmed, "-->"):
			parts := strings.SplitN(trimmed, "-->", 2)
			start, err1 := parseSRTTime(strings.TrimSpace(parts[0]))
			end, err2 := parseSRTTime(strings.TrimSpace(parts[1]))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("bad timing line %q", trimmed)
			}
			if cur == nil {
				cur = &Cue{Index: len(cues) + 1}
			}
			cur.Start, cur.End = start, end
		case cur == nil:
			// Cue counter line.
			if idx, err := strconv.Atoi(trimmed); err == nil {
				cur = &Cue{Index: idx}
			}
		default:
			textLines = append(textLines, line)
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cues, nil
}

// writeSRT writes cues in SRT format, renumbering from 1.
func writeSRT(path string, cues []Cue) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, formatSRTTime(cue.Start), formatSRTTime(cue.End), cue.Text)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// parseSRTTime parses "HH:MM:SS,mmm" (or with a dot) into seconds.
func parseSRTTime(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", ".")
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return float64(h)*3600 + float64(m)*60 + sec, nil
}

func formatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
