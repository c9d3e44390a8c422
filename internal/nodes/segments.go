// SPDX-License-Identifier: MIT

package nodes

// Word is a word-level timestamp inside a transcription segment.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is one transcribed span. Speaker and Words are filled by the
// diarization merge nodes and the word-timestamp transcription mode.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// SpeakerTurn is one diarization interval.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// overlap returns the overlapping duration of [aStart,aEnd) and [bStart,bEnd).
func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}

// dominantSpeaker picks the speaker with the largest overlap against the
// segment span. Empty when no turn overlaps.
func dominantSpeaker(turns []SpeakerTurn, start, end float64) string {
	totals := make(map[string]float64)
	for _, t := range turns {
		if d := overlap(start, end, t.Start, t.End); d > 0 {
			totals[t.Speaker] += d
		}
	}
	best, bestDur := "", 0.0
	for speaker, dur := range totals {
		if dur > bestDur || (dur == bestDur && (best == "" || speaker < best)) {
			best, bestDur = speaker, dur
		}
	}
	return best
}
