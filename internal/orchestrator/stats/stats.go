// Package stats computes the job result summary from a merge task's output
// artifact (spec §4.6 job-completion "compute and persist result summary
// stats"). Supplemented from original_source/dalston/orchestrator/stats.py,
// reimplemented in Go against the merge output's JSON shape rather than
// translated, per SPEC_FULL.md.
package stats

import (
	"encoding/json"
	"fmt"

	"github.com/ssarunic/dalston-sub001/internal/models"
)

// mergeSegment mirrors the subset of a merge task's output JSON this
// package reads; the full merge schema (out of scope here) carries more.
type mergeSegment struct {
	Text      string  `json:"text"`
	SpeakerID *string `json:"speaker_id,omitempty"`
	Words     []struct {
		Word string `json:"word"`
	} `json:"words,omitempty"`
}

type mergeOutput struct {
	LanguageCode string         `json:"language_code"`
	Segments     []mergeSegment `json:"segments"`
}

// ComputeResultSummary parses a merge task's output JSON and derives the
// counts a completed job exposes (spec §4.6: language code, word/segment/
// speaker/character counts).
func ComputeResultSummary(mergeOutputJSON []byte) (models.ResultSummary, error) {
	var out mergeOutput
	if err := json.Unmarshal(mergeOutputJSON, &out); err != nil {
		return models.ResultSummary{}, fmt.Errorf("parse merge output: %w", err)
	}

	summary := models.ResultSummary{
		LanguageCode: out.LanguageCode,
		SegmentCount: len(out.Segments),
	}

	speakers := make(map[string]struct{})
	for _, seg := range out.Segments {
		summary.CharCount += len(seg.Text)
		if len(seg.Words) > 0 {
			summary.WordCount += len(seg.Words)
		} else if seg.Text != "" {
			summary.WordCount += wordCount(seg.Text)
		}
		if seg.SpeakerID != nil {
			speakers[*seg.SpeakerID] = struct{}{}
		}
	}
	summary.SpeakerCount = len(speakers)
	return summary, nil
}

func wordCount(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
