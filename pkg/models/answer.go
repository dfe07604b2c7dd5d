package models

import (
	"encoding/json"
	"strings"
)

// Answer is the result payload of a successful question task.
type Answer struct {
	Answer          string   `json:"answer"`
	SearchPerformed bool     `json:"searchPerformed"`
	SearchKeywords  string   `json:"searchKeywords,omitempty"`
	Sources         []Source `json:"sources,omitempty"`
	AnalysisReason  string   `json:"analysisReason,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Source is a reference used to produce an answer.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Suggestions is the result payload of a successful suggestion task.
type Suggestions struct {
	Suggestions []string `json:"suggestions"`
}

// ExtractAnswer decodes a task result into an Answer. ok is false when the
// result is not a well-formed answer (empty answer text, or not an object).
func ExtractAnswer(result json.RawMessage) (Answer, bool) {
	var a Answer
	if len(result) == 0 {
		return a, false
	}
	if err := json.Unmarshal(result, &a); err != nil {
		return Answer{}, false
	}
	if strings.TrimSpace(a.Answer) == "" {
		return Answer{}, false
	}
	return a, true
}
