package stt

import (
	"fmt"
	"strings"
	"time"
)

// Endpointing policy names accepted by NewEndpointing.
const (
	EndpointingPunctuation = "punctuation"
	EndpointingSilence     = "silence"
)

// DefaultPunctuationCutoff is the silence fallback for PunctuationEndpointing.
const DefaultPunctuationCutoff = 400 * time.Millisecond

// EndpointState is what the stage knows about the pending utterance.
type EndpointState struct {
	// Text is the pending transcript.
	Text string

	// BackendFinal reports whether the backend marked the latest result final.
	BackendFinal bool

	// Silence is the audio time since the last voiced frame.
	Silence time.Duration
}

// EndpointPolicy decides when a pending utterance is final.
type EndpointPolicy interface {
	Endpoint(state EndpointState) bool
}

// SilenceEndpointing finalizes once the caller has been silent for Duration.
type SilenceEndpointing struct {
	Duration time.Duration
}

// Endpoint implements EndpointPolicy.
func (p SilenceEndpointing) Endpoint(s EndpointState) bool {
	return s.Text != "" && s.Silence >= p.Duration
}

// PunctuationEndpointing finalizes when the backend returns a final result
// ending a sentence, or after TimeCutoff of silence.
type PunctuationEndpointing struct {
	TimeCutoff time.Duration
}

// Endpoint implements EndpointPolicy.
func (p PunctuationEndpointing) Endpoint(s EndpointState) bool {
	if s.Text == "" {
		return false
	}
	if s.BackendFinal && endsSentence(s.Text) {
		return true
	}
	cutoff := p.TimeCutoff
	if cutoff <= 0 {
		cutoff = DefaultPunctuationCutoff
	}
	return s.Silence >= cutoff
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// NewEndpointing returns the policy registered under name.
func NewEndpointing(name string, d time.Duration) (EndpointPolicy, error) {
	switch name {
	case EndpointingPunctuation, "":
		return PunctuationEndpointing{TimeCutoff: d}, nil
	case EndpointingSilence:
		if d <= 0 {
			return nil, fmt.Errorf("silence endpointing requires a positive duration")
		}
		return SilenceEndpointing{Duration: d}, nil
	default:
		return nil, fmt.Errorf("unknown endpointing policy %q", name)
	}
}
