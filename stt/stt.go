// Package stt turns inbound call audio into endpointed utterances.
//
// A Stage buffers frames into recognition windows, streams them to a
// Transcriber and decides with an EndpointPolicy when the caller has finished
// speaking.
package stt

import (
	"context"
	"time"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

// Transcriber is a streaming speech recognition backend.
type Transcriber interface {
	// Name returns the backend name.
	Name() string

	// Open starts a recognition stream for audio in the given format.
	Open(ctx context.Context, format audio.Format) (Stream, error)
}

// Stream is one open recognition session with a backend.
type Stream interface {
	// Send writes raw audio to the backend.
	Send(payload []byte) error

	// Results returns recognition results. The channel is closed when the
	// backend ends the stream.
	Results() <-chan Result

	// Close ends the stream. Buffered results may still arrive afterwards.
	Close() error
}

// Result is a partial or final hypothesis from a backend.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// Err reports a recognition failure for the current window.
	Err error
}

// Utterance is a span of recognized speech.
type Utterance struct {
	Text    string
	Start   time.Duration
	End     time.Duration
	IsFinal bool
}

// Duration returns the span covered by the utterance.
func (u Utterance) Duration() time.Duration {
	return u.End - u.Start
}
