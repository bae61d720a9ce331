// Package pipeline runs the spoken conversation of a call: caller audio is
// transcribed, finalized utterances are answered by the agent, and replies
// are synthesized and played back, with barge-in when the caller talks over
// a reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/audio"
	"github.com/agentplexus/omnivoice-callagent/callsystem"
	"github.com/agentplexus/omnivoice-callagent/internal/metrics"
	"github.com/agentplexus/omnivoice-callagent/stt"
	"github.com/agentplexus/omnivoice-callagent/tts"
)

// ErrMissingBackend is returned when a Factory lacks a stage backend.
var ErrMissingBackend = errors.New("pipeline backend missing")

// State is a conversation state of a call.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateEnded     State = "ended"
)

// Transition is one entry of the state log.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Transport carries the audio of one call.
type Transport interface {
	// Frames returns the caller's audio. It is closed when the call ends.
	Frames() <-chan audio.Frame

	// Send plays a frame to the caller.
	Send(ctx context.Context, f audio.Frame) error

	// Clear drops audio queued for playback but not yet heard.
	Clear() error

	// Done is closed when the call ends.
	Done() <-chan struct{}

	// Err returns why the transport ended, or nil for a normal hangup.
	Err() error
}

// Defaults for Config.
const (
	DefaultQueueSize = 64
	pacingLead       = 100 * time.Millisecond
)

// Config tunes a coordinator.
type Config struct {
	// QueueSize bounds the frames waiting for transcription. Frames beyond
	// it are dropped.
	QueueSize int `yaml:"queue_size" env:"PIPELINE_QUEUE_SIZE"`

	// Pacing sends reply audio no faster than real time, so that a
	// barge-in can still clear most of it.
	Pacing bool `yaml:"pacing" env:"PIPELINE_PACING"`

	// FrameDuration is the size of synthesized frames.
	FrameDuration time.Duration `yaml:"frame_duration" env:"PIPELINE_FRAME_DURATION"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     DefaultQueueSize,
		Pacing:        true,
		FrameDuration: audio.DefaultFrameDuration,
	}
}

// Factory builds one coordinator per call from shared backends.
type Factory struct {
	Transcriber   stt.Transcriber
	Transcription stt.StageConfig
	Generator     agent.Generator
	Synthesizer   tts.Synthesizer
	Config        Config
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

// Validate checks that every backend is set.
func (f *Factory) Validate() error {
	switch {
	case f.Transcriber == nil:
		return fmt.Errorf("%w: transcriber", ErrMissingBackend)
	case f.Generator == nil:
		return fmt.Errorf("%w: agent generator", ErrMissingBackend)
	case f.Synthesizer == nil:
		return fmt.Errorf("%w: synthesizer", ErrMissingBackend)
	}
	return nil
}

// New creates a coordinator for call, talking to the caller over tr with an
// agent configured by agentCfg.
func (f *Factory) New(call *callsystem.Call, agentCfg agent.Config, tr Transport) (*Coordinator, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if call == nil {
		return nil, errors.New("call is required")
	}
	if tr == nil {
		return nil, errors.New("transport is required")
	}

	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("call_id", call.ID()),
		zap.String("conversation_id", call.ConversationID()),
	)

	conv, err := agent.NewConversation(f.Generator, agentCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	cfg := f.Config
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}

	sttCfg := f.Transcription
	sttCfg.Format = audio.Telephone

	return &Coordinator{
		call: call,
		conv: conv,
		stt:  stt.NewStage(f.Transcriber, sttCfg, stt.WithLogger(logger), stt.WithMetrics(f.Metrics)),
		tts: tts.NewStage(f.Synthesizer,
			tts.WithFormat(audio.Telephone),
			tts.WithFrameDuration(cfg.FrameDuration),
			tts.WithLogger(logger),
			tts.WithMetrics(f.Metrics),
		),
		tr:       tr,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "pipeline")),
		metrics:  f.Metrics,
		events:   make(chan event, 16),
		playback: make(chan cue, 64),
		state:    StateIdle,
	}, nil
}
