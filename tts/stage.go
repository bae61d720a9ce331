// Package tts turns reply text into outbound call audio.
//
// A Stage synthesizes text chunks in arrival order with a Synthesizer and
// cuts the audio into carrier-sized frames.
package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/omnivoice-callagent/audio"
	"github.com/agentplexus/omnivoice-callagent/internal/metrics"
)

// Synthesizer is a speech synthesis backend.
type Synthesizer interface {
	// Name returns the backend name.
	Name() string

	// Synthesize renders text as raw audio in format.
	Synthesize(ctx context.Context, text string, format audio.Format) ([]byte, error)
}

// Stage renders reply chunks as frames.
type Stage struct {
	synth    Synthesizer
	format   audio.Format
	frameDur time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// Option configures the Stage.
type Option func(*options)

type options struct {
	format   audio.Format
	frameDur time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// WithFormat sets the output format. The default is the telephone format.
func WithFormat(format audio.Format) Option {
	return func(o *options) {
		o.format = format
	}
}

// WithFrameDuration sets the frame size.
func WithFrameDuration(d time.Duration) Option {
	return func(o *options) {
		o.frameDur = d
	}
}

// WithLogger sets the stage logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// NewStage creates a synthesis Stage.
func NewStage(synth Synthesizer, opts ...Option) *Stage {
	cfg := &options{
		format:   audio.Telephone,
		frameDur: audio.DefaultFrameDuration,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.frameDur <= 0 {
		cfg.frameDur = audio.DefaultFrameDuration
	}

	return &Stage{
		synth:    synth,
		format:   cfg.format,
		frameDur: cfg.frameDur,
		logger:   cfg.logger.With(zap.String("component", "tts"), zap.String("synthesizer", synth.Name())),
		metrics:  cfg.metrics,
	}
}

// Format returns the output format.
func (s *Stage) Format() audio.Format { return s.format }

// Run synthesizes chunks until the channel closes, handing frames to emit in
// order. It stops between frames once ctx is cancelled and returns ctx.Err().
// A synthesis failure ends the run with an error.
func (s *Stage) Run(ctx context.Context, chunks <-chan string, emit func(audio.Frame) error) error {
	seq := uint64(1)
	var ts time.Duration

	for {
		var text string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok = <-chunks:
			if !ok {
				return nil
			}
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		start := time.Now()
		data, err := s.synth.Synthesize(ctx, text, s.format)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("synthesis failed", zap.Error(err), zap.Int("chars", len(text)))
			s.metrics.BackendError(metrics.StageSynthesis)
			return fmt.Errorf("failed to synthesize chunk: %w", err)
		}
		s.logger.Debug("chunk synthesized",
			zap.Int("chars", len(text)),
			zap.Int("bytes", len(data)),
			zap.Duration("took", time.Since(start)),
		)

		for _, f := range audio.Split(data, s.format, s.frameDur, seq, ts) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := emit(f); err != nil {
				return err
			}
			seq = f.Seq + 1
			ts = f.End()
		}
	}
}
