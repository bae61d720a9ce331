package stt

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/omnivoice-callagent/audio"
	"github.com/agentplexus/omnivoice-callagent/internal/metrics"
)

// Stage defaults.
const (
	DefaultWindowSize       = 1000
	DefaultSilenceThreshold = 500.0

	drainTimeout = 2 * time.Second
)

// StageConfig configures a transcription Stage.
type StageConfig struct {
	// Format of inbound frames.
	Format audio.Format

	// WindowSize is the number of payload bytes buffered before audio is
	// sent to the backend.
	WindowSize int

	// SilenceThreshold is the RMS energy below which a frame counts as
	// silence.
	SilenceThreshold float64

	// Endpointing decides when an utterance is final.
	Endpointing EndpointPolicy
}

// Stage runs transcription sessions against a Transcriber.
type Stage struct {
	transcriber Transcriber
	cfg         StageConfig
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithLogger sets the stage logger.
func WithLogger(logger *zap.Logger) StageOption {
	return func(s *Stage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) StageOption {
	return func(s *Stage) {
		s.metrics = c
	}
}

// NewStage creates a Stage. Zero config fields take their defaults.
func NewStage(t Transcriber, cfg StageConfig, opts ...StageOption) *Stage {
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.Telephone
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.Endpointing == nil {
		cfg.Endpointing = PunctuationEndpointing{TimeCutoff: DefaultPunctuationCutoff}
	}

	s := &Stage{
		transcriber: t,
		cfg:         cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "stt"), zap.String("transcriber", t.Name()))
	return s
}

// Run starts a transcription session over frames. Each call is independent.
// The returned channel carries interim and final utterances in order and is
// closed once frames is closed and the backend has drained, or ctx ends.
func (s *Stage) Run(ctx context.Context, frames <-chan audio.Frame) <-chan Utterance {
	out := make(chan Utterance, 16)
	sess := &session{stage: s, out: out}
	go sess.run(ctx, frames)
	return out
}

// session is the state of one Run. It is owned by its goroutine.
type session struct {
	stage *Stage
	out   chan<- Utterance

	window      []audio.Frame
	windowBytes int
	flushedSeq  uint64

	stream  Stream
	results <-chan Result

	segments     []string
	interim      string
	backendFinal bool

	speaking    bool
	speechStart time.Duration
	lastVoiced  time.Duration
	position    time.Duration
	lastEnd     time.Duration
}

func (s *session) run(ctx context.Context, frames <-chan audio.Frame) {
	defer close(s.out)
	defer s.closeStream()

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-frames:
			if !ok {
				s.finish(ctx)
				return
			}
			s.add(ctx, f)

		case r, ok := <-s.results:
			if !ok {
				s.closeStream()
				continue
			}
			s.handle(ctx, r)
			s.endpoint(ctx)
		}
	}
}

func (s *session) add(ctx context.Context, f audio.Frame) {
	if s.flushedSeq > 0 && f.Seq <= s.flushedSeq {
		s.stage.metrics.DroppedFrame("stale")
		return
	}
	s.window = append(s.window, f)
	s.windowBytes += len(f.Payload)
	if s.windowBytes >= s.stage.cfg.WindowSize {
		s.flush(ctx)
	}
}

// flush sends the buffered window to the backend in sequence order.
func (s *session) flush(ctx context.Context) {
	if len(s.window) == 0 {
		return
	}
	slices.SortStableFunc(s.window, func(a, b audio.Frame) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	payload := make([]byte, 0, s.windowBytes)
	for _, f := range s.window {
		if s.flushedSeq > 0 && f.Seq <= s.flushedSeq {
			s.stage.metrics.DroppedFrame("duplicate")
			continue
		}
		s.flushedSeq = f.Seq
		payload = append(payload, f.Payload...)

		if audio.Energy(f) >= s.stage.cfg.SilenceThreshold {
			if !s.speaking {
				s.speaking = true
				s.speechStart = f.Timestamp
			}
			s.lastVoiced = f.End()
		}
		s.position = max(s.position, f.End())
	}
	s.window = s.window[:0]
	s.windowBytes = 0

	if len(payload) == 0 {
		return
	}

	if s.stream == nil {
		stream, err := s.stage.transcriber.Open(ctx, s.stage.cfg.Format)
		if err != nil {
			s.fail(err)
			return
		}
		s.stream = stream
		s.results = stream.Results()
	}

	if err := s.stream.Send(payload); err != nil {
		s.fail(err)
		return
	}

	s.drain(ctx)
	s.endpoint(ctx)
}

// drain handles results that are already available without blocking.
func (s *session) drain(ctx context.Context) {
	for s.results != nil {
		select {
		case r, ok := <-s.results:
			if !ok {
				s.closeStream()
				return
			}
			s.handle(ctx, r)
		default:
			return
		}
	}
}

func (s *session) handle(ctx context.Context, r Result) {
	if r.Err != nil {
		s.fail(r.Err)
		return
	}
	text := strings.TrimSpace(r.Text)
	if r.IsFinal {
		if text != "" {
			s.segments = append(s.segments, text)
		}
		s.interim = ""
		s.backendFinal = true
		return
	}
	if text == "" || text == s.interim {
		return
	}
	s.interim = text
	s.backendFinal = false
	s.emit(ctx, Utterance{
		Text:  s.pending(),
		Start: s.start(),
		End:   max(s.position, s.start()),
	})
}

// endpoint finalizes the pending utterance when the policy allows it.
func (s *session) endpoint(ctx context.Context) {
	text := s.pending()
	if text == "" {
		return
	}
	state := EndpointState{
		Text:         text,
		BackendFinal: s.backendFinal && s.interim == "",
		Silence:      s.silence(),
	}
	if !s.stage.cfg.Endpointing.Endpoint(state) {
		return
	}
	s.finalize(ctx, text)
}

func (s *session) finalize(ctx context.Context, text string) {
	start := s.start()
	end := s.position
	if s.speaking {
		end = s.lastVoiced
	}
	end = max(end, start)

	s.emit(ctx, Utterance{Text: text, Start: start, End: end, IsFinal: true})
	s.lastEnd = end
	s.reset()
}

// finish flushes what is left once the input closes.
func (s *session) finish(ctx context.Context) {
	s.flush(ctx)
	if s.stream != nil {
		_ = s.stream.Close()
		results := s.results
		s.stream, s.results = nil, nil

		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
	wait:
		for {
			select {
			case r, ok := <-results:
				if !ok {
					break wait
				}
				s.handle(ctx, r)
			case <-timer.C:
				break wait
			case <-ctx.Done():
				return
			}
		}
	}
	if text := s.pending(); text != "" {
		s.finalize(ctx, text)
	}
}

// fail drops the pending text and the stream after a backend failure.
func (s *session) fail(err error) {
	s.stage.logger.Warn("recognition failed, dropping window",
		zap.Error(err),
		zap.Uint64("seq", s.flushedSeq),
	)
	s.stage.metrics.BackendError(metrics.StageTranscription)
	s.closeStream()
	s.reset()
}

func (s *session) closeStream() {
	if s.stream == nil {
		return
	}
	_ = s.stream.Close()
	s.stream, s.results = nil, nil
}

func (s *session) reset() {
	s.segments = nil
	s.interim = ""
	s.backendFinal = false
	s.speaking = false
}

func (s *session) pending() string {
	parts := s.segments
	if s.interim != "" {
		parts = append(slices.Clip(parts), s.interim)
	}
	return strings.Join(parts, " ")
}

func (s *session) start() time.Duration {
	start := s.lastEnd
	if s.speaking {
		start = max(s.speechStart, s.lastEnd)
	}
	return start
}

func (s *session) silence() time.Duration {
	if !s.speaking && s.lastVoiced < s.lastEnd {
		return s.position - s.lastEnd
	}
	return s.position - s.lastVoiced
}

func (s *session) emit(ctx context.Context, u Utterance) {
	select {
	case s.out <- u:
	case <-ctx.Done():
	}
}
