package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/audio"
	"github.com/agentplexus/omnivoice-callagent/stt"
)

// failWord makes the scripted transcriber return a recognition error.
const failWord = "<error>"

// scriptedTranscriber recognizes one word per burst of voiced audio.
type scriptedTranscriber struct {
	mu       sync.Mutex
	words    []string
	inSpeech bool
	opens    int
	closes   int
	sends    int
}

func (s *scriptedTranscriber) Name() string { return "scripted" }

func (s *scriptedTranscriber) Open(ctx context.Context, format audio.Format) (stt.Stream, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return &scriptedStream{t: s, results: make(chan stt.Result, 16)}, nil
}

func (s *scriptedTranscriber) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *scriptedTranscriber) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *scriptedTranscriber) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *scriptedTranscriber) next(payload []byte) (stt.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++

	voiced := len(payload) > 0 && payload[0] != audio.MulawSilence
	burst := voiced && !s.inSpeech
	s.inSpeech = voiced
	if !burst || len(s.words) == 0 {
		return stt.Result{}, false
	}

	word := s.words[0]
	s.words = s.words[1:]
	if word == failWord {
		return stt.Result{Err: errors.New("recognizer unavailable")}, true
	}
	return stt.Result{Text: word, IsFinal: true, Confidence: 0.9}, true
}

type scriptedStream struct {
	t       *scriptedTranscriber
	results chan stt.Result
	once    sync.Once
}

func (s *scriptedStream) Send(payload []byte) error {
	if r, ok := s.t.next(payload); ok {
		s.results <- r
	}
	return nil
}

func (s *scriptedStream) Results() <-chan stt.Result { return s.results }

func (s *scriptedStream) Close() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		s.t.closes++
		s.t.mu.Unlock()
		close(s.results)
	})
	return nil
}

// scriptedGenerator answers the last user message from a table.
type scriptedGenerator struct {
	replies map[string][]string

	// hold keeps the reply open after its chunks until it is cancelled.
	hold map[string]bool

	cancelled chan string
}

func newGenerator(replies map[string][]string) *scriptedGenerator {
	return &scriptedGenerator{
		replies:   replies,
		hold:      map[string]bool{},
		cancelled: make(chan string, 8),
	}
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, messages []agent.Message) (<-chan agent.Chunk, error) {
	last := messages[len(messages)-1].Text
	chunks, ok := g.replies[last]
	if !ok {
		return nil, fmt.Errorf("no reply for %q", last)
	}

	ch := make(chan agent.Chunk)
	go func() {
		defer close(ch)
		for _, text := range chunks {
			select {
			case ch <- agent.Chunk{Text: text}:
			case <-ctx.Done():
				g.cancelled <- last
				return
			}
		}
		if g.hold[last] {
			<-ctx.Done()
			g.cancelled <- last
		}
	}()
	return ch, nil
}

type voice struct {
	tag    byte
	frames int
}

// taggedSynthesizer renders each text as frames filled with its tag byte.
type taggedSynthesizer struct {
	voices map[string]voice
	fail   map[string]bool
}

func (s *taggedSynthesizer) Name() string { return "tagged" }

func (s *taggedSynthesizer) Synthesize(ctx context.Context, text string, format audio.Format) ([]byte, error) {
	if s.fail[text] {
		return nil, errors.New("voice unavailable")
	}
	v, ok := s.voices[text]
	if !ok {
		v = voice{tag: 0x7F, frames: 1}
	}
	return bytes.Repeat([]byte{v.tag}, v.frames*format.BytesFor(audio.DefaultFrameDuration)), nil
}

var errTransportClosed = errors.New("transport closed")

// fakeTransport records played frames by tag, and clears.
type fakeTransport struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
	log []string
}

func newTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan audio.Frame, 1024),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Frames() <-chan audio.Frame { return t.frames }

func (t *fakeTransport) Send(ctx context.Context, f audio.Frame) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	t.mu.Lock()
	t.log = append(t.log, fmt.Sprintf("%02x", f.Payload[0]))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Clear() error {
	t.mu.Lock()
	t.log = append(t.log, "clear")
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) hangup(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *fakeTransport) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.log))
	copy(out, t.log)
	return out
}

// Sent counts played frames carrying tag.
func (t *fakeTransport) Sent(tag byte) int {
	want := fmt.Sprintf("%02x", tag)
	n := 0
	for _, e := range t.Log() {
		if e == want {
			n++
		}
	}
	return n
}

// caller feeds 20ms μ-law frames into a transport.
type caller struct {
	tr  *fakeTransport
	seq uint64
}

func (c *caller) say(n int) {
	for range n {
		c.push(0x00)
	}
}

func (c *caller) pause(n int) {
	for range n {
		c.push(audio.MulawSilence)
	}
}

func (c *caller) push(b byte) {
	c.seq++
	ts := time.Duration(c.seq-1) * audio.DefaultFrameDuration
	c.tr.frames <- audio.NewFrame(c.seq, ts, bytes.Repeat([]byte{b}, 160), audio.Telephone)
}

type harness struct {
	coord  *Coordinator
	tr     *fakeTransport
	caller *caller
	stt    *scriptedTranscriber
	gen    *scriptedGenerator
	errc   chan error
}

type harnessConfig struct {
	words      []string
	gen        *scriptedGenerator
	synth      *taggedSynthesizer
	agent      agent.Config
	endpointAt time.Duration
	pacing     bool
}

func startHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	if hc.synth == nil {
		hc.synth = &taggedSynthesizer{}
	}
	if hc.agent.IsZero() {
		hc.agent = agent.Config{PromptPreamble: "The AI is having a pleasant conversation about life"}
	}
	if hc.endpointAt == 0 {
		hc.endpointAt = 100 * time.Millisecond
	}

	transcriber := &scriptedTranscriber{words: hc.words}
	factory := &Factory{
		Transcriber: transcriber,
		Transcription: stt.StageConfig{
			WindowSize:  160,
			Endpointing: stt.SilenceEndpointing{Duration: hc.endpointAt},
		},
		Generator:   hc.gen,
		Synthesizer: hc.synth,
		Config:      Config{QueueSize: 1024, Pacing: hc.pacing},
	}

	tr := newTransport()
	coord, err := factory.New(testCall(), hc.agent, tr)
	if err != nil {
		t.Fatalf("factory.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- coord.Run(ctx) }()
	t.Cleanup(func() {
		tr.hangup(nil)
		cancel()
	})

	return &harness{
		coord:  coord,
		tr:     tr,
		caller: &caller{tr: tr},
		stt:    transcriber,
		gen:    hc.gen,
		errc:   errc,
	}
}

// end hangs up and waits for Run to return.
func (h *harness) end(t *testing.T, err error) error {
	t.Helper()
	h.tr.hangup(err)
	select {
	case err := <-h.errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not stop")
		return nil
	}
}

func states(ts []Transition) []string {
	out := make([]string, len(ts))
	for i, tr := range ts {
		out[i] = string(tr.From) + ">" + string(tr.To)
	}
	return out
}
