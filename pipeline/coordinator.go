package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/audio"
	"github.com/agentplexus/omnivoice-callagent/callsystem"
	"github.com/agentplexus/omnivoice-callagent/internal/metrics"
	"github.com/agentplexus/omnivoice-callagent/stt"
	"github.com/agentplexus/omnivoice-callagent/tts"
)

// Coordinator drives the conversation of one call.
type Coordinator struct {
	call    *callsystem.Call
	conv    *agent.Conversation
	stt     *stt.Stage
	tts     *tts.Stage
	tr      Transport
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	events   chan event
	playback chan cue

	// current is the reply allowed to reach the transport, 0 for none. It
	// only changes with playMu held.
	playMu  sync.Mutex
	current atomic.Uint64

	ran atomic.Bool

	mu          sync.RWMutex
	state       State
	transitions []Transition
}

// turn is a reply in flight.
type turn struct {
	id       uint64
	reply    *agent.Reply
	greeting bool
	since    time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// pipelineContext is the loop's view of the call. Only the Run goroutine
// touches it.
type pipelineContext struct {
	inflight *turn
	bargeIns int
}

type eventKind int

const (
	eventFirstChunk eventKind = iota
	eventDelivered
)

type event struct {
	kind eventKind
	turn uint64
	err  error
}

// cue is a frame of a reply on its way to the player. The last cue of a
// reply carries no frame.
type cue struct {
	turn  uint64
	frame audio.Frame
	since time.Time
	last  bool
	err   error
}

// Call returns the call the coordinator runs.
func (c *Coordinator) Call() *callsystem.Call {
	return c.call
}

// Conversation returns the agent conversation.
func (c *Coordinator) Conversation() *agent.Conversation {
	return c.conv
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transitions returns the state log in order.
func (c *Coordinator) Transitions() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Transition, len(c.transitions))
	copy(out, c.transitions)
	return out
}

// Run drives the call until the transport ends or ctx is cancelled. It
// returns the transport error, if any. A coordinator runs once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.New("coordinator already ran")
	}
	parent := ctx

	direction := string(c.call.Direction())
	c.metrics.CallStarted(direction)
	defer c.metrics.CallEnded(direction)
	c.call.SetStatus(callsystem.StatusActive)
	c.logger.Info("conversation started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	sttIn := make(chan audio.Frame, c.cfg.QueueSize)
	utterances := c.stt.Run(gctx, sttIn)
	g.Go(func() error { return c.play(gctx) })

	pc := &pipelineContext{}
	if greeting := c.conv.Greeting(); greeting != nil {
		c.startTurn(gctx, g, pc, greeting, true, time.Time{})
	}

	err := c.loop(gctx, g, pc, sttIn, utterances)

	if pc.inflight != nil {
		c.cancelTurn(pc)
	}
	close(sttIn)
	reason := "hangup"
	if err != nil {
		reason = "transport error"
	}
	c.setState(StateEnded, reason)
	c.call.SetStatus(callsystem.StatusEnded)

	cancel()
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	// The transcription session closes its channel after its stream.
	for range utterances {
	}
	if err == nil {
		err = parent.Err()
	}

	fields := []zap.Field{
		zap.Duration("duration", c.call.Duration()),
		zap.Int("messages", len(c.conv.History())),
		zap.Int("barge_ins", pc.bargeIns),
	}
	if err != nil {
		c.logger.Warn("conversation ended", append(fields, zap.Error(err))...)
	} else {
		c.logger.Info("conversation ended", fields...)
	}
	return err
}

func (c *Coordinator) loop(ctx context.Context, g *errgroup.Group, pc *pipelineContext, sttIn chan<- audio.Frame, utterances <-chan stt.Utterance) error {
	frames := c.tr.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.tr.Done():
			return c.tr.Err()

		case f, ok := <-frames:
			if !ok {
				return c.tr.Err()
			}
			c.onFrame(f, sttIn)

		case u, ok := <-utterances:
			if !ok {
				utterances = nil
				continue
			}
			c.onUtterance(ctx, g, pc, u)

		case ev := <-c.events:
			c.onEvent(pc, ev)
		}
	}
}

func (c *Coordinator) onFrame(f audio.Frame, sttIn chan<- audio.Frame) {
	if c.State() == StateIdle {
		c.setState(StateListening, "first frame")
	}
	select {
	case sttIn <- f:
	default:
		c.metrics.DroppedFrame("backpressure")
		c.logger.Debug("transcription queue full, dropping frame", zap.Uint64("seq", f.Seq))
	}
}

// onUtterance answers a final utterance. The newest utterance always wins:
// a reply still in flight is cancelled first.
func (c *Coordinator) onUtterance(ctx context.Context, g *errgroup.Group, pc *pipelineContext, u stt.Utterance) {
	if !u.IsFinal || strings.TrimSpace(u.Text) == "" {
		return
	}

	reason := "utterance"
	if pc.inflight != nil {
		c.logger.Info("barge-in",
			zap.Uint64("reply_id", pc.inflight.id),
			zap.String("state", string(c.State())),
		)
		c.cancelTurn(pc)
		if err := c.tr.Clear(); err != nil {
			c.logger.Warn("failed to clear playback", zap.Error(err))
		}
		pc.bargeIns++
		c.metrics.BargeIn()
		reason = "barge-in"
	}

	c.logger.Debug("utterance finalized",
		zap.String("text", u.Text),
		zap.Duration("start", u.Start),
		zap.Duration("end", u.End),
	)
	reply := c.conv.Respond(ctx, u)
	c.startTurn(ctx, g, pc, reply, false, time.Now())
	c.setState(StateThinking, reason)
}

func (c *Coordinator) onEvent(pc *pipelineContext, ev event) {
	t := pc.inflight
	if t == nil || t.id != ev.turn {
		return
	}

	switch ev.kind {
	case eventFirstChunk:
		if !t.greeting && c.State() == StateThinking {
			c.setState(StateSpeaking, "first chunk")
		}

	case eventDelivered:
		pc.inflight = nil
		c.playMu.Lock()
		c.current.CompareAndSwap(t.id, 0)
		c.playMu.Unlock()

		reason := "reply delivered"
		if ev.err != nil {
			reason = "reply failed"
		} else {
			c.conv.Commit(t.reply)
		}
		if !t.greeting {
			c.setState(StateListening, reason)
		}
	}
}

func (c *Coordinator) startTurn(ctx context.Context, g *errgroup.Group, pc *pipelineContext, reply *agent.Reply, greeting bool, since time.Time) {
	tctx, cancel := context.WithCancel(ctx)
	t := &turn{
		id:       reply.ID,
		reply:    reply,
		greeting: greeting,
		since:    since,
		ctx:      tctx,
		cancel:   cancel,
	}
	pc.inflight = t

	c.playMu.Lock()
	c.current.Store(t.id)
	c.playMu.Unlock()

	g.Go(func() error {
		c.speak(t)
		return nil
	})
}

// cancelTurn cancels the reply in flight. Once it returns no frame of that
// reply reaches the transport.
func (c *Coordinator) cancelTurn(pc *pipelineContext) {
	t := pc.inflight
	pc.inflight = nil

	t.reply.Cancel()
	t.cancel()

	c.playMu.Lock()
	c.current.Store(0)
	c.playMu.Unlock()
}

// speak synthesizes a reply into the playback queue.
func (c *Coordinator) speak(t *turn) {
	defer t.cancel()

	chunks := make(chan string)
	go func() {
		defer close(chunks)
		first := true
		for text := range t.reply.Chunks() {
			if first {
				first = false
				c.notify(t.ctx, event{kind: eventFirstChunk, turn: t.id})
			}
			select {
			case chunks <- text:
			case <-t.ctx.Done():
				return
			}
		}
	}()

	err := c.tts.Run(t.ctx, chunks, func(f audio.Frame) error {
		select {
		case c.playback <- cue{turn: t.id, frame: f, since: t.since}:
			return nil
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
	})
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		t.reply.Cancel()
	} else if rerr := t.reply.Err(); rerr != nil {
		err = rerr
		c.metrics.BackendError(metrics.StageAgent)
	}

	select {
	case c.playback <- cue{turn: t.id, last: true, err: err}:
	case <-t.ctx.Done():
	}
}

// play delivers frames of the current reply to the transport in order and
// drops frames of cancelled replies.
func (c *Coordinator) play(ctx context.Context) error {
	var (
		playing uint64
		clock   time.Time
		ahead   time.Duration
	)

	for {
		var q cue
		select {
		case <-ctx.Done():
			return nil
		case q = <-c.playback:
		}

		if q.turn != c.current.Load() {
			if !q.last {
				c.metrics.DroppedFrame("cancelled")
			}
			continue
		}
		if q.last {
			c.notify(ctx, event{kind: eventDelivered, turn: q.turn, err: q.err})
			continue
		}

		if q.turn != playing {
			playing = q.turn
			clock = time.Now()
			ahead = 0
			if !q.since.IsZero() {
				c.metrics.ReplyLatency(time.Since(q.since))
			}
		}
		if c.cfg.Pacing {
			if d := time.Until(clock.Add(ahead - pacingLead)); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		}
		ahead += q.frame.Duration()

		c.playMu.Lock()
		if q.turn != c.current.Load() {
			c.playMu.Unlock()
			c.metrics.DroppedFrame("cancelled")
			continue
		}
		err := c.tr.Send(ctx, q.frame)
		c.playMu.Unlock()

		if err != nil {
			select {
			case <-c.tr.Done():
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.BackendError(metrics.StageTransport)
			return fmt.Errorf("failed to play frame: %w", err)
		}
	}
}

func (c *Coordinator) notify(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Coordinator) setState(to State, reason string) {
	c.mu.Lock()
	from := c.state
	if from == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.transitions = append(c.transitions, Transition{From: from, To: to, Reason: reason, At: time.Now()})
	c.mu.Unlock()

	c.metrics.StateTransition(string(from), string(to))
	c.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
}
