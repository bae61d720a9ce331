package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentplexus/omnivoice-callagent/stt"
)

// Conversation is the agent side of one call. History only grows with
// finalized utterances and replies that were delivered in full.
type Conversation struct {
	gen    Generator
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	history []Message
	nextID  atomic.Uint64
}

// NewConversation creates a conversation for cfg.
func NewConversation(gen Generator, cfg Config, logger *zap.Logger) (*Conversation, error) {
	if gen == nil {
		return nil, errors.New("agent generator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversation{
		gen:    gen,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "agent"), zap.String("generator", gen.Name())),
	}, nil
}

// Greeting returns the initial message as a ready-made reply, or nil when
// the agent has none.
func (c *Conversation) Greeting() *Reply {
	if c.cfg.InitialMessage == "" {
		return nil
	}
	r := newReply(c.nextID.Add(1), func() {})
	r.chunks <- c.cfg.InitialMessage
	r.parts = append(r.parts, c.cfg.InitialMessage)
	r.complete = true
	close(r.chunks)
	close(r.done)
	return r
}

// Respond records the finalized utterance and starts streaming a reply.
// The reply stops when ctx ends or Cancel is called.
func (c *Conversation) Respond(ctx context.Context, u stt.Utterance) *Reply {
	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleUser, Text: u.Text})
	messages := c.promptLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r := newReply(c.nextID.Add(1), cancel)
	c.logger.Debug("generating reply", zap.Uint64("reply_id", r.ID), zap.Int("messages", len(messages)))
	go r.stream(ctx, c.gen, messages, c.logger)
	return r
}

// Commit appends the reply to the history if it completed and was not
// cancelled. It reports whether the reply was recorded.
func (c *Conversation) Commit(r *Reply) bool {
	if r == nil || !r.Complete() || r.Cancelled() {
		return false
	}
	text := r.Text()
	if text == "" {
		return false
	}
	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleAssistant, Text: text})
	c.mu.Unlock()
	return true
}

// History returns a copy of the conversation so far, without the preamble.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Conversation) promptLocked() []Message {
	messages := make([]Message, 0, len(c.history)+1)
	if c.cfg.PromptPreamble != "" {
		messages = append(messages, Message{Role: RoleSystem, Text: c.cfg.PromptPreamble})
	}
	return append(messages, c.history...)
}

// Reply is a streamed agent reply.
type Reply struct {
	ID uint64

	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	parts     []string
	complete  bool
	cancelled bool
	err       error
}

func newReply(id uint64, cancel context.CancelFunc) *Reply {
	return &Reply{
		ID:     id,
		chunks: make(chan string, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Chunks returns the reply text in order. It is closed when generation ends.
func (r *Reply) Chunks() <-chan string { return r.chunks }

// Done is closed once generation has ended for any reason.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Cancel stops generation. Chunks already received stay valid, but the reply
// is never committed to the history.
func (r *Reply) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

// Cancelled reports whether the reply was cancelled.
func (r *Reply) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Complete reports whether generation finished without error.
func (r *Reply) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

// Err returns the generation error, if any.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Text returns the chunks emitted so far, joined.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return joinChunks(r.parts)
}

func (r *Reply) stream(ctx context.Context, gen Generator, messages []Message, logger *zap.Logger) {
	defer close(r.done)
	defer close(r.chunks)

	ch, err := gen.Generate(ctx, messages)
	if err != nil {
		r.finish(ctx, fmt.Errorf("failed to generate reply: %w", err), logger)
		return
	}

	for {
		select {
		case <-ctx.Done():
			r.finish(ctx, ctx.Err(), logger)
			return
		case c, ok := <-ch:
			if !ok {
				r.finish(ctx, nil, logger)
				return
			}
			if c.Err != nil {
				r.finish(ctx, c.Err, logger)
				return
			}
			if c.Text == "" {
				continue
			}
			if ctx.Err() != nil {
				r.finish(ctx, ctx.Err(), logger)
				return
			}

			r.mu.Lock()
			r.parts = append(r.parts, c.Text)
			r.mu.Unlock()

			select {
			case r.chunks <- c.Text:
			case <-ctx.Done():
				r.finish(ctx, ctx.Err(), logger)
				return
			}
		}
	}
}

func (r *Reply) finish(ctx context.Context, err error, logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == nil:
		r.complete = true
	case ctx.Err() != nil:
		r.cancelled = true
	default:
		r.err = err
		logger.Warn("reply generation failed", zap.Uint64("reply_id", r.ID), zap.Error(err))
	}
}

func joinChunks(parts []string) string {
	var n int
	for _, p := range parts {
		n += len(p) + 1
	}
	buf := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 && !endsWithSpace(buf) && !startsWithSpace(p) {
			buf = append(buf, ' ')
		}
		buf = append(buf, p...)
	}
	return string(buf)
}

func endsWithSpace(b []byte) bool {
	return len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\n')
}

func startsWithSpace(s string) bool {
	return len(s) > 0 && (s[0] == ' ' || s[0] == '\n')
}
