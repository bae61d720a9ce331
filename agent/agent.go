// Package agent produces the spoken replies of a call.
//
// A Conversation keeps the per-call history and drives a Generator for each
// finalized utterance. Replies stream as text chunks and can be cancelled
// mid-stream when the caller barges in.
package agent

import (
	"context"
	"errors"
	"strings"
)

// ErrNoAgent is returned when a call has no agent configuration.
var ErrNoAgent = errors.New("no agent configured")

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Chunk is a piece of a streamed reply.
type Chunk struct {
	Text string
	Err  error
}

// Generator is a streaming language generation backend.
type Generator interface {
	// Name returns the backend name.
	Name() string

	// Generate streams a reply to messages. The channel is closed when the
	// reply is complete; a chunk with Err set ends it early.
	Generate(ctx context.Context, messages []Message) (<-chan Chunk, error)
}

// Config describes the agent for a call.
type Config struct {
	// PromptPreamble is the system prompt.
	PromptPreamble string `yaml:"prompt_preamble" json:"prompt_preamble" env:"AGENT_PROMPT_PREAMBLE"`

	// InitialMessage is spoken as soon as the call connects.
	InitialMessage string `yaml:"initial_message" json:"initial_message" env:"AGENT_INITIAL_MESSAGE"`
}

// IsZero reports whether no agent is configured.
func (c Config) IsZero() bool {
	return strings.TrimSpace(c.PromptPreamble) == "" && strings.TrimSpace(c.InitialMessage) == ""
}

// Validate returns ErrNoAgent for a zero config.
func (c Config) Validate() error {
	if c.IsZero() {
		return ErrNoAgent
	}
	return nil
}
