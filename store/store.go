// Package store keeps the configuration of calls between the moment a call is
// placed or answered and the moment its media stream connects.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice-callagent/agent"
)

// ErrNotFound is returned when no configuration exists for a conversation.
var ErrNotFound = errors.New("call config not found")

// CallConfig is what the media stream handler needs to start a pipeline.
type CallConfig struct {
	ConversationID string       `json:"conversation_id"`
	CallID         string       `json:"call_id,omitempty"`
	Direction      string       `json:"direction"`
	From           string       `json:"from"`
	To             string       `json:"to"`
	Agent          agent.Config `json:"agent"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Store persists call configurations by conversation id.
type Store interface {
	Save(ctx context.Context, cfg *CallConfig) error
	Get(ctx context.Context, conversationID string) (*CallConfig, error)
	Delete(ctx context.Context, conversationID string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	configs map[string]CallConfig
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{configs: make(map[string]CallConfig)}
}

// Save stores a copy of cfg.
func (m *Memory) Save(_ context.Context, cfg *CallConfig) error {
	if cfg == nil || cfg.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	m.mu.Lock()
	m.configs[cfg.ConversationID] = *cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the stored config.
func (m *Memory) Get(_ context.Context, conversationID string) (*CallConfig, error) {
	m.mu.RLock()
	cfg, ok := m.configs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

// Delete removes the config. Deleting a missing id is not an error.
func (m *Memory) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	delete(m.configs, conversationID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored configs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.configs)
}
