package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI defaults.
const (
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultOpenAITemperature = 0.7
	DefaultOpenAIMaxTokens   = 256
)

// OpenAIConfig configures the OpenAI chat generator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAI generates replies with streaming chat completions.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

var _ Generator = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI generator.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultOpenAITemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultOpenAIMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "openai"), zap.String("model", cfg.Model)),
	}, nil
}

// Name returns the generator name.
func (o *OpenAI) Name() string { return "openai" }

// Generate streams a chat completion, grouped into sentences.
func (o *OpenAI) Generate(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    toChatMessages(messages),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		Stream:      true,
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to start chat completion: %w", err)
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var pending strings.Builder
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if rest := strings.TrimSpace(pending.String()); rest != "" {
					send(Chunk{Text: rest})
				}
				return
			}
			if err != nil {
				send(Chunk{Err: fmt.Errorf("chat completion stream failed: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			pending.WriteString(resp.Choices[0].Delta.Content)

			for {
				sentence, rest, ok := cutSentence(pending.String())
				if !ok {
					break
				}
				pending.Reset()
				pending.WriteString(rest)
				if !send(Chunk{Text: sentence}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func toChatMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return out
}

// cutSentence splits off the first complete sentence of s. A sentence ends
// at '.', '!' or '?' followed by whitespace, or at a newline.
func cutSentence(s string) (sentence, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			if sentence = strings.TrimSpace(s[:i]); sentence != "" {
				return sentence, s[i+1:], true
			}
		case '.', '!', '?':
			if i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '\n') {
				return strings.TrimSpace(s[:i+1]), s[i+1:], true
			}
		}
	}
	return "", s, false
}
