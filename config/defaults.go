package config

import (
	"time"

	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/pipeline"
	"github.com/agentplexus/omnivoice-callagent/stt"
	"github.com/agentplexus/omnivoice-callagent/tts"
)

// Agent defaults.
const (
	DefaultPromptPreamble = "The AI is having a pleasant conversation about life"
	DefaultInitialMessage = "What up guys, its me - Mario!"
)

// DefaultConfig returns the default configuration. Credentials and BaseURL
// have no defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			OutboundRate:    1,
			OutboundBurst:   5,
			CORSOrigins:     []string{"*"},
		},
		Agent: agent.Config{
			PromptPreamble: DefaultPromptPreamble,
			InitialMessage: DefaultInitialMessage,
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   256,
		},
		Transcriber: TranscriberConfig{
			Provider:         TranscriberDeepgram,
			Endpointing:      stt.EndpointingPunctuation,
			EndpointDuration: stt.DefaultPunctuationCutoff,
			ChunkSize:        stt.DefaultWindowSize,
			SilenceThreshold: stt.DefaultSilenceThreshold,
		},
		Deepgram: DeepgramConfig{
			Model: "nova-2",
		},
		Google: GoogleConfig{
			LanguageCode: "en-US",
			Model:        "phone_call",
		},
		Synthesizer: SynthesizerConfig{
			Provider: SynthesizerAzure,
		},
		Azure: AzureConfig{
			Voice:    "en-US-AriaNeural",
			Language: "en-US",
			Rate:     tts.DefaultAzureRate,
		},
		Pipeline: pipeline.DefaultConfig(),
		Store: StoreConfig{
			Driver: StoreMemory,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				TTL:  time.Hour,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
