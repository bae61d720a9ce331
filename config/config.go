// Package config loads the call agent configuration.
//
// Values are resolved in order: defaults, an optional YAML file, a .env file
// and finally the process environment.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("callagent.yaml").
//	    Load()
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/pipeline"
	"github.com/agentplexus/omnivoice-callagent/stt"
)

// ErrInvalid is returned when the configuration cannot run the service.
var ErrInvalid = errors.New("invalid configuration")

// Vendor names.
const (
	TranscriberDeepgram   = "deepgram"
	TranscriberGoogle     = "google"
	SynthesizerAzure      = "azure"
	SynthesizerElevenLabs = "elevenlabs"
	StoreMemory           = "memory"
	StoreRedis            = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`

	// BaseURL is the public host Twilio reaches the service on.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	Twilio      TwilioConfig      `yaml:"twilio"`
	Agent       agent.Config      `yaml:"agent"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Deepgram    DeepgramConfig    `yaml:"deepgram"`
	Google      GoogleConfig      `yaml:"google"`
	Synthesizer SynthesizerConfig `yaml:"synthesizer"`
	Azure       AzureConfig       `yaml:"azure"`
	ElevenLabs  ElevenLabsConfig  `yaml:"elevenlabs"`
	Pipeline    pipeline.Config   `yaml:"pipeline"`
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`

	// OutboundRate limits POST /start_outbound_call, in calls per second.
	OutboundRate  float64 `yaml:"outbound_rate" env:"OUTBOUND_RATE_LIMIT"`
	OutboundBurst int     `yaml:"outbound_burst" env:"OUTBOUND_RATE_BURST"`

	// CORSOrigins lists origins allowed to call the API from a browser. "*"
	// allows any origin; empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// TwilioConfig configures the carrier account.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid" env:"TWILIO_ACCOUNT_SID"`
	AuthToken   string `yaml:"auth_token" env:"TWILIO_AUTH_TOKEN"`
	PhoneNumber string `yaml:"phone_number" env:"OUTBOUND_CALLER_NUMBER"`
	APIBaseURL  string `yaml:"api_base_url" env:"TWILIO_API_BASE_URL"`

	ValidateSignatures bool `yaml:"validate_signatures" env:"TWILIO_VALIDATE_SIGNATURES"`
	VerifyCallerNumber bool `yaml:"verify_caller_number" env:"TWILIO_VERIFY_CALLER_NUMBER"`
}

// OpenAIConfig configures the chat completion backend.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL     string  `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Model       string  `yaml:"model" env:"OPENAI_MODEL"`
	Temperature float32 `yaml:"temperature" env:"OPENAI_TEMPERATURE"`
	MaxTokens   int     `yaml:"max_tokens" env:"OPENAI_MAX_TOKENS"`
}

// TranscriberConfig selects and tunes the transcription stage.
type TranscriberConfig struct {
	Provider string `yaml:"provider" env:"TRANSCRIBER"`

	// Endpointing is "punctuation" or "silence".
	Endpointing      string        `yaml:"endpointing" env:"TRANSCRIBER_ENDPOINTING"`
	EndpointDuration time.Duration `yaml:"endpoint_duration" env:"TRANSCRIBER_ENDPOINT_DURATION"`

	ChunkSize        int     `yaml:"chunk_size" env:"TRANSCRIBER_CHUNK_SIZE"`
	SilenceThreshold float64 `yaml:"silence_threshold" env:"TRANSCRIBER_SILENCE_THRESHOLD"`
}

// StageConfig returns the transcription stage settings.
func (t TranscriberConfig) StageConfig() (stt.StageConfig, error) {
	policy, err := stt.NewEndpointing(t.Endpointing, t.EndpointDuration)
	if err != nil {
		return stt.StageConfig{}, err
	}
	return stt.StageConfig{
		WindowSize:       t.ChunkSize,
		SilenceThreshold: t.SilenceThreshold,
		Endpointing:      policy,
	}, nil
}

// DeepgramConfig configures Deepgram live transcription.
type DeepgramConfig struct {
	APIKey   string `yaml:"api_key" env:"DEEPGRAM_API_KEY"`
	Model    string `yaml:"model" env:"DEEPGRAM_MODEL"`
	Language string `yaml:"language" env:"DEEPGRAM_LANGUAGE"`
	BaseURL  string `yaml:"base_url" env:"DEEPGRAM_BASE_URL"`
}

// GoogleConfig configures Google Cloud Speech-to-Text.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	LanguageCode    string `yaml:"language_code" env:"GOOGLE_SPEECH_LANGUAGE"`
	Model           string `yaml:"model" env:"GOOGLE_SPEECH_MODEL"`
}

// SynthesizerConfig selects the synthesis backend.
type SynthesizerConfig struct {
	Provider string `yaml:"provider" env:"SYNTHESIZER"`
}

// AzureConfig configures Azure neural text to speech.
type AzureConfig struct {
	Key      string `yaml:"key" env:"AZURE_SPEECH_KEY"`
	Region   string `yaml:"region" env:"AZURE_SPEECH_REGION"`
	Voice    string `yaml:"voice" env:"AZURE_SPEECH_VOICE"`
	Language string `yaml:"language" env:"AZURE_SPEECH_LANGUAGE"`
	Rate     int    `yaml:"rate" env:"AZURE_SPEECH_RATE"`
	Pitch    int    `yaml:"pitch" env:"AZURE_SPEECH_PITCH"`
	Endpoint string `yaml:"endpoint" env:"AZURE_SPEECH_ENDPOINT"`
}

// ElevenLabsConfig configures ElevenLabs text to speech.
type ElevenLabsConfig struct {
	APIKey  string `yaml:"api_key" env:"ELEVENLABS_API_KEY"`
	VoiceID string `yaml:"voice_id" env:"ELEVENLABS_VOICE_ID"`
	Model   string `yaml:"model" env:"ELEVENLABS_MODEL"`
	BaseURL string `yaml:"base_url" env:"ELEVENLABS_BASE_URL"`
}

// StoreConfig selects where pending call configs are kept.
type StoreConfig struct {
	Driver string      `yaml:"driver" env:"STORE_DRIVER"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LOG_LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"LOG_FORMAT"`

	EnableCaller bool `yaml:"enable_caller" env:"LOG_ENABLE_CALLER"`
}

// Validate reports every problem with the configuration. The error wraps
// ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("server port %d out of range", c.Server.Port)
	}
	if c.Server.OutboundRate <= 0 || c.Server.OutboundBurst <= 0 {
		fail("outbound rate limit must be positive")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		fail("BASE_URL is required")
	}

	if c.Twilio.AccountSID == "" {
		fail("TWILIO_ACCOUNT_SID is required")
	}
	if c.Twilio.AuthToken == "" {
		fail("TWILIO_AUTH_TOKEN is required")
	}
	if c.Twilio.PhoneNumber == "" {
		fail("OUTBOUND_CALLER_NUMBER is required")
	}

	if err := c.Agent.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.OpenAI.APIKey == "" {
		fail("OPENAI_API_KEY is required")
	}

	switch c.Transcriber.Provider {
	case TranscriberDeepgram:
		if c.Deepgram.APIKey == "" {
			fail("DEEPGRAM_API_KEY is required")
		}
	case TranscriberGoogle:
	default:
		fail("unknown transcriber %q", c.Transcriber.Provider)
	}
	if _, err := c.Transcriber.StageConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Transcriber.ChunkSize <= 0 {
		fail("transcriber chunk size must be positive")
	}

	switch c.Synthesizer.Provider {
	case SynthesizerAzure:
		if c.Azure.Key == "" || c.Azure.Region == "" {
			fail("AZURE_SPEECH_KEY and AZURE_SPEECH_REGION are required")
		}
	case SynthesizerElevenLabs:
		if c.ElevenLabs.APIKey == "" {
			fail("ELEVENLABS_API_KEY is required")
		}
	default:
		fail("unknown synthesizer %q", c.Synthesizer.Provider)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			fail("REDIS_ADDR is required for the redis store")
		}
	default:
		fail("unknown store driver %q", c.Store.Driver)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		fail("invalid log level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		fail("invalid log format %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
