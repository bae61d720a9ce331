package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

// ElevenLabs defaults.
const (
	DefaultElevenLabsURL   = "https://api.elevenlabs.io"
	DefaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM" // Rachel
	DefaultElevenLabsModel = "eleven_turbo_v2_5"
)

// ElevenLabsConfig configures the ElevenLabs synthesizer.
type ElevenLabsConfig struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// ElevenLabs synthesizes with the ElevenLabs streaming endpoint.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

var _ Synthesizer = (*ElevenLabs)(nil)

// NewElevenLabs creates an ElevenLabs synthesizer.
func NewElevenLabs(cfg ElevenLabsConfig) (*ElevenLabs, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs API key is required")
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultElevenLabsVoice
	}
	if cfg.Model == "" {
		cfg.Model = DefaultElevenLabsModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultElevenLabsURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ElevenLabs{cfg: cfg, client: client}, nil
}

// Name returns the synthesizer name.
func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func elevenLabsOutputFormat(format audio.Format) (string, error) {
	switch format.Encoding {
	case audio.EncodingMulaw:
		if format.SampleRate == 8000 {
			return "ulaw_8000", nil
		}
	case audio.EncodingLinear16:
		switch format.SampleRate {
		case 8000, 16000, 22050, 24000, 44100:
			return fmt.Sprintf("pcm_%d", format.SampleRate), nil
		}
	}
	return "", fmt.Errorf("elevenlabs cannot produce %s audio", format)
}

// Synthesize renders text and reads the streamed audio to the end.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string, format audio.Format) ([]byte, error) {
	outputFormat, err := elevenLabsOutputFormat(format)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: e.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		strings.TrimRight(e.cfg.BaseURL, "/"), url.PathEscape(e.cfg.VoiceID), outputFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read elevenlabs audio: %w", err)
	}
	return data, nil
}
