package tts

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

// Azure defaults.
const (
	DefaultAzureVoice    = "en-US-AriaNeural"
	DefaultAzureLanguage = "en-US"
	DefaultAzureRate     = 15
)

// AzureConfig configures the Azure Speech synthesizer.
type AzureConfig struct {
	Key      string
	Region   string
	Voice    string
	Language string

	// Rate and Pitch are relative prosody adjustments in percent.
	Rate  int
	Pitch int

	// Endpoint overrides the regional endpoint.
	Endpoint   string
	HTTPClient *http.Client
}

// Azure synthesizes with the Azure Speech REST API.
type Azure struct {
	cfg    AzureConfig
	client *http.Client
}

var _ Synthesizer = (*Azure)(nil)

// NewAzure creates an Azure synthesizer.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.Key == "" {
		return nil, errors.New("azure speech key is required")
	}
	if cfg.Region == "" && cfg.Endpoint == "" {
		return nil, errors.New("azure speech region is required")
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultAzureVoice
	}
	if cfg.Language == "" {
		cfg.Language = DefaultAzureLanguage
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com", cfg.Region)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Azure{cfg: cfg, client: client}, nil
}

// Name returns the synthesizer name.
func (a *Azure) Name() string { return "azure" }

// speakElement is an SSML <speak> document.
type speakElement struct {
	XMLName xml.Name     `xml:"speak"`
	Version string       `xml:"version,attr"`
	Xmlns   string       `xml:"xmlns,attr"`
	Lang    string       `xml:"xml:lang,attr"`
	Voice   voiceElement `xml:"voice"`
}

type voiceElement struct {
	Name    string         `xml:"name,attr"`
	Prosody prosodyElement `xml:"prosody"`
}

type prosodyElement struct {
	Rate  string `xml:"rate,attr"`
	Pitch string `xml:"pitch,attr"`
	Text  string `xml:",chardata"`
}

// SSML returns the SSML document the synthesizer sends for text.
func (a *Azure) SSML(text string) (string, error) {
	doc := speakElement{
		Version: "1.0",
		Xmlns:   "http://www.w3.org/2001/10/synthesis",
		Lang:    a.cfg.Language,
		Voice: voiceElement{
			Name: a.cfg.Voice,
			Prosody: prosodyElement{
				Rate:  percent(a.cfg.Rate),
				Pitch: percent(a.cfg.Pitch),
				Text:  text,
			},
		},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to build ssml: %w", err)
	}
	return string(out), nil
}

func percent(v int) string {
	return fmt.Sprintf("%+d%%", v)
}

// azureOutputFormat maps a frame format to an X-Microsoft-OutputFormat value.
func azureOutputFormat(format audio.Format) (string, error) {
	switch {
	case format.Encoding == audio.EncodingMulaw && format.SampleRate == 8000:
		return "raw-8khz-8bit-mono-mulaw", nil
	case format.Encoding == audio.EncodingLinear16 && format.SampleRate == 8000:
		return "raw-8khz-16bit-mono-pcm", nil
	case format.Encoding == audio.EncodingLinear16 && format.SampleRate == 16000:
		return "raw-16khz-16bit-mono-pcm", nil
	case format.Encoding == audio.EncodingLinear16 && format.SampleRate == 24000:
		return "raw-24khz-16bit-mono-pcm", nil
	}
	return "", fmt.Errorf("azure cannot produce %s audio", format)
}

// Synthesize renders text through the cognitiveservices/v1 endpoint.
func (a *Azure) Synthesize(ctx context.Context, text string, format audio.Format) ([]byte, error) {
	outputFormat, err := azureOutputFormat(format)
	if err != nil {
		return nil, err
	}
	ssml, err := a.SSML(text)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(a.cfg.Endpoint, "/") + "/cognitiveservices/v1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(ssml)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.Key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormat)
	req.Header.Set("User-Agent", "callagent")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read azure audio: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("azure error: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}
