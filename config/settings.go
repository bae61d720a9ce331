package config

import (
	"strconv"
	"strings"
)

// Setting is one displayed configuration value.
type Setting struct {
	Name  string
	Value string
}

// Settings lists the configuration for operators with secrets masked.
func (c *Config) Settings() []Setting {
	s := []Setting{
		{"BASE_URL", c.BaseURL},
		{"PORT", strconv.Itoa(c.Server.Port)},
		{"TWILIO_ACCOUNT_SID", c.Twilio.AccountSID},
		{"TWILIO_AUTH_TOKEN", Mask(c.Twilio.AuthToken)},
		{"OUTBOUND_CALLER_NUMBER", c.Twilio.PhoneNumber},
		{"OPENAI_API_KEY", Mask(c.OpenAI.APIKey)},
		{"OPENAI_MODEL", c.OpenAI.Model},
		{"TRANSCRIBER", c.Transcriber.Provider},
		{"TRANSCRIBER_ENDPOINTING", c.Transcriber.Endpointing},
		{"SYNTHESIZER", c.Synthesizer.Provider},
		{"STORE_DRIVER", c.Store.Driver},
	}
	switch c.Transcriber.Provider {
	case TranscriberDeepgram:
		s = append(s, Setting{"DEEPGRAM_API_KEY", Mask(c.Deepgram.APIKey)})
	case TranscriberGoogle:
		s = append(s, Setting{"GOOGLE_APPLICATION_CREDENTIALS", c.Google.CredentialsFile})
	}
	switch c.Synthesizer.Provider {
	case SynthesizerAzure:
		s = append(s,
			Setting{"AZURE_SPEECH_KEY", Mask(c.Azure.Key)},
			Setting{"AZURE_SPEECH_REGION", c.Azure.Region},
			Setting{"AZURE_SPEECH_VOICE", c.Azure.Voice},
		)
	case SynthesizerElevenLabs:
		s = append(s, Setting{"ELEVENLABS_API_KEY", Mask(c.ElevenLabs.APIKey)})
	}
	return s
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", 8) + secret[len(secret)-4:]
}
