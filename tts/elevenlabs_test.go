package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

func TestNewElevenLabs_RequiresKey(t *testing.T) {
	_, err := NewElevenLabs(ElevenLabsConfig{})
	assert.Error(t, err)
}

func TestElevenLabs_Synthesize(t *testing.T) {
	var gotPath, gotFormat, gotKey string
	var gotBody elevenLabsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("output_format")
		gotKey = r.Header.Get("xi-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write(make([]byte, 320))
	}))
	defer srv.Close()

	e, err := NewElevenLabs(ElevenLabsConfig{APIKey: "xi", VoiceID: "voice-1", BaseURL: srv.URL})
	require.NoError(t, err)

	data, err := e.Synthesize(context.Background(), "Hi there!", audio.Telephone)
	require.NoError(t, err)

	assert.Len(t, data, 320)
	assert.Equal(t, "/v1/text-to-speech/voice-1/stream", gotPath)
	assert.Equal(t, "ulaw_8000", gotFormat)
	assert.Equal(t, "xi", gotKey)
	assert.Equal(t, elevenLabsRequest{Text: "Hi there!", ModelID: DefaultElevenLabsModel}, gotBody)
}

func TestElevenLabs_SynthesizeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail":"busy"}`))
	}))
	defer srv.Close()

	e, err := NewElevenLabs(ElevenLabsConfig{APIKey: "xi", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = e.Synthesize(context.Background(), "Hi", audio.Telephone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestElevenLabsOutputFormat(t *testing.T) {
	got, err := elevenLabsOutputFormat(audio.Format{Encoding: audio.EncodingLinear16, SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "pcm_16000", got)

	_, err = elevenLabsOutputFormat(audio.Format{Encoding: audio.EncodingMulaw, SampleRate: 16000})
	assert.Error(t, err)
}
