package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamServer(t *testing.T, deltas []string, check func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if check != nil {
			check(r, body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i, d := range deltas {
			content, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: {\"id\":\"c%d\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s}}]}\n\n", i, content)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, ch <-chan Chunk) ([]string, error) {
	t.Helper()
	var texts []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return texts, nil
			}
			if c.Err != nil {
				return texts, c.Err
			}
			texts = append(texts, c.Text)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{}, nil)
	assert.Error(t, err)
}

func TestOpenAI_GenerateGroupsSentences(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := streamServer(t, []string{"Hi", " there", "! How", " are you", "?"}, func(r *http.Request, body map[string]any) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody = body
	})

	gen, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)

	ch, err := gen.Generate(context.Background(), []Message{
		{Role: RoleSystem, Text: "Be brief."},
		{Role: RoleUser, Text: "hello"},
	})
	require.NoError(t, err)

	texts, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi there!", "How are you?"}, texts)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, DefaultOpenAIModel, gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	messages, _ := gotBody["messages"].([]any)
	require.Len(t, messages, 2)
	first, _ := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
}

func TestOpenAI_GenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	gen, err := NewOpenAI(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), []Message{{Role: RoleUser, Text: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestCutSentence(t *testing.T) {
	tests := []struct {
		in       string
		sentence string
		rest     string
		ok       bool
	}{
		{in: "Hi there", rest: "Hi there"},
		{in: "Hi there!", rest: "Hi there!"},
		{in: "Hi there! How", sentence: "Hi there!", rest: " How", ok: true},
		{in: "Line one\nline two", sentence: "Line one", rest: "line two", ok: true},
		{in: "Pi is 3.14 or so", rest: "Pi is 3.14 or so"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sentence, rest, ok := cutSentence(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.sentence, sentence)
			assert.Equal(t, tt.rest, rest)
		})
	}
}
