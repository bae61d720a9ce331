package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/audio"
	"github.com/agentplexus/omnivoice-callagent/callsystem"
	"github.com/agentplexus/omnivoice-callagent/config"
	"github.com/agentplexus/omnivoice-callagent/pipeline"
	"github.com/agentplexus/omnivoice-callagent/stt"
	"github.com/agentplexus/omnivoice-callagent/transport"
)

const (
	testAccountSID = "AC123"
	testAuthToken  = "secrettoken"
	testBaseURL    = "agent.example.com"
)

// twilioAPI fakes the Twilio REST endpoints used by the call provider.
type twilioAPI struct {
	srv     *httptest.Server
	calls   chan url.Values
	hangups chan string
}

func newTwilioAPI(t *testing.T) *twilioAPI {
	t.Helper()
	api := &twilioAPI{
		calls:   make(chan url.Values, 8),
		hangups: make(chan string, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /Accounts/"+testAccountSID+"/Calls.json", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		api.calls <- r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"sid":"CA100","status":"queued"}`)
	})
	mux.HandleFunc("POST /Accounts/"+testAccountSID+"/Calls/{file}", func(w http.ResponseWriter, r *http.Request) {
		sid := strings.TrimSuffix(r.PathValue("file"), ".json")
		api.hangups <- sid
		_, _ = io.WriteString(w, `{"sid":"`+sid+`","status":"completed"}`)
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

type silentTranscriber struct{}

func (silentTranscriber) Name() string { return "silent" }

func (silentTranscriber) Open(context.Context, audio.Format) (stt.Stream, error) {
	return &silentStream{results: make(chan stt.Result)}, nil
}

type silentStream struct {
	results chan stt.Result
	once    sync.Once
}

func (s *silentStream) Send([]byte) error { return nil }

func (s *silentStream) Results() <-chan stt.Result { return s.results }

func (s *silentStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type okGenerator struct{}

func (okGenerator) Name() string { return "ok" }

func (okGenerator) Generate(context.Context, []agent.Message) (<-chan agent.Chunk, error) {
	ch := make(chan agent.Chunk, 1)
	ch <- agent.Chunk{Text: "ok"}
	close(ch)
	return ch, nil
}

type toneSynthesizer struct{}

func (toneSynthesizer) Name() string { return "tone" }

func (toneSynthesizer) Synthesize(context.Context, string, audio.Format) ([]byte, error) {
	return bytes.Repeat([]byte{0x7f}, 320), nil
}

type testEnv struct {
	server *Server
	calls  *callsystem.Provider
	media  *transport.Provider
	api    *twilioAPI
	cfg    *config.Config
}

type envOptions struct {
	agent    agent.Config
	validate bool
	rate     float64
	burst    int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	api := newTwilioAPI(t)

	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.Twilio = config.TwilioConfig{AccountSID: testAccountSID, AuthToken: testAuthToken, PhoneNumber: "+15550000001"}
	cfg.OpenAI.APIKey = "sk-test-key"
	if opts.rate > 0 {
		cfg.Server.OutboundRate = opts.rate
		cfg.Server.OutboundBurst = opts.burst
	}

	calls, err := callsystem.New(
		callsystem.WithAccountSID(testAccountSID),
		callsystem.WithAuthToken(testAuthToken),
		callsystem.WithPhoneNumber("+15550000001"),
		callsystem.WithBaseURL("https://"+testBaseURL+"/"),
		callsystem.WithAPIBaseURL(api.srv.URL),
		callsystem.WithDefaultAgent(opts.agent),
		callsystem.WithSignatureValidation(opts.validate),
	)
	require.NoError(t, err)

	media := transport.New()
	factory := &pipeline.Factory{
		Transcriber:   silentTranscriber{},
		Transcription: stt.StageConfig{WindowSize: 160, Endpointing: stt.SilenceEndpointing{Duration: 100 * time.Millisecond}},
		Generator:     okGenerator{},
		Synthesizer:   toneSynthesizer{},
		Config:        pipeline.Config{QueueSize: 64, FrameDuration: audio.DefaultFrameDuration},
	}

	s, err := New(cfg, calls, media, factory, WithStartTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		_ = media.Close()
	})
	return &testEnv{server: s, calls: calls, media: media, api: api, cfg: cfg}
}

func defaultAgent() agent.Config {
	return agent.Config{PromptPreamble: "Be brief.", InitialMessage: "Hello caller"}
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// sign computes X-Twilio-Signature for a form webhook.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var conversationPattern = regexp.MustCompile(`connect_call/([0-9a-f-]+)`)

func inboundForm(callSID string) url.Values {
	return url.Values{
		"CallSid": {callSID},
		"From":    {"+15557654321"},
		"To":      {"+15550000001"},
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestIndex_MasksSecrets(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "TWILIO_AUTH_TOKEN")
	assert.Contains(t, body, "********oken")
	assert.NotContains(t, body, testAuthToken)
	assert.NotContains(t, body, "sk-test-key")
	assert.Contains(t, body, testBaseURL)
	assert.Contains(t, body, `name="to_phone"`)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	req := httptest.NewRequest(http.MethodOptions, "/start_outbound_call", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, env.api.calls, "preflight places no call")
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartOutboundCall_RequiresNumber(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	rec := postForm(t, env.server.Handler(), "/start_outbound_call", url.Values{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.api.calls)
}

func TestStartOutboundCall_PlacesCall(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	rec := postForm(t, env.server.Handler(), "/start_outbound_call", url.Values{"to_phone": {"+15557654321"}}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())

	select {
	case form := <-env.api.calls:
		assert.Equal(t, "+15557654321", form.Get("To"))
		assert.Equal(t, "+15550000001", form.Get("From"))
		assert.Contains(t, form.Get("Twiml"), "wss://"+testBaseURL+"/connect_call/")
		assert.Equal(t, "https://"+testBaseURL+"/call_status", form.Get("StatusCallback"))
	case <-time.After(2 * time.Second):
		t.Fatal("no call placed")
	}

	require.Eventually(t, func() bool { return len(env.calls.ListCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartOutboundCall_NoAgentPlacesNothing(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := postForm(t, env.server.Handler(), "/start_outbound_call", url.Values{"to_phone": {"+15557654321"}}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-env.api.calls:
		t.Fatal("call placed without an agent")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartOutboundCall_RateLimited(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent(), rate: 0.001, burst: 1})
	h := env.server.Handler()
	form := url.Values{"to_phone": {"+15557654321"}}

	assert.Equal(t, http.StatusOK, postForm(t, h, "/start_outbound_call", form, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, postForm(t, h, "/start_outbound_call", form, "").Code)
}

func TestInboundCall_ReturnsStreamTwiML(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})

	rec := postForm(t, env.server.Handler(), "/inbound_call", inboundForm("CA9"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "<Connect>")
	m := conversationPattern.FindStringSubmatch(body)
	require.Len(t, m, 2)
	assert.Contains(t, body, `value="`+m[1]+`"`)

	calls := env.calls.ListCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "CA9", calls[0].ID())
	assert.Equal(t, callsystem.Inbound, calls[0].Direction())
}

func TestInboundCall_NoAgentSaysMessage(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := postForm(t, env.server.Handler(), "/inbound_call", inboundForm("CA9"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), noAgentMessage)
	assert.Contains(t, rec.Body.String(), "<Hangup")
	assert.Empty(t, env.calls.ListCalls())
}

func TestInboundCall_Signature(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent(), validate: true})
	h := env.server.Handler()
	form := inboundForm("CA9")

	assert.Equal(t, http.StatusForbidden, postForm(t, h, "/inbound_call", form, "").Code)
	assert.Equal(t, http.StatusForbidden, postForm(t, h, "/inbound_call", form, sign("wrong", "https://"+testBaseURL+"/inbound_call", form)).Code)

	rec := postForm(t, h, "/inbound_call", form, sign(testAuthToken, "https://"+testBaseURL+"/inbound_call", form))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Stream")
}

func TestCallStatus_EndsCall(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})
	h := env.server.Handler()

	require.Equal(t, http.StatusOK, postForm(t, h, "/inbound_call", inboundForm("CA9"), "").Code)
	require.Len(t, env.calls.ListCalls(), 1)

	rec := postForm(t, h, "/call_status", url.Values{"CallSid": {"CA9"}, "CallStatus": {"completed"}}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.calls.ListCalls())
}

// startCall answers an inbound call through the webhook and opens its media
// stream the way Twilio does.
func startCall(t *testing.T, env *testEnv, ts *httptest.Server, callSID string) *websocket.Conn {
	t.Helper()
	rec := postForm(t, env.server.Handler(), "/inbound_call", inboundForm(callSID), "")
	m := conversationPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/connect_call/"+m[1], nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	start := `{"event":"start","streamSid":"MZ9","start":{"streamSid":"MZ9","accountSid":"` + testAccountSID +
		`","callSid":"` + callSID + `","tracks":["inbound"],"customParameters":{"conversation_id":"` + m[1] +
		`"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(start)))
	return ws
}

func readMedia(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["event"] == "media" {
			return msg
		}
	}
}

func TestConnectCall_PlaysGreetingUntilStop(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ws := startCall(t, env, ts, "CA9")

	msg := readMedia(t, ws)
	assert.Equal(t, "MZ9", msg["streamSid"])
	media, ok := msg["media"].(map[string]any)
	require.True(t, ok)
	payload, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x7f}, 160), payload)

	calls := env.calls.ListCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, callsystem.StatusActive, calls[0].Status())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ9"}`)))
	require.Eventually(t, func() bool {
		return len(env.calls.ListCalls()) == 0 && env.media.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectCall_UnknownConversation(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/connect_call/nope", nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should close the stream")
	}
}

func TestShutdown_EndsSessions(t *testing.T) {
	env := newTestEnv(t, envOptions{agent: defaultAgent()})
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ws := startCall(t, env, ts, "CA9")
	readMedia(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
	assert.Empty(t, env.calls.ListCalls())

	rec := postForm(t, env.server.Handler(), "/start_outbound_call", url.Values{"to_phone": {"+15557654321"}}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
