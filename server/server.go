// Package server is the HTTP surface of the call agent: the operator page,
// the Twilio webhooks and the media stream endpoint that runs a pipeline per
// call.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	callagent "github.com/agentplexus/omnivoice-callagent"
	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/callsystem"
	"github.com/agentplexus/omnivoice-callagent/config"
	"github.com/agentplexus/omnivoice-callagent/internal/metrics"
	"github.com/agentplexus/omnivoice-callagent/pipeline"
	"github.com/agentplexus/omnivoice-callagent/store"
	"github.com/agentplexus/omnivoice-callagent/transport"
)

//go:embed templates/index.html
var templates embed.FS

// Timeouts of work started by the server.
const (
	DefaultStartTimeout = 10 * time.Second
	outboundCallTimeout = 30 * time.Second
)

// Messages spoken when an inbound call cannot be answered.
const (
	noAgentMessage     = "This number is not configured to take calls."
	unavailableMessage = "Sorry, we cannot take your call right now. Please try again later."
)

// SessionFactory builds the pipeline of a connected call.
type SessionFactory interface {
	New(call *callsystem.Call, agentCfg agent.Config, tr pipeline.Transport) (*pipeline.Coordinator, error)
}

// Server serves the call agent endpoints.
type Server struct {
	cfg          *config.Config
	calls        *callsystem.Provider
	media        *transport.Provider
	sessions     SessionFactory
	metrics      *metrics.Collector
	limiter      *rate.Limiter
	page         *template.Template
	logger       *zap.Logger
	startTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the collector served at /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithStartTimeout bounds the wait for a media stream's start event.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.startTimeout = d
	}
}

// New creates a server.
func New(cfg *config.Config, calls *callsystem.Provider, media *transport.Provider, sessions SessionFactory, opts ...Option) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case calls == nil:
		return nil, errors.New("call provider is required")
	case media == nil:
		return nil, errors.New("media transport is required")
	case sessions == nil:
		return nil, errors.New("session factory is required")
	}

	page, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		calls:        calls,
		media:        media,
		sessions:     sessions,
		limiter:      rate.NewLimiter(rate.Limit(cfg.Server.OutboundRate), cfg.Server.OutboundBurst),
		page:         page,
		startTimeout: DefaultStartTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "server"))
	return s, nil
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /start_outbound_call", s.handleStartOutboundCall)
	mux.HandleFunc("POST /inbound_call", s.handleInboundCall)
	mux.HandleFunc("POST "+callsystem.StatusPath, s.handleCallStatus)
	mux.HandleFunc("GET "+callsystem.ConnectPath+"{id}", s.handleConnectCall)

	return Chain(mux, Recovery(s.logger), RequestLogger(s.logger), CORS(s.cfg.Server.CORSOrigins))
}

// Shutdown ends every running call session and waits for them, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers background work unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

type indexData struct {
	Version     string
	ActiveCalls int
	Settings    []config.Setting
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := s.page.Execute(w, indexData{
		Version:     callagent.Version,
		ActiveCalls: len(s.calls.ListCalls()),
		Settings:    s.cfg.Settings(),
	})
	if err != nil {
		s.logger.Error("failed to render status page", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartOutboundCall(w http.ResponseWriter, r *http.Request) {
	to := strings.TrimSpace(r.FormValue("to_phone"))
	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "to_phone is required"})
		return
	}
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": "error", "error": "too many outbound calls"})
		return
	}
	if !s.track() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": "shutting down"})
		return
	}

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, outboundCallTimeout)
		defer cancel()

		if _, err := s.calls.MakeCall(ctx, callsystem.OutboundCall{To: to}); err != nil {
			s.logger.Error("outbound call failed", zap.String("to", to), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	params, ok := s.verified(w, r)
	if !ok {
		return
	}

	_, twiml, err := s.calls.HandleIncomingWebhook(r.Context(), params["CallSid"], params["From"], params["To"])
	if err != nil {
		message := unavailableMessage
		if errors.Is(err, agent.ErrNoAgent) {
			message = noAgentMessage
		}
		s.logger.Warn("cannot answer inbound call", zap.String("call_id", params["CallSid"]), zap.Error(err))
		if twiml, err = callsystem.SayTwiML(message); err != nil {
			http.Error(w, "failed to build TwiML", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	params, ok := s.verified(w, r)
	if !ok {
		return
	}
	s.calls.HandleStatusCallback(r.Context(), params["CallSid"], params["CallStatus"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectCall(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conversationID := r.PathValue("id")
	conn, err := s.media.HandleWebSocket(w, r)
	if err != nil {
		s.logger.Warn("media stream rejected", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	s.runSession(conversationID, conn)
}

// runSession runs the pipeline of one media stream until the call ends.
func (s *Server) runSession(conversationID string, conn *transport.Connection) {
	logger := s.logger.With(zap.String("conversation_id", conversationID))

	startCtx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	info, err := conn.Start(startCtx)
	cancel()
	if err != nil {
		logger.Warn("media stream never started", zap.Error(err))
		return
	}

	call, callCfg, err := s.calls.Connect(s.ctx, conversationID, info.CallSID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("media stream for unknown conversation", zap.String("call_id", info.CallSID))
		} else {
			logger.Error("failed to load call config", zap.Error(err))
		}
		return
	}
	defer s.calls.Release(call)

	coordinator, err := s.sessions.New(call, callCfg.Agent, conn)
	if err != nil {
		logger.Error("failed to create pipeline", zap.Error(err))
		return
	}
	if err := coordinator.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("call ended with error", zap.String("call_id", call.ID()), zap.Error(err))
	}
}

// verified parses a Twilio webhook and checks its signature. It writes the
// error response when the request is rejected.
func (s *Server) verified(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return nil, false
	}
	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}

	url := "https://" + s.calls.BaseURL() + r.URL.RequestURI()
	if !s.calls.ValidateSignature(url, params, r.Header.Get("X-Twilio-Signature")) {
		s.logger.Warn("rejected webhook with invalid signature", zap.String("path", r.URL.Path))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return nil, false
	}
	return params, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
