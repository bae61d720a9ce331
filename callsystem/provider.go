// Package callsystem places and answers Twilio calls and tracks their
// sessions until the media stream ends.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	twclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"

	callagent "github.com/agentplexus/omnivoice-callagent"
	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/internal/client"
	"github.com/agentplexus/omnivoice-callagent/store"
)

// Paths served for Twilio. The media stream path is followed by the
// conversation id.
const (
	ConnectPath = "/connect_call/"
	StatusPath  = "/call_status"
)

// Provider places and answers calls through Twilio.
type Provider struct {
	client       *client.Client
	store        store.Store
	validator    twclient.RequestValidator
	validate     bool
	baseURL      string
	defaultFrom  string
	defaultAgent agent.Config
	logger       *zap.Logger

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID   string
	authToken    string
	phoneNumber  string
	baseURL      string
	apiBaseURL   string
	httpClient   *http.Client
	store        store.Store
	defaultAgent agent.Config
	validate     bool
	logger       *zap.Logger
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithPhoneNumber sets the default outbound phone number.
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithBaseURL sets the public host Twilio reaches this service on, with or
// without a scheme.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithAPIBaseURL overrides the Twilio REST API base URL.
func WithAPIBaseURL(url string) Option {
	return func(o *options) {
		o.apiBaseURL = url
	}
}

// WithHTTPClient sets the HTTP client for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithStore sets where call configs wait for their media stream.
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithDefaultAgent sets the agent used for inbound calls and for outbound
// calls that do not name one.
func WithDefaultAgent(cfg agent.Config) Option {
	return func(o *options) {
		o.defaultAgent = cfg
	}
}

// WithSignatureValidation enables X-Twilio-Signature checks on webhooks.
func WithSignatureValidation(enabled bool) Option {
	return func(o *options) {
		o.validate = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Twilio call provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.baseURL == "" {
		return nil, errors.New("base URL is required")
	}

	twilioClient, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.apiBaseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	st := cfg.store
	if st == nil {
		st = store.NewMemory()
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		client:       twilioClient,
		store:        st,
		validator:    twclient.NewRequestValidator(cfg.authToken),
		validate:     cfg.validate,
		baseURL:      hostOf(cfg.baseURL),
		defaultFrom:  cfg.phoneNumber,
		defaultAgent: cfg.defaultAgent,
		logger:       logger.With(zap.String("component", "callsystem")),
		calls:        make(map[string]*Call),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// BaseURL returns the public host of the service.
func (p *Provider) BaseURL() string {
	return p.baseURL
}

// StreamURL returns the media stream URL for a conversation.
func (p *Provider) StreamURL(conversationID string) string {
	return "wss://" + p.baseURL + ConnectPath + conversationID
}

// StatusCallbackURL returns the status webhook URL.
func (p *Provider) StatusCallbackURL() string {
	return "https://" + p.baseURL + StatusPath
}

// OutboundCall describes a call to place.
type OutboundCall struct {
	To   string
	From string

	// Agent overrides the default agent.
	Agent *agent.Config
}

// MakeCall places an outbound call. It fails with agent.ErrNoAgent before
// contacting Twilio when no agent is configured.
func (p *Provider) MakeCall(ctx context.Context, req OutboundCall) (*Call, error) {
	if req.To == "" {
		return nil, errors.New("destination number is required")
	}

	agentCfg := p.defaultAgent
	if req.Agent != nil {
		agentCfg = *req.Agent
	}
	if err := agentCfg.Validate(); err != nil {
		return nil, fmt.Errorf("cannot call %s: %w", req.To, err)
	}

	from := req.From
	if from == "" {
		from = p.defaultFrom
	}
	if from == "" {
		return nil, errors.New("from number is required (set a default phone number)")
	}

	cfg := &store.CallConfig{
		ConversationID: uuid.NewString(),
		Direction:      string(Outbound),
		From:           from,
		To:             req.To,
		Agent:          agentCfg,
		CreatedAt:      time.Now().UTC(),
	}
	twiml, err := StreamTwiML(p.StreamURL(cfg.ConversationID), cfg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to save call config: %w", err)
	}

	twilioCall, err := p.client.MakeCall(ctx, &client.MakeCallParams{
		To:                  req.To,
		From:                from,
		Twiml:               twiml,
		StatusCallback:      p.StatusCallbackURL(),
		StatusCallbackEvent: []string{
			callagent.CallStatusInitiated,
			callagent.CallStatusRinging,
			callagent.CallStatusAnswered,
			callagent.CallStatusCompleted,
		},
	})
	if err != nil {
		if delErr := p.store.Delete(ctx, cfg.ConversationID); delErr != nil {
			p.logger.Warn("failed to drop call config", zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to make call: %w", err)
	}

	placed := NewCall(twilioCall.SID, cfg.ConversationID, Outbound, from, req.To)
	placed.SetStatus(mapCallStatus(twilioCall.Status))
	call := p.track(placed)
	if call == placed {
		cfg.CallID = twilioCall.SID
		if err := p.store.Save(ctx, cfg); err != nil {
			p.logger.Warn("failed to record call id", zap.Error(err))
		}
	} else {
		p.logger.Debug("media stream connected before call was placed", zap.String("call_id", call.ID()))
	}

	p.logger.Info("outbound call placed",
		zap.String("call_id", call.ID()),
		zap.String("conversation_id", call.ConversationID()),
		zap.String("to", req.To),
	)
	return call, nil
}

// HandleIncomingWebhook registers an inbound call and returns the TwiML that
// connects it to a media stream.
func (p *Provider) HandleIncomingWebhook(ctx context.Context, callSID, from, to string) (*Call, string, error) {
	if err := p.defaultAgent.Validate(); err != nil {
		return nil, "", err
	}

	cfg := &store.CallConfig{
		ConversationID: uuid.NewString(),
		CallID:         callSID,
		Direction:      string(Inbound),
		From:           from,
		To:             to,
		Agent:          p.defaultAgent,
		CreatedAt:      time.Now().UTC(),
	}
	twiml, err := StreamTwiML(p.StreamURL(cfg.ConversationID), cfg.ConversationID)
	if err != nil {
		return nil, "", err
	}
	if err := p.store.Save(ctx, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to save call config: %w", err)
	}

	call := p.track(NewCall(callSID, cfg.ConversationID, Inbound, from, to))

	p.logger.Info("inbound call answered",
		zap.String("call_id", callSID),
		zap.String("conversation_id", cfg.ConversationID),
		zap.String("from", from),
	)
	return call, twiml, nil
}

// HandleStatusCallback processes a Twilio status callback webhook.
func (p *Provider) HandleStatusCallback(ctx context.Context, callSID, status string) {
	p.mu.Lock()
	call, ok := p.calls[callSID]
	if ok && mapCallStatus(status) == StatusEnded {
		delete(p.calls, callSID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	call.SetStatus(mapCallStatus(status))
	if call.Status() == StatusEnded {
		// The stream may never have connected.
		if err := p.store.Delete(ctx, call.ConversationID()); err != nil {
			p.logger.Warn("failed to drop call config", zap.Error(err))
		}
	}
	p.logger.Debug("call status", zap.String("call_id", callSID), zap.String("status", status))
}

// Connect claims the stored config of a conversation when its media stream
// starts and marks the call active.
func (p *Provider) Connect(ctx context.Context, conversationID, callSID string) (*Call, *store.CallConfig, error) {
	cfg, err := p.store.Get(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if err := p.store.Delete(ctx, conversationID); err != nil {
		p.logger.Warn("failed to drop call config", zap.Error(err))
	}
	if callSID == "" {
		callSID = cfg.CallID
	}

	p.mu.Lock()
	call, ok := p.calls[callSID]
	if !ok {
		call = NewCall(callSID, conversationID, Direction(cfg.Direction), cfg.From, cfg.To)
		p.calls[callSID] = call
	}
	p.mu.Unlock()

	call.SetStatus(StatusActive)
	return call, cfg, nil
}

// Release ends the session of a call whose media stream has stopped.
func (p *Provider) Release(call *Call) {
	call.SetStatus(StatusEnded)
	p.mu.Lock()
	if p.calls[call.ID()] == call {
		delete(p.calls, call.ID())
	}
	p.mu.Unlock()
}

// Hangup ends an in-progress call. A call Twilio no longer knows counts as
// ended.
func (p *Provider) Hangup(ctx context.Context, callID string) error {
	if _, err := p.client.HangupCall(ctx, callID); err != nil && !client.IsNotFound(err) {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	p.mu.Lock()
	call, ok := p.calls[callID]
	delete(p.calls, callID)
	p.mu.Unlock()
	if ok {
		call.SetStatus(StatusEnded)
	}
	return nil
}

// ListCalls returns the tracked calls.
func (p *Provider) ListCalls() []*Call {
	p.mu.RLock()
	defer p.mu.RUnlock()

	calls := make([]*Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	return calls
}

// VerifyCallerNumber checks that the default outbound number belongs to the
// account.
func (p *Provider) VerifyCallerNumber(ctx context.Context) error {
	if p.defaultFrom == "" {
		return errors.New("no outbound caller number configured")
	}
	numbers, err := p.client.ListPhoneNumbers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list phone numbers: %w", err)
	}
	for _, n := range numbers {
		if n.PhoneNumber == p.defaultFrom {
			if !n.Capabilities.Voice {
				return fmt.Errorf("caller number %s cannot place voice calls", p.defaultFrom)
			}
			return nil
		}
	}
	return fmt.Errorf("caller number %s is not on account %s", p.defaultFrom, p.client.AccountSID())
}

// ValidateSignature checks the X-Twilio-Signature of a webhook request. It
// always succeeds when validation is disabled.
func (p *Provider) ValidateSignature(url string, params map[string]string, signature string) bool {
	if !p.validate {
		return true
	}
	return p.validator.Validate(url, params, signature)
}

// Close hangs up every tracked call.
func (p *Provider) Close(ctx context.Context) error {
	var errs []error
	for _, call := range p.ListCalls() {
		if call.Status() == StatusEnded {
			continue
		}
		if err := p.Hangup(ctx, call.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// track registers call unless a session for its id exists already, and
// returns the registered one.
func (p *Provider) track(call *Call) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.calls[call.ID()]; ok {
		return existing
	}
	p.calls[call.ID()] = call
	return call
}

// mapCallStatus maps a Twilio call status to a session status.
func mapCallStatus(status string) Status {
	switch status {
	case callagent.CallStatusQueued, callagent.CallStatusInitiated, callagent.CallStatusRinging:
		return StatusRinging
	case callagent.CallStatusInProgress, callagent.CallStatusAnswered:
		return StatusActive
	case callagent.CallStatusCompleted, callagent.CallStatusBusy, callagent.CallStatusNoAnswer,
		callagent.CallStatusFailed, callagent.CallStatusCanceled:
		return StatusEnded
	default:
		return StatusRinging
	}
}

func hostOf(baseURL string) string {
	host := strings.TrimSpace(baseURL)
	for _, scheme := range []string{"https://", "http://", "wss://", "ws://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	return strings.TrimRight(host, "/")
}
