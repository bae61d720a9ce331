// Package client provides the Twilio REST calls the agent needs, on top of
// the twilio-go API service.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	callagent "github.com/agentplexus/omnivoice-callagent"
)

// Client calls the Twilio REST API on behalf of one account.
type Client struct {
	accountSID string
	api        *api.ApiService
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string

	// BaseURL replaces callagent.DefaultAPIBaseURL, the versioned API root.
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg *Config) (*Client, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("twilio client config is required")
	case cfg.AccountSID == "":
		return nil, errors.New("twilio account SID is required")
	case cfg.AuthToken == "":
		return nil, errors.New("twilio auth token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(cfg.AccountSID)

	var baseClient twclient.BaseClient = base
	if root := strings.TrimRight(cfg.BaseURL, "/"); root != "" && root != callagent.DefaultAPIBaseURL {
		baseClient = &rebased{Client: base, root: root}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		api:        api.NewApiServiceWithClient(baseClient),
	}, nil
}

// rebased sends API requests to another root, such as a regional proxy.
type rebased struct {
	*twclient.Client
	root string
}

func (r *rebased) SendRequest(method, rawURL string, data url.Values, headers map[string]interface{}, body ...byte) (*http.Response, error) {
	if rest, ok := strings.CutPrefix(rawURL, callagent.DefaultAPIBaseURL); ok {
		rawURL = r.root + rest
	}
	return r.Client.SendRequest(method, rawURL, data, headers, body...)
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call is a Twilio call resource.
type Call struct {
	SID       string
	To        string
	From      string
	Status    string
	Direction string
}

func newCall(c *api.ApiV2010Call) *Call {
	return &Call{
		SID:       deref(c.Sid),
		To:        deref(c.To),
		From:      deref(c.From),
		Status:    deref(c.Status),
		Direction: deref(c.Direction),
	}
}

// MakeCallParams are parameters for placing a call with inline TwiML.
type MakeCallParams struct {
	To                  string
	From                string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string

	// Timeout is the ring timeout in seconds. Zero keeps Twilio's default.
	Timeout int
}

func (p *MakeCallParams) create() *api.CreateCallParams {
	params := (&api.CreateCallParams{}).SetTo(p.To).SetFrom(p.From)
	if p.Twiml != "" {
		params.SetTwiml(p.Twiml)
	}
	if p.StatusCallback != "" {
		params.SetStatusCallback(p.StatusCallback)
	}
	if len(p.StatusCallbackEvent) > 0 {
		params.SetStatusCallbackEvent(p.StatusCallbackEvent)
	}
	if p.Timeout > 0 {
		params.SetTimeout(p.Timeout)
	}
	return params
}

// MakeCall places an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	call, err := withContext(ctx, func() (*api.ApiV2010Call, error) {
		return c.api.CreateCall(params.create())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}
	return newCall(call), nil
}

// HangupCall ends an in-progress call by moving it to completed.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	params := (&api.UpdateCallParams{}).SetStatus(callagent.CallStatusCompleted)
	call, err := withContext(ctx, func() (*api.ApiV2010Call, error) {
		return c.api.UpdateCall(url.PathEscape(callSID), params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update call %s: %w", callSID, err)
	}
	return newCall(call), nil
}

// PhoneNumber is an incoming phone number of the account.
type PhoneNumber struct {
	SID          string
	PhoneNumber  string
	FriendlyName string
	Capabilities struct {
		Voice bool
	}
}

// ListPhoneNumbers returns the phone numbers on the account.
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	records, err := withContext(ctx, func() ([]api.ApiV2010IncomingPhoneNumber, error) {
		return c.api.ListIncomingPhoneNumber(&api.ListIncomingPhoneNumberParams{})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list phone numbers: %w", err)
	}

	numbers := make([]PhoneNumber, 0, len(records))
	for _, r := range records {
		n := PhoneNumber{
			SID:          deref(r.Sid),
			PhoneNumber:  deref(r.PhoneNumber),
			FriendlyName: deref(r.FriendlyName),
		}
		if r.Capabilities != nil {
			n.Capabilities.Voice = r.Capabilities.Voice
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *twclient.TwilioRestError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound || apiErr.Code == 20404
}

// withContext runs a blocking API call and gives up when ctx ends. The call
// itself is bounded by the HTTP client timeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
