// Package twiliowhatsapp wraps the Twilio API for sending WhatsApp messages.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends WhatsApp messages through Twilio and returns the message SID.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	// SendContent sends an approved Content API template. Variables are keyed by placeholder
	// number ("1", "2", ...).
	SendContent(ctx context.Context, to string, contentSID string, variables map[string]string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

var _ Sender = (*Client)(nil)

// NewClient builds a client from options, falling back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

func (c *Client) newParams(to string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	return params
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) (string, error) {
	msg, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// SendText sends a free-form WhatsApp message. Outside the 24h session window Twilio rejects it.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	params := c.newParams(to)
	params.SetBody(body)
	return c.create(to, params)
}

// SendContent sends a Content API template.
func (c *Client) SendContent(ctx context.Context, to string, contentSID string, variables map[string]string) (string, error) {
	params := c.newParams(to)
	params.SetContentSid(contentSID)
	if len(variables) > 0 {
		raw, err := json.Marshal(variables)
		if err != nil {
			return "", fmt.Errorf("failed to encode content variables: %w", err)
		}
		params.SetContentVariables(string(raw))
	}
	return c.create(to, params)
}

// MockClient records sends for tests.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one recorded send. ContentSID is empty for plain text.
type SentMessage struct {
	To         string
	Body       string
	ContentSID string
	Variables  map[string]string
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return fmt.Sprintf("SM%032d", len(m.SentMessages)), nil
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendContent(ctx context.Context, to string, contentSID string, variables map[string]string) (string, error) {
	return m.record(SentMessage{To: to, ContentSID: contentSID, Variables: variables})
}
