// Package chatwoot talks to the Chatwoot application API and parses its webhooks.
//
// The Client stores survey progress as conversation custom attributes, so it also serves as a
// store.AttributeStore backend.
package chatwoot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/util"
)

// Opts holds configuration options for the Chatwoot client.
type Opts struct {
	BaseURL    string
	AccountID  string
	APIToken   string
	HTTPClient *http.Client
	Retries    int
}

// Option defines a configuration option for the Chatwoot client.
type Option func(*Opts)

// WithBaseURL sets the Chatwoot installation URL, e.g. https://app.chatwoot.com.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(url, "/") }
}

// WithAccountID sets the Chatwoot account id.
func WithAccountID(id string) Option {
	return func(o *Opts) { o.AccountID = id }
}

// WithAPIToken sets the agent or bot access token.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithRetries sets how many times a failed call is retried on 5xx and transport errors.
func WithRetries(n int) Option {
	return func(o *Opts) { o.Retries = n }
}

// Client is a Chatwoot application API client.
type Client struct {
	accountURL string
	token      string
	http       *http.Client
	retries    int
}

var _ store.AttributeStore = (*Client)(nil)

// NewClient builds a client from options, falling back to CHATWOOT_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Retries: util.DefaultHTTPRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = strings.TrimRight(os.Getenv("CHATWOOT_BASE_URL"), "/")
	}
	if cfg.AccountID == "" {
		cfg.AccountID = os.Getenv("CHATWOOT_ACCOUNT_ID")
	}
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv("CHATWOOT_API_TOKEN")
	}
	slog.Debug("Chatwoot client config loaded",
		"BaseURL", cfg.BaseURL,
		"AccountID_set", cfg.AccountID != "",
		"APIToken_set", cfg.APIToken != "")
	if cfg.BaseURL == "" || cfg.AccountID == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("chatwoot base URL, account id and API token must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: util.DefaultHTTPTimeout}
	}
	return &Client{
		accountURL: fmt.Sprintf("%s/api/v1/accounts/%s", cfg.BaseURL, cfg.AccountID),
		token:      cfg.APIToken,
		http:       cfg.HTTPClient,
		retries:    cfg.Retries,
	}, nil
}

func (c *Client) conversationURL(conversationID string, suffix string) string {
	return c.accountURL + "/conversations/" + conversationID + suffix
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	return util.DoJSON(ctx, c.http, util.JSONRequest{
		Method:  method,
		URL:     url,
		Headers: map[string]string{"api_access_token": c.token},
		Body:    body,
		Retries: c.retries,
	}, out)
}

type conversationPayload struct {
	ID               int               `json:"id"`
	CustomAttributes models.Attributes `json:"custom_attributes"`
	Labels           []string          `json:"labels"`
}

// GetAttributes returns the custom attributes of a conversation.
func (c *Client) GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error) {
	var conv conversationPayload
	if err := c.do(ctx, http.MethodGet, c.conversationURL(conversationID, ""), nil, &conv); err != nil {
		slog.Error("Chatwoot.GetAttributes: failed", "conversationID", conversationID, "error", err)
		return nil, fmt.Errorf("chatwoot get attributes %s: %w", conversationID, err)
	}
	if conv.CustomAttributes == nil {
		conv.CustomAttributes = models.Attributes{}
	}
	return conv.CustomAttributes, nil
}

// SetAttributes replaces the custom attributes of a conversation.
func (c *Client) SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error {
	body := map[string]any{"custom_attributes": attrs}
	if err := c.do(ctx, http.MethodPost, c.conversationURL(conversationID, "/custom_attributes"), body, nil); err != nil {
		slog.Error("Chatwoot.SetAttributes: failed", "conversationID", conversationID, "error", err)
		return fmt.Errorf("chatwoot set attributes %s: %w", conversationID, err)
	}
	slog.Debug("Chatwoot.SetAttributes: stored", "conversationID", conversationID, "keys", len(attrs))
	return nil
}

// PostMessage posts an outgoing message; private messages are internal notes for agents.
func (c *Client) PostMessage(ctx context.Context, conversationID, content string, private bool) error {
	body := map[string]any{
		"content":      content,
		"message_type": "outgoing",
		"private":      private,
	}
	if err := c.do(ctx, http.MethodPost, c.conversationURL(conversationID, "/messages"), body, nil); err != nil {
		return fmt.Errorf("chatwoot post message %s: %w", conversationID, err)
	}
	return nil
}

type labelsPayload struct {
	Payload []string `json:"payload"`
}

// AssignLabel adds label to the conversation, keeping the labels already set.
func (c *Client) AssignLabel(ctx context.Context, conversationID, label string) error {
	url := c.conversationURL(conversationID, "/labels")
	var current labelsPayload
	if err := c.do(ctx, http.MethodGet, url, nil, &current); err != nil {
		return fmt.Errorf("chatwoot read labels %s: %w", conversationID, err)
	}
	if slices.Contains(current.Payload, label) {
		slog.Debug("Chatwoot.AssignLabel: already labelled", "conversationID", conversationID, "label", label)
		return nil
	}
	labels := append(current.Payload, label)
	if err := c.do(ctx, http.MethodPost, url, map[string]any{"labels": labels}, nil); err != nil {
		return fmt.Errorf("chatwoot assign label %s: %w", conversationID, err)
	}
	return nil
}

// AssignTeam assigns the conversation to a team.
func (c *Client) AssignTeam(ctx context.Context, conversationID string, teamID int) error {
	body := map[string]any{"team_id": teamID}
	if err := c.do(ctx, http.MethodPost, c.conversationURL(conversationID, "/assignments"), body, nil); err != nil {
		return fmt.Errorf("chatwoot assign team %d to %s: %w", teamID, conversationID, err)
	}
	return nil
}
