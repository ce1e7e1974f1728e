package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/util"
)

// Cloud API defaults.
const (
	DefaultGraphBaseURL    = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v18.0"
	// DefaultCloudAPIRate is the steady send rate per second; Meta throttles bursts per number.
	DefaultCloudAPIRate  = 20
	DefaultCloudAPIBurst = 5
	// Graph list rows allow at most 24 characters per title.
	maxListRowTitle = 24
)

// CloudAPIOpts holds configuration of the Meta WhatsApp Cloud API channel.
type CloudAPIOpts struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	HTTPClient    *http.Client
	Rate          rate.Limit
	Burst         int
}

// CloudAPIOption configures a CloudAPIService.
type CloudAPIOption func(*CloudAPIOpts)

// WithGraphBaseURL overrides the Graph API host, mostly for tests.
func WithGraphBaseURL(url string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = strings.TrimRight(url, "/") }
}

// WithGraphAPIVersion sets the Graph API version path segment.
func WithGraphAPIVersion(v string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.APIVersion = v }
}

// WithPhoneNumberID sets the sending WhatsApp Business phone number id.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithAccessToken sets the Graph API bearer token.
func WithAccessToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.AccessToken = token }
}

// WithHTTPClient sets the HTTP client used for Graph calls.
func WithHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// WithSendRate sets the outbound rate limit.
func WithSendRate(r rate.Limit, burst int) CloudAPIOption {
	return func(o *CloudAPIOpts) {
		o.Rate = r
		o.Burst = burst
	}
}

// CloudAPIService implements Channel over the WhatsApp Cloud API.
type CloudAPIService struct {
	endpoint string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
}

var _ Channel = (*CloudAPIService)(nil)

// NewCloudAPIService creates a Cloud API channel.
func NewCloudAPIService(opts ...CloudAPIOption) (*CloudAPIService, error) {
	cfg := CloudAPIOpts{
		BaseURL:    DefaultGraphBaseURL,
		APIVersion: DefaultGraphAPIVersion,
		Rate:       DefaultCloudAPIRate,
		Burst:      DefaultCloudAPIBurst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("cloud api: phone number id and access token must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: util.DefaultHTTPTimeout}
	}
	slog.Debug("CloudAPIService created", "base_url", cfg.BaseURL, "version", cfg.APIVersion, "rate", float64(cfg.Rate))
	return &CloudAPIService{
		endpoint: fmt.Sprintf("%s/%s/%s/messages", cfg.BaseURL, cfg.APIVersion, cfg.PhoneNumberID),
		token:    cfg.AccessToken,
		client:   cfg.HTTPClient,
		limiter:  rate.NewLimiter(cfg.Rate, cfg.Burst),
	}, nil
}

// ValidateAndCanonicalizeRecipient returns the digits-only international number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

type graphParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type graphComponent struct {
	Type       string           `json:"type"`
	Parameters []graphParameter `json:"parameters"`
}

type graphTemplate struct {
	Name       string            `json:"name"`
	Language   map[string]string `json:"language"`
	Components []graphComponent  `json:"components,omitempty"`
}

type graphRow struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type graphSection struct {
	Title string     `json:"title"`
	Rows  []graphRow `json:"rows"`
}

type graphInteractive struct {
	Type   string            `json:"type"`
	Header map[string]string `json:"header,omitempty"`
	Body   map[string]string `json:"body"`
	Action struct {
		Button   string         `json:"button"`
		Sections []graphSection `json:"sections"`
	} `json:"action"`
}

type graphMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	RecipientType    string            `json:"recipient_type,omitempty"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Template         *graphTemplate    `json:"template,omitempty"`
	Interactive      *graphInteractive `json:"interactive,omitempty"`
	Text             map[string]string `json:"text,omitempty"`
}

type graphResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (s *CloudAPIService) send(ctx context.Context, msg graphMessage) (string, error) {
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		return "", err
	}
	msg.To = to
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"

	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("cloud api: rate limiter: %w", err)
	}

	var resp graphResponse
	err = util.DoJSON(ctx, s.client, util.JSONRequest{
		Method:  http.MethodPost,
		URL:     s.endpoint,
		Headers: map[string]string{"Authorization": "Bearer " + s.token},
		Body:    msg,
		Retries: util.DefaultHTTPRetries,
	}, &resp)
	if err != nil {
		slog.Error("CloudAPIService send failed", "type", msg.Type, "to", to, "error", err)
		return "", fmt.Errorf("cloud api send %s to %s: %w", msg.Type, to, err)
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("cloud api send %s to %s: response carried no message id", msg.Type, to)
	}
	slog.Debug("CloudAPIService message sent", "type", msg.Type, "to", to, "id", resp.Messages[0].ID)
	return resp.Messages[0].ID, nil
}

// SendTemplate sends an approved template message.
func (s *CloudAPIService) SendTemplate(ctx context.Context, to string, tmpl models.TemplateSpec, params []string) (string, error) {
	t := &graphTemplate{
		Name:     tmpl.Name,
		Language: map[string]string{"code": languageOf(tmpl)},
	}
	if len(params) > 0 {
		comp := graphComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, graphParameter{Type: "text", Text: p})
		}
		t.Components = []graphComponent{comp}
	}
	return s.send(ctx, graphMessage{To: to, Type: "template", Template: t})
}

// SendInteractiveChoice sends a list message whose row ids are the option ids.
func (s *CloudAPIService) SendInteractiveChoice(ctx context.Context, to string, tmpl models.TemplateSpec) (string, error) {
	if len(tmpl.Options) == 0 {
		return "", fmt.Errorf("cloud api: template %s has no options", tmpl.Name)
	}
	in := &graphInteractive{Type: "list", Body: map[string]string{"text": tmpl.Body}}
	if tmpl.Header != "" {
		in.Header = map[string]string{"type": "text", "text": tmpl.Header}
	}
	in.Action.Button = tmpl.Button
	section := graphSection{Title: tmpl.SectionTitle}
	for _, opt := range tmpl.Options {
		title := opt.Title
		if r := []rune(title); len(r) > maxListRowTitle {
			title = string(r[:maxListRowTitle])
		}
		section.Rows = append(section.Rows, graphRow{ID: opt.ID, Title: title})
	}
	in.Action.Sections = []graphSection{section}
	return s.send(ctx, graphMessage{To: to, Type: "interactive", Interactive: in})
}

// SendText sends a text message.
func (s *CloudAPIService) SendText(ctx context.Context, to string, body string) (string, error) {
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	return s.send(ctx, graphMessage{To: to, Type: "text", Text: map[string]string{"body": body}})
}
