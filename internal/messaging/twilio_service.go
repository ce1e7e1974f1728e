package messaging

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/twiliowhatsapp"
)

// TwilioService implements Channel using the Twilio API. Templates with a ContentSID go through
// the Content API; others are rendered to text.
type TwilioService struct {
	client twiliowhatsapp.Sender
}

var _ Channel = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (s *TwilioService) SendTemplate(ctx context.Context, to string, tmpl models.TemplateSpec, params []string) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendTemplate validation error", "error", err, "to", to)
		return "", err
	}
	if tmpl.ContentSID != "" {
		vars := make(map[string]string, len(params))
		for i, p := range params {
			vars[strconv.Itoa(i+1)] = p
		}
		return s.client.SendContent(ctx, canonicalTo, tmpl.ContentSID, vars)
	}
	return s.client.SendText(ctx, canonicalTo, RenderBody(tmpl.Body, params))
}

func (s *TwilioService) SendInteractiveChoice(ctx context.Context, to string, tmpl models.TemplateSpec) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendInteractiveChoice validation error", "error", err, "to", to)
		return "", err
	}
	if tmpl.ContentSID != "" {
		return s.client.SendContent(ctx, canonicalTo, tmpl.ContentSID, nil)
	}
	return s.client.SendText(ctx, canonicalTo, RenderChoiceText(tmpl))
}

func (s *TwilioService) SendText(ctx context.Context, to string, body string) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", to)
		return "", err
	}
	return s.client.SendText(ctx, canonicalTo, body)
}
