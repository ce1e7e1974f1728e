package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/whatsapp"
)

// WhatsAppService implements Channel using a linked whatsmeow device. It has no template
// support, so templates are rendered locally and lists become polls.
type WhatsAppService struct {
	client whatsapp.Sender
}

var _ Channel = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{client: client}
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (s *WhatsAppService) SendTemplate(ctx context.Context, to string, tmpl models.TemplateSpec, params []string) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	slog.Debug("WhatsAppService SendTemplate rendering locally", "template", tmpl.Name, "to", canonicalTo)
	return s.client.SendText(ctx, canonicalTo, RenderBody(tmpl.Body, params))
}

func (s *WhatsAppService) SendInteractiveChoice(ctx context.Context, to string, tmpl models.TemplateSpec) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	if len(tmpl.Options) < 2 {
		return s.client.SendText(ctx, canonicalTo, RenderChoiceText(tmpl))
	}
	return s.client.SendPoll(ctx, canonicalTo, tmpl.Body, optionTitles(tmpl))
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	return s.client.SendText(ctx, canonicalTo, body)
}
