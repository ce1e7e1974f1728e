// Package messaging delivers survey prompts to candidates over WhatsApp.
//
// A Channel hides which provider actually carries the message: the Meta Cloud API (the
// production path, with approved templates and interactive lists), Twilio, or a linked
// whatsmeow device.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// DefaultTemplateLanguage is used for templates that do not declare a language.
const DefaultTemplateLanguage = "es_CO"

// Channel sends outbound survey messages. Every send returns the provider message id.
type Channel interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendTemplate sends a catalog template; params fill its {{n}} placeholders in order.
	SendTemplate(ctx context.Context, to string, tmpl models.TemplateSpec, params []string) (string, error)

	// SendInteractiveChoice sends a list template as a selectable choice.
	SendInteractiveChoice(ctx context.Context, to string, tmpl models.TemplateSpec) (string, error)

	// SendText sends free-form text within the customer service window.
	SendText(ctx context.Context, to string, body string) (string, error)
}

var phoneNumberRegex = regexp.MustCompile(`\D`)

// CanonicalizePhone strips everything but digits and requires at least 6 of them.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizePhone modified recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// RenderBody substitutes {{1}}, {{2}}, ... in body with params.
func RenderBody(body string, params []string) string {
	if len(params) == 0 {
		return body
	}
	pairs := make([]string, 0, 2*len(params))
	for i, p := range params {
		pairs = append(pairs, "{{"+strconv.Itoa(i+1)+"}}", p)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// RenderChoiceText renders a list template as numbered text for providers without lists.
func RenderChoiceText(tmpl models.TemplateSpec) string {
	var b strings.Builder
	b.WriteString(tmpl.Body)
	if len(tmpl.Options) > 0 {
		b.WriteString("\n")
	}
	for i, opt := range tmpl.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Title)
	}
	return b.String()
}

// optionTitles returns the titles of the list options in order.
func optionTitles(tmpl models.TemplateSpec) []string {
	titles := make([]string, len(tmpl.Options))
	for i, opt := range tmpl.Options {
		titles[i] = opt.Title
	}
	return titles
}

func languageOf(tmpl models.TemplateSpec) string {
	if tmpl.Language != "" {
		return tmpl.Language
	}
	return DefaultTemplateLanguage
}
