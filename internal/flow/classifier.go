package flow

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// ChoiceFallback resolves free text that matched no option synonym. It returns the id of one
// of the options, or "" when the text matches none of them.
type ChoiceFallback interface {
	ClassifyChoice(ctx context.Context, question string, options []models.ChoiceOption, text string) (string, error)
}

// Classifier maps an inbound message onto one of a state's outcomes.
type Classifier struct {
	affirmative map[string]bool
	negative    map[string]bool
	fallback    ChoiceFallback
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithChoiceFallback sets the resolver used for unmatched enum free text.
func WithChoiceFallback(f ChoiceFallback) ClassifierOption {
	return func(c *Classifier) {
		c.fallback = f
	}
}

// NewClassifier builds a classifier from the definition's token sets.
func NewClassifier(cfg ClassifierConfig, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		affirmative: tokenSet(cfg.Affirmative),
		negative:    tokenSet(cfg.Negative),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if n := Normalize(t); n != "" {
			set[n] = true
		}
	}
	return set
}

// Classify returns the outcome of ev for st, or models.OutcomeInvalid.
func (c *Classifier) Classify(ctx context.Context, st *State, ev models.InboundEvent) models.Outcome {
	if ev.IsBlank() {
		return models.OutcomeInvalid
	}
	switch st.Kind {
	case models.ResponseYesNo:
		return c.classifyYesNo(ev)
	case models.ResponseEnumChoice:
		return c.classifyChoice(ctx, st, ev)
	case models.ResponseNone:
		return models.OutcomeDefault
	default:
		slog.Warn("Classifier.Classify: unknown response kind", "state", st.ID, "kind", st.Kind)
		return models.OutcomeInvalid
	}
}

func (c *Classifier) classifyYesNo(ev models.InboundEvent) models.Outcome {
	text := ev.Text
	if strings.TrimSpace(text) == "" {
		// Quick-reply buttons carry the answer in the payload only.
		text = ev.SelectedOptionID
	}
	n := Normalize(text)
	switch {
	case c.affirmative[n]:
		return models.OutcomeYes
	case c.negative[n]:
		return models.OutcomeNo
	default:
		return models.OutcomeInvalid
	}
}

func (c *Classifier) classifyChoice(ctx context.Context, st *State, ev models.InboundEvent) models.Outcome {
	if sel := strings.TrimSpace(ev.SelectedOptionID); sel != "" {
		for _, opt := range st.Options {
			if strings.EqualFold(opt.ID, sel) {
				return models.Outcome(opt.ID)
			}
		}
		slog.Debug("Classifier.classifyChoice: selection matches no option", "state", st.ID, "selection", sel)
	}

	text := Normalize(ev.Text)
	if text == "" {
		return models.OutcomeInvalid
	}
	for _, opt := range st.Options {
		if matchesOption(text, opt) {
			return models.Outcome(opt.ID)
		}
	}

	if c.fallback == nil {
		return models.OutcomeInvalid
	}
	id, err := c.fallback.ClassifyChoice(ctx, string(st.ID), st.Options, ev.Text)
	if err != nil {
		slog.Warn("Classifier.classifyChoice: fallback failed", "state", st.ID, "error", err)
		return models.OutcomeInvalid
	}
	for _, opt := range st.Options {
		if opt.ID == id {
			slog.Debug("Classifier.classifyChoice: resolved by fallback", "state", st.ID, "option", id)
			return models.Outcome(opt.ID)
		}
	}
	return models.OutcomeInvalid
}

func matchesOption(text string, opt models.ChoiceOption) bool {
	if text == Normalize(opt.ID) {
		return true
	}
	if t := Normalize(opt.Title); t != "" && strings.Contains(text, t) {
		return true
	}
	for _, syn := range opt.Synonyms {
		if s := Normalize(syn); s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Normalize lower-cases s, strips accents, collapses whitespace and trims surrounding
// punctuation, so that "¡Sí!" and "si" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
	return strings.TrimFunc(stripped, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}
