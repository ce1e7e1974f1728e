package models

import (
	"errors"
	"fmt"
)

// EffectKind names an externally observable action.
type EffectKind string

const (
	EffectSendTemplate EffectKind = "send_template"
	EffectSendText     EffectKind = "send_text"
	EffectAssignLabel  EffectKind = "assign_label"
	EffectAssignTeam   EffectKind = "assign_team"
	EffectPostNote     EffectKind = "post_note"
)

// IsValid reports whether k is a supported effect kind.
func (k EffectKind) IsValid() bool {
	switch k {
	case EffectSendTemplate, EffectSendText, EffectAssignLabel, EffectAssignTeam, EffectPostNote:
		return true
	default:
		return false
	}
}

// ChoiceOption is one selectable row of an interactive list.
type ChoiceOption struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Synonyms []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
}

// TemplateType distinguishes plain templates from interactive lists.
type TemplateType string

const (
	TemplateSimple TemplateType = "simple"
	TemplateList   TemplateType = "list"
)

// TemplateSpec is one entry of the outbound template catalog.
type TemplateSpec struct {
	Name     string       `yaml:"-" json:"name"`
	Type     TemplateType `yaml:"type" json:"type"`
	Language string       `yaml:"language,omitempty" json:"language,omitempty"`
	// Body is the rendered text used by channels without native templates; {{1}} style placeholders.
	Body       string `yaml:"body,omitempty" json:"body,omitempty"`
	ContentSID string `yaml:"content_sid,omitempty" json:"content_sid,omitempty"` // Twilio Content API

	Header       string         `yaml:"header,omitempty" json:"header,omitempty"`
	Button       string         `yaml:"button,omitempty" json:"button,omitempty"`
	SectionTitle string         `yaml:"section_title,omitempty" json:"section_title,omitempty"`
	Options      []ChoiceOption `yaml:"options,omitempty" json:"options,omitempty"`
}

// IsList reports whether the template is sent as an interactive list.
func (t TemplateSpec) IsList() bool {
	return t.Type == TemplateList
}

// SideEffectSpec describes one action to perform when a transition happens.
type SideEffectSpec struct {
	Kind EffectKind `yaml:"kind" json:"kind"`

	Template string   `yaml:"template,omitempty" json:"template,omitempty"` // send_template
	Params   []string `yaml:"params,omitempty" json:"params,omitempty"`

	Text  string `yaml:"text,omitempty" json:"text,omitempty"`   // send_text, post_note
	Label string `yaml:"label,omitempty" json:"label,omitempty"` // assign_label

	// BestEffort effects never block persistence of the transition.
	BestEffort bool `yaml:"best_effort,omitempty" json:"best_effort,omitempty"`
	// Unrecoverable effects move the conversation to the error terminal when they fail.
	Unrecoverable bool `yaml:"unrecoverable,omitempty" json:"unrecoverable,omitempty"`

	// Key identifies the effect for fired-effect bookkeeping; set by the engine.
	Key string `yaml:"-" json:"key,omitempty"`
}

// String returns a short description for logs.
func (s SideEffectSpec) String() string {
	switch s.Kind {
	case EffectSendTemplate:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Template)
	case EffectAssignLabel:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Label)
	default:
		return string(s.Kind)
	}
}

// Sentinel errors of the flow orchestrator.
var (
	// ErrUnknownState indicates a state id missing from the flow definition.
	ErrUnknownState = errors.New("unknown flow state")
	// ErrUnknownOutcome indicates an outcome with no edge and no default edge.
	ErrUnknownOutcome = errors.New("unknown outcome for state")
	// ErrInvalidFlow indicates a flow definition that failed validation.
	ErrInvalidFlow = errors.New("invalid flow definition")
	// ErrPersistence indicates the state store could not confirm a read or write.
	ErrPersistence = errors.New("persistence error")
	// ErrBusy indicates another worker holds the conversation lease.
	ErrBusy = errors.New("conversation busy")
	// ErrDuplicateDelivery indicates the delivery id was already processed.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)

// SideEffectError reports the first failing effect of a dispatch.
type SideEffectError struct {
	Index  int
	Effect SideEffectSpec
	Cause  error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %d %s failed: %v", e.Index, e.Effect, e.Cause)
}

func (e *SideEffectError) Unwrap() error {
	return e.Cause
}

// Reason values reported by the orchestrator for a handled event.
const (
	ReasonTransitioned     = "transitioned"
	ReasonStarted          = "started"
	ReasonReprompted       = "reprompted"
	ReasonDuplicate        = "duplicate_delivery"
	ReasonBusy             = "busy"
	ReasonTerminal         = "terminal"
	ReasonNotAdmitted      = "not_admitted"
	ReasonAwaitingMetadata = "awaiting_metadata"
	ReasonSideEffectFailed = "side_effect_failed"
	ReasonInvalidEvent     = "invalid_event"
)

// HandleResult is what the orchestrator reports for one inbound event.
type HandleResult struct {
	Accepted       bool           `json:"accepted"`
	NextStateID    StateID        `json:"next_state_id,omitempty"`
	TerminalReason TerminalReason `json:"terminal_reason,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}
