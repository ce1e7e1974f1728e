// Package models defines flow type definitions to avoid circular imports.
package models

// StateID identifies a node of the flow graph.
type StateID string

// Terminal is the sentinel next-state that ends a conversation.
const Terminal StateID = "TERMINAL"

// ResponseKind describes what kind of answer a state expects.
type ResponseKind string

const (
	ResponseYesNo      ResponseKind = "yes_no"
	ResponseEnumChoice ResponseKind = "enum_choice"
	ResponseNone       ResponseKind = "none"
)

// IsValid reports whether the kind is one of the supported response kinds.
func (k ResponseKind) IsValid() bool {
	switch k {
	case ResponseYesNo, ResponseEnumChoice, ResponseNone:
		return true
	default:
		return false
	}
}

// Outcome is the classified category of a participant's answer.
type Outcome string

// Outcome constants shared by every flow.
const (
	OutcomeYes     Outcome = "yes"
	OutcomeNo      Outcome = "no"
	OutcomeDefault Outcome = "default"
	// OutcomeInvalid marks an answer that could not be classified.
	OutcomeInvalid Outcome = ""
)

// TerminalReason records why a conversation left the flow.
type TerminalReason string

const (
	TerminalNone      TerminalReason = ""
	TerminalCompleted TerminalReason = "completed"
	TerminalRejected  TerminalReason = "rejected"
	TerminalCancelled TerminalReason = "cancelled"
	TerminalError     TerminalReason = "error"
)

// IsValid reports whether r is a known terminal reason (the empty reason is not).
func (r TerminalReason) IsValid() bool {
	switch r {
	case TerminalCompleted, TerminalRejected, TerminalCancelled, TerminalError:
		return true
	default:
		return false
	}
}

// DataKey is a conversation attribute key owned by the orchestrator.
type DataKey string

// Attribute keys written by SurveyPipe. Every other attribute belongs to upstream writers.
const (
	DataKeyCurrentState   DataKey = "survey_state"
	DataKeyTerminalReason DataKey = "survey_terminal_reason"
	DataKeyFiredEffects   DataKey = "survey_fired_effects"
	DataKeyUpdatedAt      DataKey = "survey_updated_at"
)

// IsOwnedKey reports whether an attribute key is managed by the orchestrator.
func IsOwnedKey(key string) bool {
	switch DataKey(key) {
	case DataKeyCurrentState, DataKeyTerminalReason, DataKeyFiredEffects, DataKeyUpdatedAt:
		return true
	default:
		return false
	}
}
