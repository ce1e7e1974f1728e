// Package models defines state management structures for SurveyPipe flows.
package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Attributes is the opaque attribute map stored alongside a conversation.
type Attributes map[string]any

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ConversationRecord is the durable per-conversation flow state.
// An empty CurrentState means the flow has not started yet.
type ConversationRecord struct {
	ConversationID string          `json:"conversation_id"`
	CurrentState   StateID         `json:"current_state,omitempty"`
	TerminalReason TerminalReason  `json:"terminal_reason,omitempty"`
	Metadata       Attributes      `json:"metadata,omitempty"`      // attributes not owned by the flow
	FiredEffects   map[string]bool `json:"fired_effects,omitempty"` // effect keys already executed
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewConversationRecord returns the zero-value record for an unseen conversation.
func NewConversationRecord(conversationID string) ConversationRecord {
	return ConversationRecord{
		ConversationID: conversationID,
		Metadata:       Attributes{},
		FiredEffects:   map[string]bool{},
	}
}

// Started reports whether the conversation has entered the flow.
func (r ConversationRecord) Started() bool {
	return r.CurrentState != ""
}

// IsTerminal reports whether the conversation has left the flow.
func (r ConversationRecord) IsTerminal() bool {
	return r.TerminalReason != TerminalNone
}

// HasFired reports whether the effect key was already executed.
func (r ConversationRecord) HasFired(key string) bool {
	return r.FiredEffects[key]
}

// Clone returns a deep copy of the record's maps.
func (r ConversationRecord) Clone() ConversationRecord {
	out := r
	out.Metadata = r.Metadata.Clone()
	out.FiredEffects = make(map[string]bool, len(r.FiredEffects))
	for k, v := range r.FiredEffects {
		out.FiredEffects[k] = v
	}
	return out
}

// ToAttributes encodes the record into a flat attribute map: metadata plus the owned keys.
func (r ConversationRecord) ToAttributes() Attributes {
	attrs := make(Attributes, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		if IsOwnedKey(k) {
			continue
		}
		attrs[k] = v
	}
	attrs[string(DataKeyCurrentState)] = string(r.CurrentState)
	attrs[string(DataKeyTerminalReason)] = string(r.TerminalReason)
	attrs[string(DataKeyFiredEffects)] = encodeFired(r.FiredEffects)
	if !r.UpdatedAt.IsZero() {
		attrs[string(DataKeyUpdatedAt)] = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return attrs
}

// RecordFromAttributes decodes an attribute map produced by ToAttributes.
// Unknown keys are preserved as metadata.
func RecordFromAttributes(conversationID string, attrs Attributes) ConversationRecord {
	rec := NewConversationRecord(conversationID)
	for k, v := range attrs {
		switch DataKey(k) {
		case DataKeyCurrentState:
			rec.CurrentState = StateID(attrString(v))
		case DataKeyTerminalReason:
			rec.TerminalReason = TerminalReason(attrString(v))
		case DataKeyFiredEffects:
			rec.FiredEffects = decodeFired(attrString(v))
		case DataKeyUpdatedAt:
			if t, err := time.Parse(time.RFC3339, attrString(v)); err == nil {
				rec.UpdatedAt = t
			}
		default:
			rec.Metadata[k] = v
		}
	}
	return rec
}

func attrString(v any) string {
	s, _ := v.(string)
	return s
}

func encodeFired(fired map[string]bool) string {
	keys := make([]string, 0, len(fired))
	for k, ok := range fired {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func decodeFired(s string) map[string]bool {
	out := map[string]bool{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = true
		}
	}
	return out
}

// ErrEmptyConversationID is returned for events without a conversation id.
var ErrEmptyConversationID = errors.New("conversation id is required")

// InboundEvent is one webhook delivery of a participant message.
type InboundEvent struct {
	ConversationID   string    `json:"conversation_id"`
	Recipient        string    `json:"recipient,omitempty"` // contact phone number used for replies
	Text             string    `json:"text,omitempty"`
	SelectedOptionID string    `json:"selected_option_id,omitempty"`
	DeliveryID       string    `json:"delivery_id,omitempty"`
	ProjectID        string    `json:"project_id,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Validate checks the fields the orchestrator cannot work without.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.ConversationID) == "" {
		return ErrEmptyConversationID
	}
	return nil
}

// IsBlank reports whether the event carries neither text nor a structured selection.
func (e InboundEvent) IsBlank() bool {
	return strings.TrimSpace(e.Text) == "" && strings.TrimSpace(e.SelectedOptionID) == ""
}
