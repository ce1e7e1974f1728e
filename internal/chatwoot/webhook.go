package chatwoot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// EventMessageCreated is the only webhook event that carries candidate answers.
const EventMessageCreated = "message_created"

// DefaultProjectAttribute is the conversation custom attribute holding the project name.
const DefaultProjectAttribute = "proyecto"

// ErrMalformedWebhook is returned when the body is not a Chatwoot webhook payload.
var ErrMalformedWebhook = errors.New("malformed chatwoot webhook")

// flexString accepts a JSON string or number ("incoming" or 0, "2024-..." or 1700000000).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type webhookContact struct {
	ID          int    `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Type        string `json:"type"`
}

type submittedValue struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// WebhookPayload is the subset of a Chatwoot message webhook that SurveyPipe reads.
type WebhookPayload struct {
	Event             string     `json:"event"`
	ID                flexString `json:"id"`
	Content           string     `json:"content"`
	MessageType       flexString `json:"message_type"`
	Private           bool       `json:"private"`
	CreatedAt         flexString `json:"created_at"`
	ContentAttributes struct {
		SubmittedValues []submittedValue `json:"submitted_values"`
		// WhatsApp interactive replies relayed by Chatwoot.
		Interactive struct {
			ListReply struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"list_reply"`
			ButtonReply struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"button_reply"`
		} `json:"interactive"`
	} `json:"content_attributes"`
	Sender       webhookContact `json:"sender"`
	Conversation struct {
		ID               flexString        `json:"id"`
		CustomAttributes models.Attributes `json:"custom_attributes"`
		Meta             struct {
			Sender webhookContact `json:"sender"`
		} `json:"meta"`
	} `json:"conversation"`
	Inbox struct {
		ID flexString `json:"id"`
	} `json:"inbox"`
}

// ParseOptions tune webhook parsing.
type ParseOptions struct {
	// ProjectAttribute names the conversation custom attribute with the project; defaults to
	// DefaultProjectAttribute.
	ProjectAttribute string
	Now              func() time.Time
}

// ParseWebhook decodes a Chatwoot webhook body. It returns ok=false, without error, for events
// that are not incoming candidate messages (outgoing replies, notes, other event types).
func ParseWebhook(body []byte, opts ParseOptions) (models.InboundEvent, bool, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.InboundEvent{}, false, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
	}
	if p.Event != EventMessageCreated {
		return models.InboundEvent{}, false, nil
	}
	if !isIncoming(p.MessageType) || p.Private {
		return models.InboundEvent{}, false, nil
	}
	if p.Conversation.ID == "" {
		return models.InboundEvent{}, false, fmt.Errorf("%w: missing conversation id", ErrMalformedWebhook)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	projectAttr := opts.ProjectAttribute
	if projectAttr == "" {
		projectAttr = DefaultProjectAttribute
	}

	ev := models.InboundEvent{
		ConversationID:   string(p.Conversation.ID),
		Recipient:        firstNonEmpty(p.Conversation.Meta.Sender.PhoneNumber, p.Sender.PhoneNumber),
		Text:             p.Content,
		SelectedOptionID: selectionOf(p),
		ReceivedAt:       parseTimestamp(string(p.CreatedAt), now),
	}
	if p.ID != "" {
		ev.DeliveryID = "message:" + string(p.ID)
	}
	if project, ok := p.Conversation.CustomAttributes[projectAttr].(string); ok {
		ev.ProjectID = strings.TrimSpace(project)
	}
	return ev, true, nil
}

func isIncoming(t flexString) bool {
	switch strings.ToLower(string(t)) {
	case "incoming", "0":
		return true
	default:
		return false
	}
}

func selectionOf(p WebhookPayload) string {
	ca := p.ContentAttributes
	if len(ca.SubmittedValues) > 0 && ca.SubmittedValues[0].Value != "" {
		return ca.SubmittedValues[0].Value
	}
	return firstNonEmpty(ca.Interactive.ListReply.ID, ca.Interactive.ButtonReply.ID)
}

func parseTimestamp(raw string, now func() time.Time) time.Time {
	if raw == "" {
		return now()
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
