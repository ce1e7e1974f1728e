package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// SentKind tells which Channel method produced a SentMessage.
type SentKind string

const (
	SentTemplate SentKind = "template"
	SentChoice   SentKind = "choice"
	SentText     SentKind = "text"
)

// SentMessage is one send recorded by MockChannel.
type SentMessage struct {
	Kind     SentKind
	To       string
	Template string
	Params   []string
	Body     string
}

// MockChannel records sends in memory. FailTemplates and FailText inject errors.
type MockChannel struct {
	mu            sync.Mutex
	sent          []SentMessage
	FailTemplates map[string]error
	FailText      error
}

var _ Channel = (*MockChannel)(nil)

// NewMockChannel creates an empty MockChannel.
func NewMockChannel() *MockChannel {
	return &MockChannel{FailTemplates: map[string]error{}}
}

func (m *MockChannel) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (m *MockChannel) record(msg SentMessage, failure error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failure != nil {
		return "", failure
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("wamid.mock.%d", len(m.sent)), nil
}

func (m *MockChannel) templateFailure(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FailTemplates[name]
}

func (m *MockChannel) SendTemplate(ctx context.Context, to string, tmpl models.TemplateSpec, params []string) (string, error) {
	return m.record(SentMessage{Kind: SentTemplate, To: to, Template: tmpl.Name, Params: params, Body: RenderBody(tmpl.Body, params)}, m.templateFailure(tmpl.Name))
}

func (m *MockChannel) SendInteractiveChoice(ctx context.Context, to string, tmpl models.TemplateSpec) (string, error) {
	return m.record(SentMessage{Kind: SentChoice, To: to, Template: tmpl.Name, Body: RenderChoiceText(tmpl)}, m.templateFailure(tmpl.Name))
}

func (m *MockChannel) SendText(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	failure := m.FailText
	m.mu.Unlock()
	return m.record(SentMessage{Kind: SentText, To: to, Body: body}, failure)
}

// SetTemplateFailure makes sends of template name fail with err; a nil err clears it.
func (m *MockChannel) SetTemplateFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.FailTemplates, name)
		return
	}
	m.FailTemplates[name] = err
}

// Sent returns a copy of the recorded sends.
func (m *MockChannel) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Templates returns the template names sent so far, in order.
func (m *MockChannel) Templates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, s := range m.sent {
		if s.Template != "" {
			names = append(names, s.Template)
		}
	}
	return names
}
