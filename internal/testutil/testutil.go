// Package testutil provides common test utilities and fakes for SurveyPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// ErrInjected is the default failure returned by FakeConversation when a failure is armed.
var ErrInjected = errors.New("injected failure")

// Note is a message posted through FakeConversation.PostMessage.
type Note struct {
	ConversationID string
	Content        string
	Private        bool
}

// FakeConversation is an in-memory stand-in for the Chatwoot conversation API. It satisfies
// both the attribute store and the conversation actions used by the dispatcher.
type FakeConversation struct {
	mu     sync.Mutex
	attrs  map[string]models.Attributes
	labels map[string][]string
	teams  map[string]int
	notes  []Note

	labelCalls int

	// Failure switches; nil means succeed.
	GetErr   error
	SetErr   error
	LabelErr error
	NoteErr  error
	TeamErr  error
}

// NewFakeConversation creates an empty fake.
func NewFakeConversation() *FakeConversation {
	return &FakeConversation{
		attrs:  map[string]models.Attributes{},
		labels: map[string][]string{},
		teams:  map[string]int{},
	}
}

func (f *FakeConversation) GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	return f.attrs[conversationID].Clone(), nil
}

func (f *FakeConversation) SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetErr != nil {
		return f.SetErr
	}
	f.attrs[conversationID] = attrs.Clone()
	return nil
}

func (f *FakeConversation) PostMessage(ctx context.Context, conversationID, content string, private bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NoteErr != nil {
		return f.NoteErr
	}
	f.notes = append(f.notes, Note{ConversationID: conversationID, Content: content, Private: private})
	return nil
}

func (f *FakeConversation) AssignLabel(ctx context.Context, conversationID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelCalls++
	if f.LabelErr != nil {
		return f.LabelErr
	}
	if !slices.Contains(f.labels[conversationID], label) {
		f.labels[conversationID] = append(f.labels[conversationID], label)
	}
	return nil
}

func (f *FakeConversation) AssignTeam(ctx context.Context, conversationID string, teamID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TeamErr != nil {
		return f.TeamErr
	}
	f.teams[conversationID] = teamID
	return nil
}

// Seed sets attributes of a conversation, as an upstream writer would.
func (f *FakeConversation) Seed(conversationID string, attrs models.Attributes) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[conversationID] = attrs.Clone()
}

// SetFailure arms or clears (err == nil) a failure switch under the fake's lock.
func (f *FakeConversation) SetFailure(target *error, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*target = err
}

// Attributes returns a copy of the stored attributes.
func (f *FakeConversation) Attributes(conversationID string) models.Attributes {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[conversationID].Clone()
}

// Labels returns the labels of a conversation.
func (f *FakeConversation) Labels(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.labels[conversationID]...)
}

// LabelCalls returns how many times AssignLabel was invoked.
func (f *FakeConversation) LabelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labelCalls
}

// Team returns the assigned team of a conversation, 0 if none.
func (f *FakeConversation) Team(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teams[conversationID]
}

// Notes returns the posted messages.
func (f *FakeConversation) Notes() []Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Note(nil), f.notes...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
