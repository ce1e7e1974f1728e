package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/SurveyPipe/internal/dispatch"
	"github.com/BTreeMap/SurveyPipe/internal/flow"
	"github.com/BTreeMap/SurveyPipe/internal/guard"
	"github.com/BTreeMap/SurveyPipe/internal/messaging"
	"github.com/BTreeMap/SurveyPipe/internal/metrics"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/orchestrator"
	"github.com/BTreeMap/SurveyPipe/internal/testutil"
)

const catalogYAML = `
name: api
entry: A
templates:
  saludo: {type: simple, body: "Hola {{1}}"}
  distancia:
    type: list
    body: "Distancia"
    button: "Ver opciones"
    options:
      - {id: cerca, title: "Menos de 1 km"}
      - {id: lejos, title: "Mas de 1 km"}
states:
  - id: A
    kind: yes_no
    template: saludo
    on_outcome:
      default: TERMINAL
`

type stubHandler struct {
	mu     sync.Mutex
	events []models.InboundEvent
	result models.HandleResult
	err    error
}

func (h *stubHandler) HandleInboundEvent(ctx context.Context, ev models.InboundEvent) (models.HandleResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.result, h.err
}

func newTestServer(t *testing.T, handler EventHandler, opts ...Option) (*Server, *messaging.MockChannel) {
	t.Helper()
	def, err := flow.Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ch := messaging.NewMockChannel()
	return NewServer(handler, ch, def, opts...), ch
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)
	return rr
}

const webhookBody = `{
  "event": "message_created",
  "id": 77,
  "content": "si",
  "message_type": "incoming",
  "conversation": {"id": 9, "meta": {"sender": {"phone_number": "+573001234567"}}}
}`

func TestWebhookHandler_DelegatesEvent(t *testing.T) {
	h := &stubHandler{result: models.HandleResult{Accepted: true, NextStateID: "B", Reason: models.ReasonTransitioned}}
	s, _ := newTestServer(t, h)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot", webhookBody))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result, ok := resp["result"].(map[string]interface{})
	if !ok || result["next_state_id"] != "B" || result["accepted"] != true {
		t.Errorf("unexpected result %v", resp["result"])
	}
	if len(h.events) != 1 || h.events[0].ConversationID != "9" || h.events[0].DeliveryID != "message:77" {
		t.Errorf("unexpected events %+v", h.events)
	}
}

func TestWebhookHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{"method not allowed", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, "{not json", nil, http.StatusBadRequest},
		{"handler error", http.MethodPost, webhookBody, models.ErrPersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &stubHandler{err: tt.err})
			rr := serve(s, testutil.CreateHTTPRequest(t, tt.method, "/webhook/chatwoot", tt.body))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestWebhookHandler_IgnoresOutgoing(t *testing.T) {
	h := &stubHandler{}
	s, _ := newTestServer(t, h)
	body := `{"event":"message_created","id":1,"message_type":"outgoing","conversation":{"id":9}}`

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "outgoing")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusIgnored))
	if len(h.events) != 0 {
		t.Errorf("outgoing messages must not reach the orchestrator")
	}
}

func TestWebhookHandler_Token(t *testing.T) {
	s, _ := newTestServer(t, &stubHandler{}, WithWebhookToken("s3cret"))

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot?token=wrong", webhookBody))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "wrong token")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot?token=s3cret", webhookBody))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "right token")
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	s, _ := newTestServer(t, &stubHandler{})
	body := `{"event":"message_created","content":"` + strings.Repeat("x", MaxWebhookBodyBytes) + `"}`
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot", body))
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "large body")
}

func TestWebhookHandler_EndToEnd(t *testing.T) {
	def, err := flow.Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conv := testutil.NewFakeConversation()
	ch := messaging.NewMockChannel()
	orch := orchestrator.New(
		flow.NewEngine(def),
		flow.NewClassifier(def.Classifier),
		flow.NewStoreBasedStateManager(conv),
		guard.NewInMemory(),
		dispatch.New(ch, conv, def),
		orchestrator.WithMetadataWait(0),
	)
	s := NewServer(orch, ch, def)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot", webhookBody))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first delivery")
	if got := ch.Templates(); len(got) != 1 || got[0] != "saludo" {
		t.Fatalf("expected the entry template, got %v", got)
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/chatwoot", webhookBody))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "redelivery")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	if result, _ := resp["result"].(map[string]interface{}); result["reason"] != models.ReasonDuplicate {
		t.Errorf("expected duplicate, got %v", resp["result"])
	}
	if len(ch.Sent()) != 1 {
		t.Errorf("redelivery must not send again, got %v", ch.Sent())
	}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, &stubHandler{})
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result := resp["result"].(map[string]interface{})
	if result["service"] != ServiceName {
		t.Errorf("unexpected service %v", result["service"])
	}
	if templates, _ := result["templates"].([]interface{}); len(templates) != 2 {
		t.Errorf("expected 2 templates, got %v", result["templates"])
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/nope", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown path")
}

func TestTemplatesHandler(t *testing.T) {
	s, _ := newTestServer(t, &stubHandler{})
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/templates", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "templates")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result := resp["result"].(map[string]interface{})
	if result["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", result["total"])
	}
	templates := result["templates"].([]interface{})
	first := templates[0].(map[string]interface{})
	if first["name"] != "distancia" || first["type"] != "list" || first["description"] != "Interactive list" {
		t.Errorf("unexpected first template %v", first)
	}
}

func TestSendTemplateHandler(t *testing.T) {
	s, ch := newTestServer(t, &stubHandler{})

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/send-template", models.SendTemplateRequest{
		Phone: "+57 300-123-4567", Template: "saludo", Params: []string{"Ana"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "simple template")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	if resp["message"] != "Template sent" {
		t.Errorf("unexpected message %v", resp["message"])
	}
	result := resp["result"].(map[string]interface{})
	if result["phone"] != "573001234567" || result["message_id"] == "" {
		t.Errorf("unexpected result %v", result)
	}
	sent := ch.Sent()
	if len(sent) != 1 || sent[0].Kind != messaging.SentTemplate || sent[0].Body != "Hola Ana" {
		t.Fatalf("unexpected sends %v", sent)
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/send-template", models.SendTemplateRequest{
		Phone: "573001234567", Template: "distancia",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list template")
	if resp = testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK)); resp["message"] != "Interactive list sent" {
		t.Errorf("unexpected message %v", resp["message"])
	}
	if sent = ch.Sent(); len(sent) != 2 || sent[1].Kind != messaging.SentChoice {
		t.Errorf("list templates must go out as interactive choices, got %v", sent)
	}
}

func TestSendTemplateHandler_Errors(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
		fail bool
		want int
	}{
		{"invalid json", "{", false, http.StatusBadRequest},
		{"missing phone", models.SendTemplateRequest{Template: "saludo"}, false, http.StatusBadRequest},
		{"missing template", models.SendTemplateRequest{Phone: "573001234567"}, false, http.StatusBadRequest},
		{"bad phone", models.SendTemplateRequest{Phone: "12", Template: "saludo"}, false, http.StatusBadRequest},
		{"unknown template", models.SendTemplateRequest{Phone: "573001234567", Template: "nope"}, false, http.StatusNotFound},
		{"channel failure", models.SendTemplateRequest{Phone: "573001234567", Template: "saludo"}, true, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ch := newTestServer(t, &stubHandler{})
			if tt.fail {
				ch.SetTemplateFailure("saludo", errors.New("graph api down"))
			}
			rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/send-template", tt.body))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("api_test")
	m.RecordEffect("send_text", "ok")
	s, _ := newTestServer(t, &stubHandler{}, WithMetrics(m))

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "api_test_side_effects_total") {
		t.Errorf("metrics output missing counter:\n%s", rr.Body.String())
	}

	s, _ = newTestServer(t, &stubHandler{})
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "metrics disabled")
}
