package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/SurveyPipe/internal/dispatch"
	"github.com/BTreeMap/SurveyPipe/internal/flow"
	"github.com/BTreeMap/SurveyPipe/internal/guard"
	"github.com/BTreeMap/SurveyPipe/internal/messaging"
	"github.com/BTreeMap/SurveyPipe/internal/metrics"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/testutil"
)

const abFlowYAML = `
name: ab
entry: A
error_message: "Por favor contacte a soporte."
templates:
  tmpl_a: {type: simple, body: "Pregunta A"}
  tmpl_b: {type: simple, body: "Pregunta B"}
states:
  - id: A
    kind: yes_no
    template: tmpl_a
    help: "Responda si o no (A)"
    on_outcome:
      yes: B
      no: TERMINAL
    terminal_reasons:
      no: cancelled
  - id: B
    kind: yes_no
    template: tmpl_b
    help: "Responda si o no (B)"
    on_outcome:
      yes: TERMINAL
      no: A
    on_exit:
      yes:
        - kind: assign_label
          label: completo
`

type harness struct {
	orch *Orchestrator
	conv *testutil.FakeConversation
	ch   *messaging.MockChannel
}

func newHarness(t *testing.T, flowYAML string, opts ...Option) *harness {
	t.Helper()
	def, err := flow.Parse([]byte(flowYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conv := testutil.NewFakeConversation()
	ch := messaging.NewMockChannel()
	states := flow.NewStoreBasedStateManager(conv)
	d := dispatch.New(ch, conv, def, dispatch.WithCallTimeout(time.Second))
	opts = append([]Option{WithMetadataWait(0)}, opts...)
	orch := New(flow.NewEngine(def), flow.NewClassifier(def.Classifier), states, guard.NewInMemory(), d, opts...)
	return &harness{orch: orch, conv: conv, ch: ch}
}

func (h *harness) send(t *testing.T, deliveryID, text string) models.HandleResult {
	t.Helper()
	res, err := h.orch.HandleInboundEvent(context.Background(), models.InboundEvent{
		ConversationID: "42",
		Recipient:      "573001234567",
		Text:           text,
		DeliveryID:     deliveryID,
		ReceivedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleInboundEvent(%s, %q) returned error: %v", deliveryID, text, err)
	}
	return res
}

func countTemplate(ch *messaging.MockChannel, name string) int {
	n := 0
	for _, tmpl := range ch.Templates() {
		if tmpl == name {
			n++
		}
	}
	return n
}

func TestHandleInboundEvent_CompletesFlow(t *testing.T) {
	h := newHarness(t, abFlowYAML)

	res := h.send(t, "m1", "hola")
	if !res.Accepted || res.NextStateID != "A" || res.Reason != models.ReasonStarted {
		t.Fatalf("expected start into A, got %+v", res)
	}
	res = h.send(t, "m2", "si")
	if res.NextStateID != "B" || res.Reason != models.ReasonTransitioned {
		t.Fatalf("expected A->B, got %+v", res)
	}
	res = h.send(t, "m3", "Sí")
	if res.NextStateID != models.Terminal || res.TerminalReason != models.TerminalCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}

	got := h.ch.Templates()
	if len(got) != 2 || got[0] != "tmpl_a" || got[1] != "tmpl_b" {
		t.Errorf("unexpected templates sent: %v", got)
	}
	if labels := h.conv.Labels("42"); len(labels) != 1 || labels[0] != "completo" {
		t.Errorf("expected a single completo label, got %v", labels)
	}
	attrs := h.conv.Attributes("42")
	if attrs[string(models.DataKeyTerminalReason)] != string(models.TerminalCompleted) {
		t.Errorf("terminal reason not persisted: %v", attrs)
	}

	// Replayed delivery and later messages leave the conversation alone.
	if res = h.send(t, "m3", "si"); res.Reason != models.ReasonDuplicate || res.Accepted {
		t.Errorf("expected duplicate, got %+v", res)
	}
	if res = h.send(t, "m4", "si"); res.Reason != models.ReasonTerminal || res.TerminalReason != models.TerminalCompleted {
		t.Errorf("expected terminal short-circuit, got %+v", res)
	}
	if h.conv.LabelCalls() != 1 {
		t.Errorf("label assigned %d times", h.conv.LabelCalls())
	}
	if len(h.ch.Sent()) != 2 {
		t.Errorf("no messages expected after completion, got %v", h.ch.Sent())
	}
}

func TestHandleInboundEvent_NoCancels(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	h.send(t, "m1", "hola")

	res := h.send(t, "m2", "no")
	if res.NextStateID != models.Terminal || res.TerminalReason != models.TerminalCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if labels := h.conv.Labels("42"); len(labels) != 0 {
		t.Errorf("cancelled conversations get no label, got %v", labels)
	}
}

func TestHandleInboundEvent_InvalidReprompts(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	h.send(t, "m1", "hola")

	res := h.send(t, "m2", "quizas")
	if !res.Accepted || res.Reason != models.ReasonReprompted || res.NextStateID != "A" {
		t.Fatalf("expected re-prompt at A, got %+v", res)
	}
	sent := h.ch.Sent()
	if len(sent) != 2 || sent[1].Kind != messaging.SentText || sent[1].Body != "Responda si o no (A)" {
		t.Fatalf("expected one help message, got %v", sent)
	}
	if state := h.conv.Attributes("42")[string(models.DataKeyCurrentState)]; state != "A" {
		t.Errorf("state must not advance, got %v", state)
	}

	// A blank message after start is answered with help too.
	if res = h.send(t, "m3", "  "); res.Reason != models.ReasonReprompted {
		t.Errorf("expected re-prompt for blank text, got %+v", res)
	}
}

func TestHandleInboundEvent_BlankBeforeStartIgnored(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	res := h.send(t, "m1", "")
	if res.Accepted || res.Reason != models.ReasonInvalidEvent {
		t.Fatalf("expected ignored blank event, got %+v", res)
	}
	if len(h.ch.Sent()) != 0 {
		t.Errorf("nothing should be sent, got %v", h.ch.Sent())
	}
}

func TestHandleInboundEvent_EmptyConversationID(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	res, err := h.orch.HandleInboundEvent(context.Background(), models.InboundEvent{Text: "hola"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason != models.ReasonInvalidEvent {
		t.Errorf("expected invalid event, got %+v", res)
	}
}

func TestHandleInboundEvent_PreservesUpstreamMetadata(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	h.conv.Seed("42", models.Attributes{"proyecto": "bogota", "cedula": "123"})

	h.send(t, "m1", "hola")
	h.send(t, "m2", "si")

	attrs := h.conv.Attributes("42")
	if attrs["proyecto"] != "bogota" || attrs["cedula"] != "123" {
		t.Errorf("upstream metadata lost: %v", attrs)
	}
	if attrs[string(models.DataKeyCurrentState)] != "B" {
		t.Errorf("expected state B, got %v", attrs[string(models.DataKeyCurrentState)])
	}
}

func TestHandleInboundEvent_ConcurrentEventsStartOnce(t *testing.T) {
	h := newHarness(t, abFlowYAML)

	const n = 20
	results := make([]models.HandleResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.HandleInboundEvent(context.Background(), models.InboundEvent{
				ConversationID: "42",
				Recipient:      "573001234567",
				Text:           "hola",
				DeliveryID:     "d" + string(rune('a'+i)),
			})
			if err != nil {
				t.Errorf("event %d failed: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	started := 0
	for _, res := range results {
		switch res.Reason {
		case models.ReasonStarted:
			started++
		case models.ReasonBusy, models.ReasonReprompted:
		default:
			t.Errorf("unexpected result %+v", res)
		}
	}
	if started != 1 {
		t.Errorf("expected exactly one start, got %d", started)
	}
	if got := countTemplate(h.ch, "tmpl_a"); got != 1 {
		t.Errorf("entry template sent %d times", got)
	}
}

func TestHandleInboundEvent_BusyForgetsDelivery(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	g := h.orch.guard
	lease, ok, err := g.Acquire(context.Background(), "42")
	if err != nil || !ok {
		t.Fatalf("Acquire failed: %v %v", ok, err)
	}

	if res := h.send(t, "m1", "hola"); res.Reason != models.ReasonBusy {
		t.Fatalf("expected busy, got %+v", res)
	}
	g.Release(context.Background(), lease)

	if res := h.send(t, "m1", "hola"); res.Reason != models.ReasonStarted {
		t.Errorf("redelivery after busy must be processed, got %+v", res)
	}
}

func TestHandleInboundEvent_PersistenceErrorForgetsDelivery(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	h.conv.SetFailure(&h.conv.SetErr, testutil.ErrInjected)

	_, err := h.orch.HandleInboundEvent(context.Background(), models.InboundEvent{ConversationID: "42", Recipient: "573001234567", Text: "hola", DeliveryID: "m1"})
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	h.conv.SetFailure(&h.conv.SetErr, nil)
	if res := h.send(t, "m1", "hola"); res.Reason != models.ReasonStarted {
		t.Errorf("redelivery after persistence error must be processed, got %+v", res)
	}
}

func TestHandleInboundEvent_SideEffectFailureKeepsState(t *testing.T) {
	h := newHarness(t, abFlowYAML)
	h.send(t, "m1", "hola")
	h.ch.SetTemplateFailure("tmpl_b", errors.New("channel down"))

	res := h.send(t, "m2", "si")
	if res.Accepted || res.Reason != models.ReasonSideEffectFailed || res.NextStateID != "A" {
		t.Fatalf("expected failed dispatch at A, got %+v", res)
	}
	if state := h.conv.Attributes("42")[string(models.DataKeyCurrentState)]; state != "A" {
		t.Errorf("state must not advance, got %v", state)
	}

	h.ch.SetTemplateFailure("tmpl_b", nil)
	if res = h.send(t, "m2", "si"); res.NextStateID != "B" {
		t.Errorf("retried delivery should advance to B, got %+v", res)
	}
}

const replayFlowYAML = `
name: replay
entry: A
templates:
  tmpl_a: {type: simple, body: "Pregunta A"}
  tmpl_b: {type: simple, body: "Pregunta B"}
states:
  - id: A
    kind: yes_no
    template: tmpl_a
    on_outcome:
      yes: B
      no: TERMINAL
  - id: B
    kind: yes_no
    on_enter:
      - kind: assign_label
        label: en_progreso
      - kind: send_template
        template: tmpl_b
    on_outcome:
      default: TERMINAL
`

func TestHandleInboundEvent_ReplaySkipsFiredEffects(t *testing.T) {
	h := newHarness(t, replayFlowYAML)
	h.send(t, "m1", "hola")
	h.ch.SetTemplateFailure("tmpl_b", errors.New("channel down"))

	if res := h.send(t, "m2", "si"); res.Reason != models.ReasonSideEffectFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	fired := h.conv.Attributes("42")[string(models.DataKeyFiredEffects)]
	if fired != "A>B:0" {
		t.Fatalf("expected the label effect recorded as fired, got %v", fired)
	}

	h.ch.SetTemplateFailure("tmpl_b", nil)
	if res := h.send(t, "m2", "si"); res.NextStateID != "B" {
		t.Fatalf("expected B after retry, got %+v", res)
	}
	if h.conv.LabelCalls() != 1 {
		t.Errorf("label effect replayed: %d calls", h.conv.LabelCalls())
	}
	if got := countTemplate(h.ch, "tmpl_b"); got != 1 {
		t.Errorf("tmpl_b sent %d times", got)
	}
}

const unrecoverableFlowYAML = `
name: unrecoverable
entry: A
error_message: "Por favor contacte a soporte."
templates:
  tmpl_a: {type: simple, body: "Pregunta A"}
states:
  - id: A
    kind: yes_no
    on_enter:
      - kind: send_template
        template: tmpl_a
        unrecoverable: true
    on_outcome:
      default: TERMINAL
`

func TestHandleInboundEvent_UnrecoverableMovesToError(t *testing.T) {
	h := newHarness(t, unrecoverableFlowYAML)
	h.ch.SetTemplateFailure("tmpl_a", errors.New("template rejected"))

	res := h.send(t, "m1", "hola")
	if !res.Accepted || res.TerminalReason != models.TerminalError || res.Reason != models.ReasonSideEffectFailed {
		t.Fatalf("expected error terminal, got %+v", res)
	}
	sent := h.ch.Sent()
	if len(sent) != 1 || sent[0].Body != "Por favor contacte a soporte." {
		t.Fatalf("expected one support message, got %v", sent)
	}
	if reason := h.conv.Attributes("42")[string(models.DataKeyTerminalReason)]; reason != string(models.TerminalError) {
		t.Errorf("error terminal not persisted: %v", reason)
	}

	if res = h.send(t, "m2", "hola"); res.Reason != models.ReasonTerminal || len(h.ch.Sent()) != 1 {
		t.Errorf("error terminal must be final, got %+v", res)
	}
}

// hangingChannel blocks sends of template hang until the caller gives up.
type hangingChannel struct {
	*messaging.MockChannel
	hang string
}

func (c *hangingChannel) SendTemplate(ctx context.Context, to string, tmpl models.TemplateSpec, params []string) (string, error) {
	if c.hang != "" && c.hang == tmpl.Name {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.MockChannel.SendTemplate(ctx, to, tmpl, params)
}

// deadlineConversation fails attribute reads and writes once ctx is done, as a network store would.
type deadlineConversation struct {
	*testutil.FakeConversation
}

func (c deadlineConversation) GetAttributes(ctx context.Context, conversationID string) (models.Attributes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.FakeConversation.GetAttributes(ctx, conversationID)
}

func (c deadlineConversation) SetAttributes(ctx context.Context, conversationID string, attrs models.Attributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.FakeConversation.SetAttributes(ctx, conversationID, attrs)
}

func TestHandleInboundEvent_HungEffectStillReachesErrorTerminal(t *testing.T) {
	def, err := flow.Parse([]byte(unrecoverableFlowYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	fake := testutil.NewFakeConversation()
	conv := deadlineConversation{fake}
	ch := &hangingChannel{MockChannel: messaging.NewMockChannel(), hang: "tmpl_a"}
	leaseTTL := 300 * time.Millisecond
	d := dispatch.New(ch, conv, def, dispatch.WithCallTimeout(leaseTTL))
	orch := New(flow.NewEngine(def), flow.NewClassifier(def.Classifier), flow.NewStoreBasedStateManager(conv),
		guard.NewInMemory(guard.WithLeaseTTL(leaseTTL)), d, WithMetadataWait(0))

	ev := models.InboundEvent{ConversationID: "42", Recipient: "573001234567", Text: "hola", DeliveryID: "m1", ReceivedAt: time.Now()}
	res, err := orch.HandleInboundEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleInboundEvent returned error: %v", err)
	}
	if !res.Accepted || res.TerminalReason != models.TerminalError || res.Reason != models.ReasonSideEffectFailed {
		t.Fatalf("expected error terminal, got %+v", res)
	}
	if reason := fake.Attributes("42")[string(models.DataKeyTerminalReason)]; reason != string(models.TerminalError) {
		t.Errorf("error terminal not persisted: %v", fake.Attributes("42"))
	}

	res, err = orch.HandleInboundEvent(context.Background(), ev)
	if err != nil || res.Reason != models.ReasonDuplicate {
		t.Errorf("redelivery should be a duplicate, got %+v %v", res, err)
	}
	if sent := ch.Sent(); len(sent) != 1 || sent[0].Body != "Por favor contacte a soporte." {
		t.Errorf("expected exactly one support message, got %v", sent)
	}
}

func TestHandleInboundEvent_HungEffectKeepsFiredKeys(t *testing.T) {
	def, err := flow.Parse([]byte(replayFlowYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	fake := testutil.NewFakeConversation()
	conv := deadlineConversation{fake}
	ch := &hangingChannel{MockChannel: messaging.NewMockChannel(), hang: "tmpl_b"}
	leaseTTL := 300 * time.Millisecond
	d := dispatch.New(ch, conv, def, dispatch.WithCallTimeout(leaseTTL))
	orch := New(flow.NewEngine(def), flow.NewClassifier(def.Classifier), flow.NewStoreBasedStateManager(conv),
		guard.NewInMemory(guard.WithLeaseTTL(leaseTTL)), d, WithMetadataWait(0))

	ev := models.InboundEvent{ConversationID: "42", Recipient: "573001234567", Text: "hola", DeliveryID: "m1", ReceivedAt: time.Now()}
	if _, err := orch.HandleInboundEvent(context.Background(), ev); err != nil {
		t.Fatalf("start returned error: %v", err)
	}

	ev.Text, ev.DeliveryID = "si", "m2"
	res, err := orch.HandleInboundEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleInboundEvent returned error: %v", err)
	}
	if res.Accepted || res.Reason != models.ReasonSideEffectFailed {
		t.Fatalf("expected retryable side effect failure, got %+v", res)
	}
	if fired := fake.Attributes("42")[string(models.DataKeyFiredEffects)]; fired != "A>B:0" {
		t.Fatalf("expected the label effect recorded as fired, got %v", fired)
	}

	ch.hang = ""
	if res, err = orch.HandleInboundEvent(context.Background(), ev); err != nil || res.NextStateID != "B" {
		t.Fatalf("expected B after retry, got %+v %v", res, err)
	}
	if fake.LabelCalls() != 1 {
		t.Errorf("label effect replayed: %d calls", fake.LabelCalls())
	}
}

const metadataFlowYAML = `
name: metadata
entry: A
required_metadata: [proyecto]
templates:
  tmpl_a: {type: simple, body: "Pregunta A"}
states:
  - id: A
    kind: yes_no
    template: tmpl_a
    on_outcome:
      default: TERMINAL
`

func TestHandleInboundEvent_AwaitsRequiredMetadata(t *testing.T) {
	h := newHarness(t, metadataFlowYAML)

	res := h.send(t, "m1", "hola")
	if res.Accepted || res.Reason != models.ReasonAwaitingMetadata {
		t.Fatalf("expected awaiting_metadata, got %+v", res)
	}
	if len(h.ch.Sent()) != 0 {
		t.Errorf("nothing should be sent before metadata arrives")
	}
	if _, ok := h.conv.Attributes("42")[string(models.DataKeyCurrentState)]; ok {
		t.Errorf("state must not be written while awaiting metadata")
	}

	h.conv.Seed("42", models.Attributes{"proyecto": "bogota"})
	if res = h.send(t, "m1", "hola"); res.Reason != models.ReasonStarted {
		t.Errorf("redelivery with metadata should start the flow, got %+v", res)
	}
}

func TestHandleInboundEvent_MetadataPollGivesUp(t *testing.T) {
	h := newHarness(t, metadataFlowYAML, WithMetadataWait(50*time.Millisecond))
	start := time.Now()
	res := h.send(t, "m1", "hola")
	if res.Reason != models.ReasonAwaitingMetadata {
		t.Fatalf("expected awaiting_metadata, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("poll exceeded its bound: %v", elapsed)
	}
}

type closedGate struct{}

func (closedGate) IsAdmitted(time.Time) bool { return false }

func TestHandleInboundEvent_NotAdmitted(t *testing.T) {
	h := newHarness(t, abFlowYAML, WithAdmission(closedGate{}))
	res := h.send(t, "m1", "hola")
	if res.Accepted || res.Reason != models.ReasonNotAdmitted {
		t.Fatalf("expected not_admitted, got %+v", res)
	}
	if len(h.ch.Sent()) != 0 {
		t.Errorf("nothing should be sent outside business hours")
	}
}

func TestHandleInboundEvent_RecordsMetrics(t *testing.T) {
	m := metrics.New("test")
	h := newHarness(t, abFlowYAML, WithMetrics(m))
	h.send(t, "m1", "hola")
	h.send(t, "m1", "hola")

	if got := promtestutil.ToFloat64(m.EventsHandled.WithLabelValues(models.ReasonStarted, "true")); got != 1 {
		t.Errorf("started events = %v", got)
	}
	if got := promtestutil.ToFloat64(m.EventsHandled.WithLabelValues(models.ReasonDuplicate, "false")); got != 1 {
		t.Errorf("duplicate events = %v", got)
	}
	if got := promtestutil.ToFloat64(m.Transitions.WithLabelValues("A")); got != 1 {
		t.Errorf("transitions to A = %v", got)
	}
}
