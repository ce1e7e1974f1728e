// Package dispatch executes the side effects of a transition against the messaging channel and
// the Chatwoot conversation.
//
// Effects run sequentially and stop at the first failure. Effects whose key is already recorded
// as fired are skipped, which makes replaying a half-dispatched transition safe.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/messaging"
	"github.com/BTreeMap/SurveyPipe/internal/metrics"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
)

// DefaultCallTimeout bounds every external call made for one effect.
const DefaultCallTimeout = 10 * time.Second

// OutboxKindNote is the outbox kind of deferred private notes.
const OutboxKindNote = "post_note"

// ErrNoRecipient is returned for message effects of an event without a contact phone.
var ErrNoRecipient = errors.New("event has no recipient phone")

// ConversationActions are the conversation-side operations of the support platform.
type ConversationActions interface {
	PostMessage(ctx context.Context, conversationID, content string, private bool) error
	AssignLabel(ctx context.Context, conversationID, label string) error
	AssignTeam(ctx context.Context, conversationID string, teamID int) error
}

// Catalog resolves template names and project teams. *flow.Definition implements it.
type Catalog interface {
	Template(name string) (models.TemplateSpec, bool)
	TeamFor(project string) (int, bool)
}

// Report describes one Dispatch run.
type Report struct {
	// Fired lists the keys of effects completed (or deferred to the outbox) in this run.
	Fired   []string
	Skipped int
	// Err is the first failing effect; nil when every effect succeeded.
	Err *models.SideEffectError
}

// Failed reports whether an effect failed.
func (r Report) Failed() bool {
	return r.Err != nil
}

// Dispatcher runs side effects.
type Dispatcher struct {
	channel messaging.Channel
	actions ConversationActions
	catalog Catalog
	outbox  store.OutboxRepo
	timeout time.Duration
	metrics *metrics.Collector
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCallTimeout sets the per-effect timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.timeout = d
		}
	}
}

// WithOutbox defers failed best-effort notes to repo for later retry.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(ds *Dispatcher) { ds.outbox = repo }
}

// WithMetrics records effect outcomes on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(ds *Dispatcher) { ds.metrics = m }
}

// New creates a Dispatcher.
func New(channel messaging.Channel, actions ConversationActions, catalog Catalog, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channel: channel,
		actions: actions,
		catalog: catalog,
		timeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs effects in order for the conversation of ev. alreadyFired may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent, effects []models.SideEffectSpec, alreadyFired func(key string) bool) Report {
	var report Report
	for i, eff := range effects {
		if eff.Key != "" && alreadyFired != nil && alreadyFired(eff.Key) {
			slog.Debug("Dispatcher.Dispatch: skipping fired effect", "conversationID", ev.ConversationID, "key", eff.Key)
			d.metrics.RecordEffect(string(eff.Kind), "skipped")
			report.Skipped++
			continue
		}

		err := d.run(ctx, ev, eff)
		if err == nil {
			d.metrics.RecordEffect(string(eff.Kind), "ok")
			if eff.Key != "" {
				report.Fired = append(report.Fired, eff.Key)
			}
			continue
		}

		d.metrics.RecordEffect(string(eff.Kind), "failed")
		if eff.BestEffort {
			slog.Warn("Dispatcher.Dispatch: best-effort effect failed", "conversationID", ev.ConversationID, "effect", eff.String(), "error", err)
			if d.deferNote(ctx, ev, eff) && eff.Key != "" {
				report.Fired = append(report.Fired, eff.Key)
			}
			continue
		}

		slog.Error("Dispatcher.Dispatch: effect failed", "conversationID", ev.ConversationID, "index", i, "effect", eff.String(), "error", err)
		report.Err = &models.SideEffectError{Index: i, Effect: eff, Cause: err}
		return report
	}
	return report
}

func (d *Dispatcher) run(ctx context.Context, ev models.InboundEvent, eff models.SideEffectSpec) error {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch eff.Kind {
	case models.EffectSendTemplate:
		if ev.Recipient == "" {
			return ErrNoRecipient
		}
		tmpl, ok := d.catalog.Template(eff.Template)
		if !ok {
			return fmt.Errorf("unknown template %q", eff.Template)
		}
		var (
			id  string
			err error
		)
		if tmpl.IsList() {
			id, err = d.channel.SendInteractiveChoice(callCtx, ev.Recipient, tmpl)
		} else {
			id, err = d.channel.SendTemplate(callCtx, ev.Recipient, tmpl, eff.Params)
		}
		if err == nil {
			slog.Debug("Dispatcher: template sent", "conversationID", ev.ConversationID, "template", tmpl.Name, "messageID", id)
		}
		return err
	case models.EffectSendText:
		if ev.Recipient == "" {
			return ErrNoRecipient
		}
		_, err := d.channel.SendText(callCtx, ev.Recipient, eff.Text)
		return err
	case models.EffectAssignLabel:
		return d.actions.AssignLabel(callCtx, ev.ConversationID, eff.Label)
	case models.EffectAssignTeam:
		team, ok := d.catalog.TeamFor(ev.ProjectID)
		if !ok {
			slog.Info("Dispatcher: no team for project, skipping assignment", "conversationID", ev.ConversationID, "project", ev.ProjectID)
			return nil
		}
		return d.actions.AssignTeam(callCtx, ev.ConversationID, team)
	case models.EffectPostNote:
		return d.actions.PostMessage(callCtx, ev.ConversationID, eff.Text, true)
	default:
		return fmt.Errorf("unsupported effect kind %q", eff.Kind)
	}
}

type notePayload struct {
	Content string `json:"content"`
	Private bool   `json:"private"`
}

// deferNote queues a failed best-effort note in the outbox and reports whether it was queued.
func (d *Dispatcher) deferNote(ctx context.Context, ev models.InboundEvent, eff models.SideEffectSpec) bool {
	if d.outbox == nil || eff.Kind != models.EffectPostNote {
		return false
	}
	payload, err := json.Marshal(notePayload{Content: eff.Text, Private: true})
	if err != nil {
		slog.Error("Dispatcher: encode note payload failed", "error", err)
		return false
	}
	dedupeKey := ""
	if eff.Key != "" {
		dedupeKey = ev.ConversationID + "/" + eff.Key
	}
	id, err := d.outbox.EnqueueOutboxMessage(context.WithoutCancel(ctx), ev.ConversationID, OutboxKindNote, string(payload), dedupeKey)
	if err != nil {
		slog.Error("Dispatcher: enqueue note failed", "conversationID", ev.ConversationID, "error", err)
		return false
	}
	d.metrics.RecordOutboxEnqueue()
	slog.Info("Dispatcher: note deferred to outbox", "conversationID", ev.ConversationID, "outboxID", id)
	return true
}

// SendOutboxMessage delivers a deferred note. It is the store.OutboxSendFunc of the note outbox.
func (d *Dispatcher) SendOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindNote {
		return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	var p notePayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.actions.PostMessage(callCtx, msg.ConversationID, p.Content, p.Private)
}
