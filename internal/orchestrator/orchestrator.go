// Package orchestrator handles inbound webhook events end to end: admission, duplicate and
// concurrency guarding, classification, transition, side effects and persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/SurveyPipe/internal/admission"
	"github.com/BTreeMap/SurveyPipe/internal/dispatch"
	"github.com/BTreeMap/SurveyPipe/internal/flow"
	"github.com/BTreeMap/SurveyPipe/internal/guard"
	"github.com/BTreeMap/SurveyPipe/internal/metrics"
	"github.com/BTreeMap/SurveyPipe/internal/models"
)

const (
	// DefaultMetadataWait bounds how long flow start waits for required metadata to appear.
	DefaultMetadataWait = 3 * time.Second
	// DefaultPersistBudget is the tail of each lease kept free of effect calls so the outcome
	// can still be saved after a call runs into its deadline.
	DefaultPersistBudget = 3 * time.Second
)

var errMetadataMissing = errors.New("required metadata missing")

// Orchestrator wires the flow components together. It is safe for concurrent use; work on one
// conversation is serialized by the guard lease.
type Orchestrator struct {
	engine        *flow.Engine
	classifier    *flow.Classifier
	states        flow.StateManager
	guard         *guard.Guard
	dispatcher    *dispatch.Dispatcher
	gate          admission.Gate
	metrics       *metrics.Collector
	metadataWait  time.Duration
	persistBudget time.Duration
	now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAdmission sets the gate consulted before any other work.
func WithAdmission(g admission.Gate) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.gate = g
		}
	}
}

// WithMetrics records handled events and transitions on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source used for admission and latency.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetadataWait sets the maximum wait for required metadata. Zero checks once.
func WithMetadataWait(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.metadataWait = d
		}
	}
}

// WithPersistBudget sets the part of the lease reserved for saving. It is capped at a third of
// the lease TTL.
func WithPersistBudget(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.persistBudget = d
		}
	}
}

// New creates an Orchestrator.
func New(engine *flow.Engine, classifier *flow.Classifier, states flow.StateManager, g *guard.Guard, d *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:        engine,
		classifier:    classifier,
		states:        states,
		guard:         g,
		dispatcher:    d,
		gate:          admission.AlwaysOpen{},
		metadataWait:  DefaultMetadataWait,
		persistBudget: DefaultPersistBudget,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleInboundEvent processes one webhook delivery. The error is non-nil only for persistence
// and unexpected faults; in that case the delivery id is forgotten so a redelivery is retried.
func (o *Orchestrator) HandleInboundEvent(ctx context.Context, ev models.InboundEvent) (models.HandleResult, error) {
	start := o.now()
	res, err := o.handle(ctx, ev)
	reason := res.Reason
	if err != nil {
		reason = "error"
	}
	o.metrics.RecordEvent(reason, res.Accepted, o.now().Sub(start))
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, ev models.InboundEvent) (models.HandleResult, error) {
	if err := ev.Validate(); err != nil {
		slog.Warn("Orchestrator.HandleInboundEvent: invalid event", "error", err)
		return models.HandleResult{Reason: models.ReasonInvalidEvent}, nil
	}
	log := slog.With("conversationID", ev.ConversationID, "deliveryID", ev.DeliveryID)

	if !o.gate.IsAdmitted(o.now()) {
		log.Info("Orchestrator.HandleInboundEvent: outside admission window")
		return models.HandleResult{Reason: models.ReasonNotAdmitted}, nil
	}

	fresh, err := o.guard.AcceptDelivery(ctx, ev.DeliveryID, ev.ConversationID)
	if err != nil {
		log.Error("Orchestrator.HandleInboundEvent: dedup check failed", "error", err)
		return models.HandleResult{}, fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		log.Info("Orchestrator.HandleInboundEvent: duplicate delivery ignored")
		return models.HandleResult{Reason: models.ReasonDuplicate}, nil
	}

	// Terminal conversations are the common case for late replies; the cached read spares a lease.
	if cached, err := o.states.Load(ctx, ev.ConversationID); err == nil && cached.IsTerminal() {
		o.guard.CompleteDelivery(ctx, ev.DeliveryID)
		return terminalResult(cached), nil
	}

	lease, ok, err := o.guard.Acquire(ctx, ev.ConversationID)
	if err != nil {
		o.guard.ForgetDelivery(ctx, ev.DeliveryID)
		log.Error("Orchestrator.HandleInboundEvent: lease acquire failed", "error", err)
		return models.HandleResult{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		o.guard.ForgetDelivery(ctx, ev.DeliveryID)
		log.Info("Orchestrator.HandleInboundEvent: conversation busy")
		return models.HandleResult{Reason: models.ReasonBusy}, nil
	}
	defer o.guard.Release(context.WithoutCancel(ctx), lease)

	workCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt.Add(-o.reservedForSave()))
	defer cancel()

	res, err := o.handleLeased(workCtx, ev, lease)
	if err != nil || retryable(res) {
		o.guard.ForgetDelivery(context.WithoutCancel(ctx), ev.DeliveryID)
		return res, err
	}
	o.guard.CompleteDelivery(context.WithoutCancel(ctx), ev.DeliveryID)
	return res, nil
}

// handleLeased runs with the conversation lease held.
// ctx ends before the lease does; saves run on a context that lasts until lease expiry.
func (o *Orchestrator) handleLeased(ctx context.Context, ev models.InboundEvent, lease guard.Lease) (models.HandleResult, error) {
	log := slog.With("conversationID", ev.ConversationID, "deliveryID", ev.DeliveryID)

	rec, err := o.states.LoadFresh(ctx, ev.ConversationID)
	if err != nil {
		return models.HandleResult{}, err
	}
	if rec.IsTerminal() {
		return terminalResult(rec), nil
	}

	if !rec.Started() {
		if ev.IsBlank() {
			log.Debug("Orchestrator.HandleInboundEvent: blank event before flow start")
			return models.HandleResult{Reason: models.ReasonInvalidEvent}, nil
		}
		rec, err = o.awaitMetadata(ctx, rec)
		if errors.Is(err, errMetadataMissing) {
			log.Info("Orchestrator.HandleInboundEvent: waiting for required metadata", "keys", o.engine.Definition().RequiredMetadata)
			return models.HandleResult{Reason: models.ReasonAwaitingMetadata}, nil
		}
		if err != nil {
			return models.HandleResult{}, err
		}
	}

	var decision flow.Decision
	if !rec.Started() {
		decision = o.engine.Decide(rec, models.OutcomeInvalid)
	} else if st, err := o.engine.Definition().State(rec.CurrentState); err != nil {
		log.Error("Orchestrator.HandleInboundEvent: stored state missing from flow", "state", rec.CurrentState, "error", err)
		decision = o.engine.Abort(rec, err)
	} else {
		decision = o.engine.Decide(rec, o.classifier.Classify(ctx, st, ev))
	}
	log.Debug("Orchestrator.HandleInboundEvent: decided", "from", decision.From, "next", decision.Next, "outcome", decision.Outcome, "effects", len(decision.Effects), "reason", decision.Reason)

	report := o.dispatcher.Dispatch(ctx, ev, decision.Effects, rec.HasFired)
	if report.Failed() {
		return o.handleDispatchFailure(ctx, ev, rec, report, lease)
	}

	if !decision.Advances {
		return models.HandleResult{Accepted: true, NextStateID: rec.CurrentState, Reason: decision.Reason}, nil
	}

	next := decision.Apply(rec)
	saveCtx, cancelSave := persistContext(ctx, lease)
	defer cancelSave()
	if err := o.states.Save(saveCtx, next); err != nil {
		return models.HandleResult{}, err
	}
	o.recordTransition(decision)
	log.Info("Orchestrator.HandleInboundEvent: transition persisted", "from", decision.From, "next", decision.Next, "terminalReason", decision.TerminalReason)
	return models.HandleResult{
		Accepted:       true,
		NextStateID:    decision.Next,
		TerminalReason: decision.TerminalReason,
		Reason:         decision.Reason,
	}, nil
}

// handleDispatchFailure persists what already fired so a retry skips it, or aborts the
// conversation when the failing effect is unrecoverable.
// The failing effect may have used up ctx, so both paths work on the lease's save window.
func (o *Orchestrator) handleDispatchFailure(ctx context.Context, ev models.InboundEvent, rec models.ConversationRecord, report dispatch.Report, lease guard.Lease) (models.HandleResult, error) {
	saveCtx, cancelSave := persistContext(ctx, lease)
	defer cancelSave()

	if report.Err.Effect.Unrecoverable {
		abort := o.engine.Abort(rec, report.Err)
		// The notice gets half of what is left; the save needs the rest.
		noticeCtx, cancelNotice := context.WithTimeout(saveCtx, time.Until(lease.ExpiresAt)/2)
		abortReport := o.dispatcher.Dispatch(noticeCtx, ev, abort.Effects, rec.HasFired)
		cancelNotice()
		if abortReport.Failed() {
			slog.Error("Orchestrator.HandleInboundEvent: support message failed", "conversationID", ev.ConversationID, "error", abortReport.Err)
		}
		if err := o.states.Save(saveCtx, abort.Apply(rec)); err != nil {
			return models.HandleResult{}, err
		}
		o.recordTransition(abort)
		return models.HandleResult{
			Accepted:       true,
			NextStateID:    models.Terminal,
			TerminalReason: models.TerminalError,
			Reason:         models.ReasonSideEffectFailed,
		}, nil
	}

	if len(report.Fired) > 0 {
		partial := rec.Clone()
		for _, key := range report.Fired {
			partial.FiredEffects[key] = true
		}
		if err := o.states.Save(saveCtx, partial); err != nil {
			return models.HandleResult{}, err
		}
	} else {
		o.states.Invalidate(rec.ConversationID)
	}
	return models.HandleResult{NextStateID: rec.CurrentState, Reason: models.ReasonSideEffectFailed}, nil
}

// reservedForSave is the persist budget, capped at a third of the lease TTL.
func (o *Orchestrator) reservedForSave() time.Duration {
	budget := o.persistBudget
	if third := o.guard.LeaseTTL() / 3; third < budget {
		budget = third
	}
	return budget
}

// persistContext detaches from ctx, whose deadline may already have passed, and ends at lease
// expiry instead.
func persistContext(ctx context.Context, lease guard.Lease) (context.Context, context.CancelFunc) {
	return context.WithDeadline(context.WithoutCancel(ctx), lease.ExpiresAt)
}

// awaitMetadata re-reads rec until every required key is present, with exponential backoff
// bounded by the metadata wait and the lease deadline.
func (o *Orchestrator) awaitMetadata(ctx context.Context, rec models.ConversationRecord) (models.ConversationRecord, error) {
	required := o.engine.Definition().RequiredMetadata
	if hasMetadata(rec, required) {
		return rec, nil
	}
	if o.metadataWait <= 0 {
		return rec, errMetadataMissing
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = o.metadataWait

	op := func() error {
		latest, err := o.states.LoadFresh(ctx, rec.ConversationID)
		if err != nil {
			return backoff.Permanent(err)
		}
		rec = latest
		if !hasMetadata(rec, required) {
			return errMetadataMissing
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, models.ErrPersistence) {
			return rec, err
		}
		return rec, errMetadataMissing
	}
	return rec, nil
}

func hasMetadata(rec models.ConversationRecord, keys []string) bool {
	for _, k := range keys {
		v, ok := rec.Metadata[k]
		if !ok || v == nil {
			return false
		}
		if s, isString := v.(string); isString && s == "" {
			return false
		}
	}
	return true
}

func (o *Orchestrator) recordTransition(d flow.Decision) {
	if d.Next == models.Terminal {
		o.metrics.RecordTransition(string(models.Terminal) + ":" + string(d.TerminalReason))
		return
	}
	o.metrics.RecordTransition(string(d.Next))
}

// retryable reports results whose delivery must stay acceptable for the sender's retry.
func retryable(res models.HandleResult) bool {
	switch res.Reason {
	case models.ReasonAwaitingMetadata:
		return true
	case models.ReasonSideEffectFailed:
		return !res.Accepted
	default:
		return false
	}
}

func terminalResult(rec models.ConversationRecord) models.HandleResult {
	return models.HandleResult{
		NextStateID:    models.Terminal,
		TerminalReason: rec.TerminalReason,
		Reason:         models.ReasonTerminal,
	}
}
