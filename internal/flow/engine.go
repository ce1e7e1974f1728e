package flow

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// unstartedKey stands in for the source state of the flow-start transition in effect keys.
const unstartedKey = "^"

// Decision is the engine's verdict for one classified event. It is computed without I/O.
type Decision struct {
	From           models.StateID
	Next           models.StateID // models.Terminal when the flow ends
	TerminalReason models.TerminalReason
	Outcome        models.Outcome
	// Effects are ordered; every tracked effect carries a Key unique to this transition.
	Effects []models.SideEffectSpec
	// Advances is false for re-prompts and ignored events: the record must not move.
	Advances bool
	Reason   string
}

// IsTerminal reports whether the decision ends the conversation.
func (d Decision) IsTerminal() bool {
	return d.Advances && d.Next == models.Terminal
}

// Apply returns the record as it must be persisted after all effects of d succeeded.
func (d Decision) Apply(rec models.ConversationRecord) models.ConversationRecord {
	out := rec.Clone()
	if !d.Advances {
		return out
	}
	out.FiredEffects = map[string]bool{}
	if d.Next == models.Terminal {
		out.TerminalReason = d.TerminalReason
		return out
	}
	out.CurrentState = d.Next
	return out
}

// Engine is the transition function over a validated Definition.
type Engine struct {
	def *Definition
}

// NewEngine creates an engine for def, which must already be compiled.
func NewEngine(def *Definition) *Engine {
	return &Engine{def: def}
}

// Definition returns the flow the engine runs.
func (e *Engine) Definition() *Definition {
	return e.def
}

// Decide computes the next state and the effects to run for rec given outcome. It depends on
// nothing but its arguments and the definition.
func (e *Engine) Decide(rec models.ConversationRecord, outcome models.Outcome) Decision {
	if rec.IsTerminal() {
		return Decision{From: rec.CurrentState, Reason: models.ReasonTerminal}
	}

	if !rec.Started() {
		effects, err := e.def.EffectsForEntering(e.def.Entry)
		if err != nil {
			return e.failClosed(rec, outcome, err)
		}
		return Decision{
			From:     "",
			Next:     e.def.Entry,
			Outcome:  outcome,
			Effects:  keyed(unstartedKey, e.def.Entry, effects),
			Advances: true,
			Reason:   models.ReasonStarted,
		}
	}

	from := rec.CurrentState
	if outcome == models.OutcomeInvalid {
		d := Decision{From: from, Next: from, Outcome: outcome, Reason: models.ReasonReprompted}
		if eff, ok := e.def.RepromptEffect(from); ok {
			// Re-prompts are not tracked: each invalid answer gets its own help message.
			d.Effects = []models.SideEffectSpec{eff}
		}
		return d
	}

	next, err := e.def.NextState(from, outcome)
	if err != nil {
		return e.failClosed(rec, outcome, err)
	}

	effects := e.def.ExitEffects(from, outcome)
	d := Decision{
		From:     from,
		Next:     next,
		Outcome:  outcome,
		Advances: true,
		Reason:   models.ReasonTransitioned,
	}
	if next == models.Terminal {
		d.TerminalReason = e.def.TerminalReasonFor(from, outcome)
	} else {
		entering, err := e.def.EffectsForEntering(next)
		if err != nil {
			return e.failClosed(rec, outcome, err)
		}
		effects = append(effects, entering...)
	}
	d.Effects = keyed(string(from), next, effects)
	return d
}

// Abort moves rec to the error terminal and sends the support message once.
func (e *Engine) Abort(rec models.ConversationRecord, cause error) Decision {
	slog.Error("Engine.Abort: moving conversation to error terminal", "conversationID", rec.ConversationID, "state", rec.CurrentState, "error", cause)
	d := Decision{
		From:           rec.CurrentState,
		Next:           models.Terminal,
		TerminalReason: models.TerminalError,
		Advances:       true,
		Reason:         models.ReasonSideEffectFailed,
	}
	if e.def.ErrorMessage != "" {
		d.Effects = []models.SideEffectSpec{{
			Kind: models.EffectSendText,
			Text: e.def.ErrorMessage,
			Key:  fmt.Sprintf("%s>!:0", rec.CurrentState),
		}}
	}
	return d
}

// failClosed handles graph lookups that validation should have made impossible, such as a
// persisted state that no longer exists after a definition change.
func (e *Engine) failClosed(rec models.ConversationRecord, outcome models.Outcome, cause error) Decision {
	d := e.Abort(rec, cause)
	d.Outcome = outcome
	d.Reason = models.ReasonTransitioned
	return d
}

func keyed(from string, to models.StateID, effects []models.SideEffectSpec) []models.SideEffectSpec {
	out := make([]models.SideEffectSpec, len(effects))
	for i, eff := range effects {
		eff.Key = fmt.Sprintf("%s>%s:%d", from, to, i)
		out[i] = eff
	}
	return out
}
