package flow

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Validate checks the definition for dangling references, missing edges and loops that can
// never make progress. It is run once at startup; a definition that fails is never used.
func (d *Definition) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(d.States) == 0 {
		add("flow has no states")
	}
	if d.Entry == "" {
		add("flow has no entry state")
	} else if _, ok := d.index[d.Entry]; !ok {
		add("entry state %q is not defined", d.Entry)
	}

	for name, tmpl := range d.Templates {
		if tmpl.Type != models.TemplateSimple && tmpl.Type != models.TemplateList {
			add("template %q has unknown type %q", name, tmpl.Type)
		}
		if tmpl.IsList() && len(tmpl.Options) == 0 {
			add("list template %q has no options", name)
		}
	}

	for i := range d.States {
		errs = append(errs, d.validateState(&d.States[i])...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrInvalidFlow, errors.Join(errs...))
	}

	for _, id := range d.unreachable() {
		slog.Warn("flow state is unreachable from the entry state", "state", id)
	}
	return nil
}

func (d *Definition) validateState(st *State) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("state %q: "+format, append([]any{st.ID}, args...)...))
	}

	if st.ID == "" || st.ID == models.Terminal {
		add("invalid state id")
	}
	if !st.Kind.IsValid() {
		add("unknown response kind %q", st.Kind)
	}
	if len(st.OnOutcome) == 0 {
		add("no outgoing edges")
	}

	accepted := map[models.Outcome]bool{models.OutcomeDefault: true}
	switch st.Kind {
	case models.ResponseYesNo:
		accepted[models.OutcomeYes] = true
		accepted[models.OutcomeNo] = true
		if !st.covers(models.OutcomeYes) || !st.covers(models.OutcomeNo) {
			add("yes_no state must handle both yes and no, or declare a default edge")
		}
	case models.ResponseEnumChoice:
		if len(st.Options) == 0 {
			add("enum_choice state has no options")
		}
		seen := map[string]bool{}
		for _, opt := range st.Options {
			if opt.ID == "" {
				add("option with empty id")
				continue
			}
			if seen[opt.ID] {
				add("duplicate option %q", opt.ID)
			}
			seen[opt.ID] = true
			accepted[models.Outcome(opt.ID)] = true
			if !st.covers(models.Outcome(opt.ID)) {
				add("option %q has no edge and there is no default edge", opt.ID)
			}
		}
	case models.ResponseNone:
		if !st.covers(models.OutcomeDefault) {
			add("none state must declare a default edge")
		}
	}

	progress := false
	for outcome, next := range st.OnOutcome {
		if !accepted[outcome] {
			add("edge for outcome %q that the state can never produce", outcome)
		}
		if next != models.Terminal {
			if _, ok := d.index[next]; !ok {
				add("outcome %q targets undefined state %q", outcome, next)
			}
		}
		if next != st.ID {
			progress = true
		}
	}
	if len(st.OnOutcome) > 0 && !progress {
		add("every edge loops back to the state itself")
	}

	for outcome, reason := range st.TerminalReasons {
		if !reason.IsValid() {
			add("outcome %q has unknown terminal reason %q", outcome, reason)
		}
		if next, err := d.NextState(st.ID, outcome); err == nil && next != models.Terminal {
			add("terminal reason declared for outcome %q which does not end the flow", outcome)
		}
	}

	if st.Template != "" {
		if _, ok := d.Templates[st.Template]; !ok {
			add("unknown template %q", st.Template)
		}
	}
	if st.HelpTemplate != "" {
		if _, ok := d.Templates[st.HelpTemplate]; !ok {
			add("unknown help template %q", st.HelpTemplate)
		}
	}
	for _, eff := range st.OnEnter {
		if err := d.validateEffect(eff); err != nil {
			add("on_enter: %v", err)
		}
	}
	for outcome, effects := range st.OnExit {
		if !accepted[outcome] {
			add("on_exit for outcome %q that the state can never produce", outcome)
		}
		for _, eff := range effects {
			if err := d.validateEffect(eff); err != nil {
				add("on_exit %q: %v", outcome, err)
			}
		}
	}
	return errs
}

func (d *Definition) validateEffect(eff models.SideEffectSpec) error {
	if !eff.Kind.IsValid() {
		return fmt.Errorf("unknown effect kind %q", eff.Kind)
	}
	switch eff.Kind {
	case models.EffectSendTemplate:
		if _, ok := d.Templates[eff.Template]; !ok {
			return fmt.Errorf("unknown template %q", eff.Template)
		}
	case models.EffectAssignLabel:
		if eff.Label == "" {
			return errors.New("assign_label without label")
		}
	case models.EffectSendText, models.EffectPostNote:
		if eff.Text == "" {
			return fmt.Errorf("%s without text", eff.Kind)
		}
	}
	return nil
}

// covers reports whether the state has an edge for outcome, directly or through default.
func (st *State) covers(outcome models.Outcome) bool {
	if _, ok := st.OnOutcome[outcome]; ok {
		return true
	}
	_, ok := st.OnOutcome[models.OutcomeDefault]
	return ok
}

func (d *Definition) unreachable() []models.StateID {
	seen := map[models.StateID]bool{}
	queue := []models.StateID{d.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if st, ok := d.index[id]; ok {
			for _, next := range st.OnOutcome {
				if next != models.Terminal && !seen[next] {
					queue = append(queue, next)
				}
			}
		}
	}
	var out []models.StateID
	for _, st := range d.States {
		if !seen[st.ID] {
			out = append(out, st.ID)
		}
	}
	return out
}
