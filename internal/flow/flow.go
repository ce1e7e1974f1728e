// Package flow defines the questionnaire flow graph, the response classifier and the
// transition engine that drives a conversation through it.
package flow

import (
	"fmt"
	"sort"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// DefaultLanguage is the template language code used when a template does not set one.
const DefaultLanguage = "es_CO"

// State is one node of the flow graph.
type State struct {
	ID   models.StateID      `yaml:"id"`
	Kind models.ResponseKind `yaml:"kind"`

	// Options lists the accepted choices of an enum_choice state. When OptionsTemplate is set
	// the options are copied from that list template at load time.
	Options         []models.ChoiceOption `yaml:"options,omitempty"`
	OptionsTemplate string                `yaml:"options_template,omitempty"`

	// Template is shorthand for a send_template effect fired when the state is entered.
	Template string                  `yaml:"template,omitempty"`
	OnEnter  []models.SideEffectSpec `yaml:"on_enter,omitempty"`

	// Help is re-sent when an answer cannot be classified. HelpTemplate takes precedence.
	Help         string `yaml:"help,omitempty"`
	HelpTemplate string `yaml:"help_template,omitempty"`

	OnOutcome       map[models.Outcome]models.StateID          `yaml:"on_outcome"`
	TerminalReasons map[models.Outcome]models.TerminalReason   `yaml:"terminal_reasons,omitempty"`
	OnExit          map[models.Outcome][]models.SideEffectSpec `yaml:"on_exit,omitempty"`
}

// ClassifierConfig holds the yes/no token sets.
type ClassifierConfig struct {
	Affirmative []string `yaml:"affirmative,omitempty"`
	Negative    []string `yaml:"negative,omitempty"`
}

// Definition is the immutable flow table of a deployment.
type Definition struct {
	Name             string                         `yaml:"name"`
	Entry            models.StateID                 `yaml:"entry"`
	Language         string                         `yaml:"language,omitempty"`
	Classifier       ClassifierConfig               `yaml:"classifier,omitempty"`
	RequiredMetadata []string                       `yaml:"required_metadata,omitempty"`
	ErrorMessage     string                         `yaml:"error_message,omitempty"`
	Teams            map[string]int                 `yaml:"teams,omitempty"` // project -> support team id
	Templates        map[string]models.TemplateSpec `yaml:"templates,omitempty"`
	States           []State                        `yaml:"states"`

	index map[models.StateID]*State
}

// State returns the state with the given id.
func (d *Definition) State(id models.StateID) (*State, error) {
	st, ok := d.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownState, id)
	}
	return st, nil
}

// NextState returns the state reached from stateID on outcome, or models.Terminal.
// An outcome without an explicit edge falls back to the state's default edge.
func (d *Definition) NextState(stateID models.StateID, outcome models.Outcome) (models.StateID, error) {
	st, err := d.State(stateID)
	if err != nil {
		return "", err
	}
	if next, ok := st.OnOutcome[outcome]; ok {
		return next, nil
	}
	if next, ok := st.OnOutcome[models.OutcomeDefault]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: state %q outcome %q", models.ErrUnknownOutcome, stateID, outcome)
}

// EffectsForEntering returns the ordered effects fired when stateID is entered.
func (d *Definition) EffectsForEntering(stateID models.StateID) ([]models.SideEffectSpec, error) {
	st, err := d.State(stateID)
	if err != nil {
		return nil, err
	}
	effects := make([]models.SideEffectSpec, 0, len(st.OnEnter)+1)
	if st.Template != "" {
		effects = append(effects, models.SideEffectSpec{Kind: models.EffectSendTemplate, Template: st.Template})
	}
	effects = append(effects, st.OnEnter...)
	return effects, nil
}

// ExitEffects returns the effects fired when leaving stateID through outcome.
func (d *Definition) ExitEffects(stateID models.StateID, outcome models.Outcome) []models.SideEffectSpec {
	st, ok := d.index[stateID]
	if !ok {
		return nil
	}
	if effects, ok := st.OnExit[outcome]; ok {
		return append([]models.SideEffectSpec(nil), effects...)
	}
	if _, explicit := st.OnOutcome[outcome]; !explicit {
		return append([]models.SideEffectSpec(nil), st.OnExit[models.OutcomeDefault]...)
	}
	return nil
}

// TerminalReasonFor returns why a TERMINAL edge ends the conversation. Edges without an
// explicit reason complete the flow.
func (d *Definition) TerminalReasonFor(stateID models.StateID, outcome models.Outcome) models.TerminalReason {
	st, ok := d.index[stateID]
	if !ok {
		return models.TerminalError
	}
	if reason, ok := st.TerminalReasons[outcome]; ok {
		return reason
	}
	if _, explicit := st.OnOutcome[outcome]; !explicit {
		if reason, ok := st.TerminalReasons[models.OutcomeDefault]; ok {
			return reason
		}
	}
	return models.TerminalCompleted
}

// RepromptEffect returns the single help message sent when an answer is invalid.
func (d *Definition) RepromptEffect(stateID models.StateID) (models.SideEffectSpec, bool) {
	st, ok := d.index[stateID]
	if !ok {
		return models.SideEffectSpec{}, false
	}
	if st.HelpTemplate != "" {
		return models.SideEffectSpec{Kind: models.EffectSendTemplate, Template: st.HelpTemplate}, true
	}
	if st.Help != "" {
		return models.SideEffectSpec{Kind: models.EffectSendText, Text: st.Help}, true
	}
	return models.SideEffectSpec{}, false
}

// Template returns the catalog entry with the given name.
func (d *Definition) Template(name string) (models.TemplateSpec, bool) {
	t, ok := d.Templates[name]
	return t, ok
}

// TemplateNames returns the catalog names in sorted order.
func (d *Definition) TemplateNames() []string {
	names := make([]string, 0, len(d.Templates))
	for name := range d.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TeamFor returns the support team assigned to a project.
func (d *Definition) TeamFor(project string) (int, bool) {
	team, ok := d.Teams[project]
	return team, ok
}
