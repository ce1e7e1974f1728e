package flow

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

//go:embed default_flow.yaml
var defaultFlowYAML []byte

// Default returns the built-in questionnaire.
func Default() (*Definition, error) {
	return Parse(defaultFlowYAML)
}

// LoadFile reads, parses and validates a flow definition file.
func LoadFile(path string) (*Definition, error) {
	slog.Debug("flow.LoadFile: reading flow definition", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("flow definition %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a YAML flow definition, resolves shorthand fields and validates the graph.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidFlow, err)
	}
	if err := def.Compile(); err != nil {
		return nil, err
	}
	slog.Info("flow definition loaded", "name", def.Name, "entry", def.Entry, "states", len(def.States), "templates", len(def.Templates))
	return &def, nil
}

// Compile resolves defaults and shorthand fields, indexes the states and validates the graph.
// Definitions built in code must be compiled before use.
func (d *Definition) Compile() error {
	if err := d.resolve(); err != nil {
		return err
	}
	return d.Validate()
}

func (d *Definition) resolve() error {
	if d.Language == "" {
		d.Language = DefaultLanguage
	}
	if len(d.Classifier.Affirmative) == 0 {
		d.Classifier.Affirmative = []string{"si", "sí"}
	}
	if len(d.Classifier.Negative) == 0 {
		d.Classifier.Negative = []string{"no"}
	}
	for name, tmpl := range d.Templates {
		tmpl.Name = name
		if tmpl.Type == "" {
			tmpl.Type = models.TemplateSimple
		}
		if tmpl.Language == "" {
			tmpl.Language = d.Language
		}
		d.Templates[name] = tmpl
	}

	d.index = make(map[models.StateID]*State, len(d.States))
	for i := range d.States {
		st := &d.States[i]
		if _, dup := d.index[st.ID]; dup {
			return fmt.Errorf("%w: duplicate state %q", models.ErrInvalidFlow, st.ID)
		}
		if st.OptionsTemplate != "" && len(st.Options) == 0 {
			tmpl, ok := d.Templates[st.OptionsTemplate]
			if !ok {
				return fmt.Errorf("%w: state %q references unknown options template %q", models.ErrInvalidFlow, st.ID, st.OptionsTemplate)
			}
			st.Options = append([]models.ChoiceOption(nil), tmpl.Options...)
		}
		d.index[st.ID] = st
	}
	return nil
}
