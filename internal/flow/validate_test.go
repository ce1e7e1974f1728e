package flow

import (
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

func TestParse_RejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing entry",
			yaml:    "entry: X\nstates:\n  - {id: A, kind: none, on_outcome: {default: TERMINAL}}\n",
			wantErr: `entry state "X" is not defined`,
		},
		{
			name:    "dangling target",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, on_outcome: {default: Z}}\n",
			wantErr: `targets undefined state "Z"`,
		},
		{
			name:    "yes_no without no edge",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: yes_no, on_outcome: {yes: TERMINAL}}\n",
			wantErr: "must handle both yes and no",
		},
		{
			name:    "non-progressing self loop",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, on_outcome: {default: A}}\n",
			wantErr: "loops back to the state itself",
		},
		{
			name:    "unknown template",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, template: ghost, on_outcome: {default: TERMINAL}}\n",
			wantErr: `unknown template "ghost"`,
		},
		{
			name:    "enum option without edge",
			yaml:    "entry: A\nstates:\n  - id: A\n    kind: enum_choice\n    options: [{id: x, title: X}, {id: y, title: Y}]\n    on_outcome: {x: TERMINAL}\n",
			wantErr: `option "y" has no edge`,
		},
		{
			name:    "edge for impossible outcome",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, on_outcome: {default: TERMINAL, yes: TERMINAL}}\n",
			wantErr: "can never produce",
		},
		{
			name:    "bad terminal reason",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, on_outcome: {default: TERMINAL}, terminal_reasons: {default: exploded}}\n",
			wantErr: "unknown terminal reason",
		},
		{
			name:    "duplicate state",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, on_outcome: {default: TERMINAL}}\n  - {id: A, kind: none, on_outcome: {default: TERMINAL}}\n",
			wantErr: `duplicate state "A"`,
		},
		{
			name:    "label effect without label",
			yaml:    "entry: A\nstates:\n  - {id: A, kind: none, on_enter: [{kind: assign_label}], on_outcome: {default: TERMINAL}}\n",
			wantErr: "assign_label without label",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, models.ErrInvalidFlow) {
				t.Errorf("expected ErrInvalidFlow, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error to contain %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParse_SelfLoopWithProgressIsAllowed(t *testing.T) {
	yaml := "entry: A\nstates:\n  - {id: A, kind: yes_no, on_outcome: {yes: TERMINAL, no: A}}\n"
	if _, err := Parse([]byte(yaml)); err != nil {
		t.Fatalf("expected a retry loop with an exit to be valid, got %v", err)
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("states: [unterminated"))
	if !errors.Is(err, models.ErrInvalidFlow) {
		t.Errorf("expected ErrInvalidFlow, got %v", err)
	}
}
