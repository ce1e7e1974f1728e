package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/twiliowhatsapp"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+57 300 111 2233", "573001112233", false},
		{"573001112233", "573001112233", false},
		{"(300) 111-22", "30011122", false},
		{"", "", true},
		{"hola", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderBody(t *testing.T) {
	got := RenderBody("Hola {{1}}, tu cita es el {{2}}. {{1}}, confirma.", []string{"Ana", "lunes"})
	want := "Hola Ana, tu cita es el lunes. Ana, confirma."
	if got != want {
		t.Errorf("RenderBody = %q, want %q", got, want)
	}
	if RenderBody("sin parámetros", nil) != "sin parámetros" {
		t.Error("RenderBody without params must return the body unchanged")
	}
}

func TestRenderChoiceText(t *testing.T) {
	tmpl := models.TemplateSpec{
		Body: "¿Cuánto tardas?",
		Options: []models.ChoiceOption{
			{ID: "menos_15", Title: "Menos de 15 min"},
			{ID: "mas_60", Title: "Más de 1 hora"},
		},
	}
	want := "¿Cuánto tardas?\n\n1. Menos de 15 min\n2. Más de 1 hora"
	if got := RenderChoiceText(tmpl); got != want {
		t.Errorf("RenderChoiceText = %q, want %q", got, want)
	}
}

func TestTwilioService_UsesContentSIDWhenPresent(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	_, err := svc.SendTemplate(ctx, "+573001112233", models.TemplateSpec{Name: "a", ContentSID: "HX1"}, []string{"Ana", "Bogotá"})
	if err != nil {
		t.Fatalf("SendTemplate failed: %v", err)
	}
	_, err = svc.SendTemplate(ctx, "+573001112233", models.TemplateSpec{Name: "b", Body: "Hola {{1}}"}, []string{"Ana"})
	if err != nil {
		t.Fatalf("SendTemplate failed: %v", err)
	}
	_, err = svc.SendInteractiveChoice(ctx, "+573001112233", models.TemplateSpec{
		Name: "c", Body: "Elige", Options: []models.ChoiceOption{{ID: "x", Title: "Equis"}},
	})
	if err != nil {
		t.Fatalf("SendInteractiveChoice failed: %v", err)
	}

	if len(mock.SentMessages) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(mock.SentMessages))
	}
	first := mock.SentMessages[0]
	if first.ContentSID != "HX1" || first.Variables["2"] != "Bogotá" || first.To != "573001112233" {
		t.Errorf("unexpected content send %+v", first)
	}
	if mock.SentMessages[1].Body != "Hola Ana" {
		t.Errorf("unexpected text body %q", mock.SentMessages[1].Body)
	}
	if mock.SentMessages[2].Body != "Elige\n\n1. Equis" {
		t.Errorf("unexpected choice body %q", mock.SentMessages[2].Body)
	}
}

func TestMockChannel_FailureInjection(t *testing.T) {
	ch := NewMockChannel()
	ctx := context.Background()
	boom := errors.New("boom")
	ch.SetTemplateFailure("bienvenida", boom)

	if _, err := ch.SendTemplate(ctx, "573001112233", models.TemplateSpec{Name: "bienvenida"}, nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	ch.SetTemplateFailure("bienvenida", nil)
	if _, err := ch.SendTemplate(ctx, "573001112233", models.TemplateSpec{Name: "bienvenida"}, nil); err != nil {
		t.Fatalf("unexpected error after clearing failure: %v", err)
	}
	if names := ch.Templates(); len(names) != 1 || names[0] != "bienvenida" {
		t.Errorf("unexpected templates %v", names)
	}
}
