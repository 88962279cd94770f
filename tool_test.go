package cairn

import (
	"context"
	"errors"
	"testing"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "minLength": 1}
	},
	"required": ["expression"]
}`

func echoTool(name string) Tool {
	return Tool{
		Name:   name,
		Schema: echoSchema,
		Execute: func(_ context.Context, params map[string]any) (string, error) {
			expr, _ := params["expression"].(string)
			return expr, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("calculator")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tool, ok := r.Get("calculator")
	if !ok {
		t.Fatal("registered tool not found")
	}
	out, err := tool.Execute(context.Background(), map[string]any{"expression": "2+2"})
	if err != nil || out != "2+2" {
		t.Fatalf("Execute = %q, %v", out, err)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get returned a tool that was never registered")
	}
}

func TestRegistryRejectsCollisions(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("calculator")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(echoTool("calculator"))
	if err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %q, want %q", KindOf(err), KindValidation)
	}
}

func TestRegistryRejectsBadTools(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Name: "", Execute: echoTool("x").Execute}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(Tool{Name: "noop"}); err == nil {
		t.Error("nil Execute accepted")
	}
	if err := r.Register(Tool{
		Name:    "broken",
		Schema:  `{"type": ]`,
		Execute: echoTool("x").Execute,
	}); err == nil {
		t.Error("uncompilable schema accepted")
	}
}

func TestRegistryValidateInput(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("calculator")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name   string
		tool   string
		params map[string]any
		want   Kind
	}{
		{"valid", "calculator", map[string]any{"expression": "2+2"}, ""},
		{"missing required", "calculator", map[string]any{}, KindValidation},
		{"wrong type", "calculator", map[string]any{"expression": 42}, KindValidation},
		{"empty string", "calculator", map[string]any{"expression": ""}, KindValidation},
		{"unknown tool", "nope", map[string]any{"expression": "x"}, KindNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateInput(tc.tool, tc.params)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != tc.want {
				t.Errorf("kind = %q, want %q", KindOf(err), tc.want)
			}
		})
	}
}

func TestRegistryValidateInputNoSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{
		Name:    "anything",
		Execute: func(context.Context, map[string]any) (string, error) { return "ok", nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.ValidateInput("anything", map[string]any{"whatever": true}); err != nil {
		t.Errorf("schema-less tool rejected input: %v", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"weather", "calculator", "web_search", "calendar"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	want := []string{"calculator", "calendar", "weather", "web_search"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}

func TestToolFallbackText(t *testing.T) {
	withFallback := Tool{
		Name: "weather",
		Fallback: func(params map[string]any, err error) string {
			return "Weather data is unavailable right now."
		},
	}
	if got := withFallback.fallbackText(nil, errors.New("down")); got != "Weather data is unavailable right now." {
		t.Errorf("fallbackText = %q", got)
	}

	bare := Tool{Name: "calendar"}
	if got := bare.fallbackText(nil, errors.New("down")); got != "The calendar tool is currently unavailable." {
		t.Errorf("default fallbackText = %q", got)
	}
}
