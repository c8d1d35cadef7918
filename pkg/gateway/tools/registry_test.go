package tools

import (
	"context"
	"testing"

	"google.golang.org/genai"
)

type stubHandler struct {
	name     string
	identity bool
	result   map[string]any
	err      error
}

func (s *stubHandler) Name() string           { return s.name }
func (s *stubHandler) RequiresIdentity() bool { return s.identity }

func (s *stubHandler) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: s.name}
}

func (s *stubHandler) Execute(ctx context.Context, args map[string]any, caller Caller) (map[string]any, error) {
	return s.result, s.err
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(&stubHandler{name: "alpha"}, &stubHandler{name: "beta"})

	if !r.Has("alpha") {
		t.Fatal("expected alpha to be registered")
	}
	if r.Has("gamma") {
		t.Fatal("gamma should not be registered")
	}
	if _, ok := r.Lookup(" beta "); !ok {
		t.Fatal("lookup should trim surrounding whitespace")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(&stubHandler{name: "zeta"}, &stubHandler{name: "alpha"}, &stubHandler{name: "mid"})

	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDeclarationsFiltersIdentityBound(t *testing.T) {
	r := NewRegistry(
		&stubHandler{name: "open"},
		&stubHandler{name: "bound", identity: true},
	)

	anon := r.Declarations(false)
	if len(anon) != 1 || anon[0].Name != "open" {
		t.Fatalf("unauthorized declarations = %v, want only open", anon)
	}

	auth := r.Declarations(true)
	if len(auth) != 2 {
		t.Fatalf("authorized declarations = %d, want 2", len(auth))
	}
}

func TestNilRegistryIsEmpty(t *testing.T) {
	var r *Registry
	if r.Has("anything") {
		t.Fatal("nil registry should report nothing registered")
	}
	if got := r.Declarations(true); got != nil {
		t.Fatalf("nil registry declarations = %v, want nil", got)
	}
}
