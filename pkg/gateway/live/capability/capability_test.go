package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/tools"
)

type namedHandler struct {
	name     string
	identity bool
}

func (h *namedHandler) Name() string           { return h.name }
func (h *namedHandler) RequiresIdentity() bool { return h.identity }

func (h *namedHandler) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: h.name}
}

func (h *namedHandler) Execute(ctx context.Context, args map[string]any, caller tools.Caller) (map[string]any, error) {
	return nil, nil
}

func TestLookupKnownModels(t *testing.T) {
	table := NewTable()

	full := table.Lookup("gemini-2.0-flash-live-001")
	if !full.Search || !full.Functions || !full.Code || !full.URLContext {
		t.Fatalf("flagship row should have everything, got %+v", full)
	}

	native := table.Lookup("gemini-2.5-flash-preview-native-audio-dialog")
	if !native.Search || !native.Functions || native.Code || native.URLContext {
		t.Fatalf("native audio row = %+v", native)
	}

	thinking := table.Lookup("gemini-2.5-flash-exp-native-audio-thinking-dialog")
	if !thinking.Search || thinking.Functions {
		t.Fatalf("thinking row = %+v", thinking)
	}
}

func TestUnknownModelGetsSearchOnly(t *testing.T) {
	row := NewTable().Lookup("gemini-99-experimental")
	if row != (Row{Search: true}) {
		t.Fatalf("unknown model row = %+v, want search only", row)
	}
}

func TestDeclareBuildsToolList(t *testing.T) {
	registry := tools.NewRegistry(&namedHandler{name: "current_time"})
	declared := NewTable().Declare("gemini-2.0-flash-live-001", false, registry)

	var search, code, urlCtx, fns bool
	for _, tool := range declared {
		switch {
		case tool.GoogleSearch != nil:
			search = true
		case tool.CodeExecution != nil:
			code = true
		case tool.URLContext != nil:
			urlCtx = true
		case len(tool.FunctionDeclarations) > 0:
			fns = true
		}
	}
	if !search || !code || !urlCtx || !fns {
		t.Fatalf("missing surfaces: search=%v code=%v url=%v fns=%v", search, code, urlCtx, fns)
	}
}

func TestDeclareSkipsFunctionsWhenUnsupported(t *testing.T) {
	registry := tools.NewRegistry(&namedHandler{name: "current_time"})
	declared := NewTable().Declare("gemini-2.5-flash-exp-native-audio-thinking-dialog", true, registry)

	for _, tool := range declared {
		if len(tool.FunctionDeclarations) > 0 {
			t.Fatal("search-only model should not declare functions")
		}
	}
}

func TestDeclareFiltersIdentityBoundForAnonymous(t *testing.T) {
	registry := tools.NewRegistry(
		&namedHandler{name: "current_time"},
		&namedHandler{name: "save_place", identity: true},
	)
	declared := NewTable().Declare("gemini-2.0-flash-live-001", false, registry)

	for _, tool := range declared {
		for _, d := range tool.FunctionDeclarations {
			if d.Name == "save_place" {
				t.Fatal("identity-bound tool declared to anonymous session")
			}
		}
	}
}

func TestLoadTableOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	content := "gemini-2.5-flash-exp-native-audio-thinking-dialog:\n" +
		"  search: true\n" +
		"  functions: true\n" +
		"custom-tuned-model:\n" +
		"  search: true\n" +
		"  code: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if row := table.Lookup("gemini-2.5-flash-exp-native-audio-thinking-dialog"); !row.Functions {
		t.Fatalf("override should enable functions, got %+v", row)
	}
	if row := table.Lookup("custom-tuned-model"); !row.Code || row.Functions {
		t.Fatalf("custom row = %+v", row)
	}
	if row := table.Lookup("gemini-2.0-flash-live-001"); !row.Functions {
		t.Fatal("untouched built-in rows should survive the merge")
	}
}

func TestLoadTableRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	if err := os.WriteFile(path, []byte("::: not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTable(path); err == nil {
		t.Fatal("expected error for malformed file")
	}
	if _, err := LoadTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
