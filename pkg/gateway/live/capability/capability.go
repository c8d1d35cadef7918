// Package capability decides which upstream tool surfaces a model gets.
// Each model has a row of feature flags; unknown models are conservatively
// limited to search. Operators can override or extend the table with a
// YAML file.
package capability

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/tools"
)

// Row is one model's feature set.
type Row struct {
	Search     bool `yaml:"search"`
	Functions  bool `yaml:"functions"`
	Code       bool `yaml:"code"`
	URLContext bool `yaml:"url_context"`
}

// Table maps model names to their capability rows.
type Table struct {
	rows map[string]Row
}

func defaultRows() map[string]Row {
	return map[string]Row{
		"gemini-2.0-flash-live-001": {
			Search: true, Functions: true, Code: true, URLContext: true,
		},
		"gemini-2.5-flash-preview-native-audio-dialog": {
			Search: true, Functions: true,
		},
		"gemini-2.5-flash-exp-native-audio-thinking-dialog": {
			Search: true,
		},
	}
}

// NewTable returns the built-in capability table.
func NewTable() *Table {
	return &Table{rows: defaultRows()}
}

// LoadTable returns the built-in table with overrides from a YAML file
// merged on top. The file maps model names to rows; a listed model replaces
// its built-in row entirely. An empty path returns the built-in table.
func LoadTable(path string) (*Table, error) {
	t := NewTable()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability file: %w", err)
	}
	overrides := make(map[string]Row)
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse capability file %s: %w", path, err)
	}
	for model, row := range overrides {
		t.rows[model] = row
	}
	return t, nil
}

// Lookup returns the row for model. Unknown models get search only.
func (t *Table) Lookup(model string) Row {
	if row, ok := t.rows[model]; ok {
		return row
	}
	return Row{Search: true}
}

// Declare builds the upstream tool list for one session. Server-side
// function declarations come from registry and only ride along when the
// model supports function calling; identity-bound tools are already
// filtered out for unauthorized callers by the registry.
func (t *Table) Declare(model string, authorized bool, registry *tools.Registry) []*genai.Tool {
	row := t.Lookup(model)

	var out []*genai.Tool
	if row.Search {
		out = append(out, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if row.Code {
		out = append(out, &genai.Tool{CodeExecution: &genai.ToolCodeExecution{}})
	}
	if row.URLContext {
		out = append(out, &genai.Tool{URLContext: &genai.URLContext{}})
	}
	if row.Functions {
		if decls := registry.Declarations(authorized); len(decls) > 0 {
			out = append(out, &genai.Tool{FunctionDeclarations: decls})
		}
	}
	return out
}
