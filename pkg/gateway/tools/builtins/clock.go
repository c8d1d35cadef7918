// Package builtins bundles the tool handlers the relay registers out of the
// box. Each handler is a self-contained implementation of tools.Handler.
package builtins

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/tools"
)

// Clock answers current_time invocations. The now func is injectable for
// tests and defaults to time.Now.
type Clock struct {
	Now func() time.Time
}

func (c *Clock) Name() string { return "current_time" }

func (c *Clock) RequiresIdentity() bool { return false }

func (c *Clock) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in a named IANA timezone.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"timezone": {
					Type:        genai.TypeString,
					Description: "IANA timezone name such as America/New_York. Defaults to UTC.",
				},
			},
		},
	}
}

func (c *Clock) Execute(ctx context.Context, args map[string]any, caller tools.Caller) (map[string]any, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	t := now().In(loc)
	return map[string]any{
		"iso":      t.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  t.Weekday().String(),
	}, nil
}
