// Package tools holds the gateway's function-calling surface: the handler
// interface tool implementations satisfy, and the registry the dispatcher
// resolves invocations against.
package tools

import (
	"context"
	"sort"
	"strings"

	"google.golang.org/genai"
)

// Caller carries the authorization context a handler runs under.
type Caller struct {
	Authorized bool
	Identity   string
}

// Handler executes one named tool. Handlers must be safe to call at most
// once per invocation ID; the dispatcher does not deduplicate retries.
type Handler interface {
	Name() string
	Declaration() *genai.FunctionDeclaration
	// RequiresIdentity marks handlers bound to a caller identity. They are
	// not declared to the upstream for unauthorized principals and any stray
	// invocation is answered with an authorization error.
	RequiresIdentity() bool
	Execute(ctx context.Context, args map[string]any, caller Caller) (map[string]any, error)
}

type Registry struct {
	byName map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	registry := &Registry{byName: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		registry.byName[h.Name()] = h
	}
	return registry
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the handler for name, if registered.
func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.byName[strings.TrimSpace(name)]
	return h, ok
}

// Declarations returns the function declarations to advertise upstream for a
// caller. Identity-bound handlers are omitted for unauthorized callers; this
// filtering happens here, before the declarations reach the upstream
// adapter, never after.
func (r *Registry) Declarations(authorized bool) []*genai.FunctionDeclaration {
	if r == nil {
		return nil
	}
	names := r.Names()
	decls := make([]*genai.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		h := r.byName[name]
		if h.RequiresIdentity() && !authorized {
			continue
		}
		if d := h.Declaration(); d != nil {
			decls = append(decls, d)
		}
	}
	return decls
}
