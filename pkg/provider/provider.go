// Package provider routes natural-language inputs to AI providers that turn
// them into single shell command strings.
package provider

import (
	"context"

	"github.com/northriverfence/orbit/pkg/shellctx"
)

// Provider converts a natural-language request into one command string.
type Provider interface {
	Name() string
	// Priority orders providers when no explicit selection is given;
	// higher wins.
	Priority() int
	ProcessNaturalLanguage(ctx context.Context, input string, snap shellctx.Snapshot) (string, error)
}

// Registry stores named providers.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider by name.
func (r *Registry) Register(p Provider) {
	if r == nil || p == nil {
		return
	}
	if r.providers == nil {
		r.providers = make(map[string]Provider)
	}
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) Provider {
	if r == nil {
		return nil
	}
	return r.providers[name]
}

// All returns every registered provider in unspecified order.
func (r *Registry) All() []Provider {
	if r == nil {
		return nil
	}
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}
