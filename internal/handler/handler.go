// Package handler defines the filter and action capabilities pipelines are
// assembled from, and the registry that maps handler names to factories.
package handler

import (
	"context"

	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
)

// Kind distinguishes the two handler variants.
type Kind string

const (
	KindFilter Kind = "filter"
	KindAction Kind = "action"
)

// Verdict is the outcome of a filter that did not error.
type Verdict bool

const (
	Pass Verdict = true
	Fail Verdict = false
)

func (v Verdict) String() string {
	if v {
		return "pass"
	}
	return "fail"
}

// Config is a handler's free-form configuration as stored with a pipeline.
type Config = map[string]interface{}

// Output is the structured output of an action attempt.
type Output = map[string]interface{}

// Filter decides whether an event matches. A returned error is treated as
// Fail by the executor regardless of negation.
type Filter interface {
	Apply(ctx context.Context, ev *event.Envelope) (Verdict, error)
}

// Action performs one side-effecting step of a pipeline.
type Action interface {
	Execute(ctx context.Context, run *execution.Context) (Output, error)
}

// Scoped is implemented by filters that keep state across events. The
// pipeline compiler calls SetScope with a key unique to the filter's
// pipeline and position, stable across reloads.
type Scoped interface {
	SetScope(scope string)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, ev *event.Envelope) (Verdict, error)

func (f FilterFunc) Apply(ctx context.Context, ev *event.Envelope) (Verdict, error) { return f(ctx, ev) }

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, run *execution.Context) (Output, error)

func (f ActionFunc) Execute(ctx context.Context, run *execution.Context) (Output, error) {
	return f(ctx, run)
}

// Factory builds configured handler instances. It is either a FilterFactory
// or an ActionFactory.
type Factory interface {
	Kind() Kind
}

// FilterFactory builds a Filter from its configuration.
type FilterFactory func(cfg Config) (Filter, error)

func (FilterFactory) Kind() Kind { return KindFilter }

// ActionFactory builds an Action from its configuration.
type ActionFactory func(cfg Config) (Action, error)

func (ActionFactory) Kind() Kind { return KindAction }

// Descriptor is the registry metadata of one handler.
type Descriptor struct {
	Kind        Kind                   `json:"kind"`
	Name        string                 `json:"name"`
	Category    string                 `json:"category,omitempty"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"parameter_schema,omitempty"`
	Builtin     bool                   `json:"is_builtin"`
	PluginID    string                 `json:"plugin_id,omitempty"`
	Enabled     bool                   `json:"enabled"`
}
