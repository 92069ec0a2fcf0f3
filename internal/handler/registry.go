package handler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
)

type entry struct {
	desc    Descriptor
	factory Factory
	schema  *gojsonschema.Schema
}

// Registry maps handler names to their descriptors and factories.
// Registration may happen concurrently with dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a handler in the enabled state. The descriptor's schema is
// compiled here so that a broken schema is reported at startup rather than at
// pipeline load.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	if desc.Name == "" {
		return errs.Errorf(errs.ErrConfig, "register", "handler name is required")
	}
	if factory == nil {
		return errs.Errorf(errs.ErrConfig, "register "+desc.Name, "nil factory")
	}
	if desc.Kind == "" {
		desc.Kind = factory.Kind()
	}
	if desc.Kind != factory.Kind() {
		return errs.Errorf(errs.ErrConfig, "register "+desc.Name,
			"descriptor kind %q does not match %s factory", desc.Kind, factory.Kind())
	}

	var schema *gojsonschema.Schema
	if len(desc.Schema) > 0 {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.Schema))
		if err != nil {
			return errs.Wrap(errs.ErrConfig, "register "+desc.Name+": schema", err)
		}
	}

	desc.Enabled = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return errs.Errorf(errs.ErrDuplicateHandler, "register", "%q", desc.Name)
	}
	r.entries[desc.Name] = &entry{desc: desc, factory: factory, schema: schema}
	return nil
}

// MustRegister is Register that panics on error. Used for built-ins whose
// descriptors are static.
func (r *Registry) MustRegister(desc Descriptor, factory Factory) {
	if err := r.Register(desc, factory); err != nil {
		panic(fmt.Sprintf("handler registry: %v", err))
	}
}

// Unregister removes a handler, typically when its plugin disconnects.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, errs.Errorf(errs.ErrUnknownHandler, "resolve", "%q is not registered", name)
	}
	if !e.desc.Enabled {
		return nil, errs.Errorf(errs.ErrUnknownHandler, "resolve", "%q is disabled", name)
	}
	return e, nil
}

// Resolve returns the factory registered under name.
func (r *Registry) Resolve(name string) (Factory, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.factory, nil
}

// NewFilter validates cfg and instantiates the filter registered under name.
func (r *Registry) NewFilter(name string, cfg Config) (Filter, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	ff, ok := e.factory.(FilterFactory)
	if !ok {
		return nil, errs.Errorf(errs.ErrUnknownHandler, "resolve", "%q is not a filter", name)
	}
	if err := validate(e, cfg); err != nil {
		return nil, err
	}
	f, err := ff(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfig, "filter "+name, err)
	}
	return f, nil
}

// NewAction validates cfg and instantiates the action registered under name.
func (r *Registry) NewAction(name string, cfg Config) (Action, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	af, ok := e.factory.(ActionFactory)
	if !ok {
		return nil, errs.Errorf(errs.ErrUnknownHandler, "resolve", "%q is not an action", name)
	}
	if err := validate(e, cfg); err != nil {
		return nil, err
	}
	a, err := af(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfig, "action "+name, err)
	}
	return a, nil
}

// ValidateConfig checks cfg against the schema declared by handler name.
func (r *Registry) ValidateConfig(name string, cfg Config) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return validate(e, cfg)
}

func validate(e *entry, cfg Config) error {
	if e.schema == nil {
		return nil
	}
	if cfg == nil {
		cfg = Config{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return errs.Wrap(errs.ErrConfig, "validate "+e.desc.Name, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, d := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Field(), d.Description()))
	}
	return errs.Errorf(errs.ErrConfig, "validate "+e.desc.Name, "%s", strings.Join(msgs, "; "))
}

// SetEnabled enables or disables a handler. Disabled handlers resolve as
// unknown, so pipelines using them are rejected on the next reload.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return errs.Errorf(errs.ErrUnknownHandler, "set enabled", "%q is not registered", name)
	}
	e.desc.Enabled = enabled
	return nil
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Descriptors lists descriptors of the given kind sorted by name. An empty
// kind lists all of them.
func (r *Registry) Descriptors(kind Kind) []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if kind == "" || e.desc.Kind == kind {
			out = append(out, e.desc)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
