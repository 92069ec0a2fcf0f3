// Package builtin registers the filters and actions that ship with the engine.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
)

// Publisher sends a message to a subject on the event bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Deps are the collaborators built-in handlers need. Zero values get
// usable defaults, except Publisher: without one nats_publish fails to
// configure.
type Deps struct {
	Logger    *slog.Logger
	Publisher Publisher
	Cooldowns CooldownStore
	Plugins   *PluginTable
	Now       func() time.Time
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Cooldowns == nil {
		d.Cooldowns = NewMemoryCooldowns(d.Now)
	}
	if d.Plugins == nil {
		d.Plugins = NewPluginTable()
	}
}

type registration struct {
	desc    handler.Descriptor
	factory handler.Factory
}

// Register adds every built-in handler to reg.
func Register(reg *handler.Registry, deps Deps) error {
	deps.defaults()
	all := append(filters(deps), actions(deps)...)
	for _, r := range all {
		r.desc.Builtin = true
		if err := reg.Register(r.desc, r.factory); err != nil {
			return fmt.Errorf("register builtin %s: %w", r.desc.Name, err)
		}
	}
	return nil
}

// decode converts a generic config map into a typed struct. The registry
// has already validated cfg against the handler's schema.
func decode(name string, cfg handler.Config, out interface{}) error {
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.ErrConfig, name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.ErrConfig, name, err)
	}
	return nil
}

// schema helpers keep descriptor literals short.
type props = map[string]interface{}

func object(properties props, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func stringList() map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
}

func str() map[string]interface{}     { return map[string]interface{}{"type": "string"} }
func boolean() map[string]interface{} { return map[string]interface{}{"type": "boolean"} }

func integer(min int) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "minimum": min}
}
