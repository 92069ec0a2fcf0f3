package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
)

func actions(deps Deps) []registration {
	return []registration{
		{handler.Descriptor{
			Name:        "log_action",
			Category:    "debug",
			Description: "Log the event at the given level.",
			Schema: object(props{
				"level":  map[string]interface{}{"type": "string", "enum": []interface{}{"debug", "info", "warn", "error"}},
				"prefix": str(),
			}),
		}, handler.ActionFactory(func(cfg handler.Config) (handler.Action, error) {
			return newLogAction(cfg, deps.Logger)
		})},
		{handler.Descriptor{
			Name:        "set_data",
			Category:    "data",
			Description: "Store a value in the run's shared data. String values expand {placeholders}.",
			Schema: object(props{
				"key":       map[string]interface{}{"type": "string", "minLength": 1},
				"value":     map[string]interface{}{},
				"type_hint": str(),
			}, "key", "value"),
		}, handler.ActionFactory(newSetDataAction)},
		{handler.Descriptor{
			Name:        "nats_publish",
			Category:    "integration",
			Description: "Publish the run (or an expanded template) to a NATS subject.",
			Schema: object(props{
				"subject":  map[string]interface{}{"type": "string", "minLength": 1},
				"template": str(),
			}, "subject"),
		}, handler.ActionFactory(func(cfg handler.Config) (handler.Action, error) {
			return newPublishAction(cfg, deps.Publisher)
		})},
		{handler.Descriptor{
			Name:        "plugin_call",
			Category:    "plugin",
			Description: "Call a function exported by a loaded plugin.",
			Schema: object(props{
				"plugin_id":     map[string]interface{}{"type": "string", "minLength": 1},
				"function_name": map[string]interface{}{"type": "string", "minLength": 1},
				"parameters":    map[string]interface{}{"type": "object"},
				"pass_event":    boolean(),
			}, "plugin_id", "function_name"),
		}, handler.ActionFactory(func(cfg handler.Config) (handler.Action, error) {
			return newPluginCallAction(cfg, deps.Plugins)
		})},
		{handler.Descriptor{
			Name:        "delay",
			Category:    "timing",
			Description: "Wait before the next action.",
			Schema:      object(props{"duration_ms": integer(0)}, "duration_ms"),
		}, handler.ActionFactory(newDelayAction)},
	}
}

type logAction struct {
	level  slog.Level
	name   string
	prefix string
	logger *slog.Logger
}

func newLogAction(cfg handler.Config, logger *slog.Logger) (handler.Action, error) {
	c := struct {
		Level  string `json:"level"`
		Prefix string `json:"prefix"`
	}{Level: "info"}
	if err := decode("log_action", cfg, &c); err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfig, "log_action", err)
	}
	if c.Prefix == "" {
		c.Prefix = "Event Pipeline"
	}
	return &logAction{level: level, name: strings.ToLower(c.Level), prefix: c.Prefix, logger: logger}, nil
}

func (a *logAction) Execute(ctx context.Context, run *execution.Context) (handler.Output, error) {
	ev := run.Event
	a.logger.Log(ctx, a.level, a.prefix,
		logging.FieldPipeline, run.PipelineName,
		logging.FieldExecutionID, run.ExecutionID,
		logging.FieldEventID, ev.ID,
		logging.FieldEventType, ev.Type,
		"platform", ev.Platform,
		"payload", ev.Payload)
	return handler.Output{"logged": true, "level": a.name, "event_type": ev.Type}, nil
}

type setDataAction struct {
	key      string
	value    interface{}
	typeHint string
}

func newSetDataAction(cfg handler.Config) (handler.Action, error) {
	var c struct {
		Key      string      `json:"key"`
		Value    interface{} `json:"value"`
		TypeHint string      `json:"type_hint"`
	}
	if err := decode("set_data", cfg, &c); err != nil {
		return nil, err
	}
	if c.TypeHint == "" {
		c.TypeHint = fmt.Sprintf("%T", c.Value)
	}
	return &setDataAction{key: c.Key, value: c.Value, typeHint: c.TypeHint}, nil
}

func (a *setDataAction) Execute(_ context.Context, run *execution.Context) (handler.Output, error) {
	v := a.value
	if s, ok := v.(string); ok {
		v = run.Expand(s)
	}
	if err := run.Put(a.key, v, a.typeHint); err != nil {
		return nil, err
	}
	return handler.Output{"key": a.key, "value": v}, nil
}

type publishAction struct {
	subject   string
	template  string
	publisher Publisher
}

func newPublishAction(cfg handler.Config, pub Publisher) (handler.Action, error) {
	if pub == nil {
		return nil, errs.Errorf(errs.ErrConfig, "nats_publish", "no publisher configured")
	}
	var c struct {
		Subject  string `json:"subject"`
		Template string `json:"template"`
	}
	if err := decode("nats_publish", cfg, &c); err != nil {
		return nil, err
	}
	return &publishAction{subject: c.Subject, template: c.Template, publisher: pub}, nil
}

func (a *publishAction) Execute(ctx context.Context, run *execution.Context) (handler.Output, error) {
	subject := run.Expand(a.subject)
	var data []byte
	if a.template != "" {
		data = []byte(run.Expand(a.template))
	} else {
		shared := make(map[string]interface{})
		for _, e := range run.Entries() {
			shared[e.Key] = e.Value
		}
		var err error
		data, err = json.Marshal(map[string]interface{}{
			"execution_id": run.ExecutionID,
			"pipeline":     run.PipelineName,
			"event":        run.Event.Snapshot(),
			"data":         shared,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
	}
	if err := a.publisher.Publish(ctx, subject, data); err != nil {
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}
	return handler.Output{"subject": subject, "bytes": len(data)}, nil
}

type pluginCallAction struct {
	pluginID  string
	function  string
	params    map[string]interface{}
	passEvent bool
	plugins   *PluginTable
}

func newPluginCallAction(cfg handler.Config, plugins *PluginTable) (handler.Action, error) {
	var c struct {
		PluginID     string                 `json:"plugin_id"`
		FunctionName string                 `json:"function_name"`
		Parameters   map[string]interface{} `json:"parameters"`
		PassEvent    bool                   `json:"pass_event"`
	}
	if err := decode("plugin_call", cfg, &c); err != nil {
		return nil, err
	}
	return &pluginCallAction{
		pluginID:  c.PluginID,
		function:  c.FunctionName,
		params:    c.Parameters,
		passEvent: c.PassEvent,
		plugins:   plugins,
	}, nil
}

func (a *pluginCallAction) Execute(ctx context.Context, run *execution.Context) (handler.Output, error) {
	fn, err := a.plugins.Lookup(a.pluginID, a.function)
	if err != nil {
		return nil, err
	}
	params, err := a.parameters(run)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.pluginID, a.function, err)
	}
	return out, nil
}

// parameters flattens configured parameters to strings, expanding
// placeholders in string values.
func (a *pluginCallAction) parameters(run *execution.Context) (map[string]string, error) {
	params := make(map[string]string, len(a.params)+6)
	for k, v := range a.params {
		switch v := v.(type) {
		case string:
			params[k] = run.Expand(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, errs.Errorf(errs.ErrAction, "plugin_call", "parameter %q: %v", k, err)
			}
			params[k] = string(raw)
		}
	}
	if a.passEvent {
		ev := run.Event
		params["event_type"] = ev.Type
		params["event_platform"] = ev.Platform
		params["event_timestamp"] = ev.Timestamp.Format(time.RFC3339)
		if u, ok := ev.User(); ok {
			params["event_user"] = u
		}
		if ch, ok := ev.Channel(); ok {
			params["event_channel"] = ch
		}
		if text, ok := ev.Text(); ok {
			params["event_text"] = text
		}
	}
	return params, nil
}

type delayAction struct{ d time.Duration }

func newDelayAction(cfg handler.Config) (handler.Action, error) {
	var c struct {
		DurationMs int `json:"duration_ms"`
	}
	if err := decode("delay", cfg, &c); err != nil {
		return nil, err
	}
	return &delayAction{d: time.Duration(c.DurationMs) * time.Millisecond}, nil
}

func (a *delayAction) Execute(ctx context.Context, _ *execution.Context) (handler.Output, error) {
	t := time.NewTimer(a.d)
	defer t.Stop()
	select {
	case <-t.C:
		return handler.Output{"waited_ms": a.d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
