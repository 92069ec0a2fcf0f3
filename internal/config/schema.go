package config

import (
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
)

// ServiceConfig is the top-level YAML structure of the service file.
type ServiceConfig struct {
	Version       string        `yaml:"version"`
	Engine        EngineConf    `yaml:"engine"`
	Store         StoreConf     `yaml:"store"`
	HTTP          HTTPConf      `yaml:"http"`
	Log           LogConf       `yaml:"log"`
	NATS          NATSConf      `yaml:"nats"`
	Redis         RedisConf     `yaml:"redis"`
	Retention     RetentionConf `yaml:"retention"`
	PipelinesFile string        `yaml:"pipelines_file"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	EventWorkers    int `yaml:"event_workers"`
	AsyncWorkers    int `yaml:"async_workers"`
	QueueDepth      int `yaml:"queue_depth"`
	AsyncQueueDepth int `yaml:"async_queue_depth"`
	// EventTimeoutMs bounds how long a synchronous HTTP dispatch waits.
	EventTimeoutMs int `yaml:"event_timeout_ms"`
	// RunTimeoutMs is an optional ceiling on one pipeline run; 0 disables it.
	RunTimeoutMs int `yaml:"run_timeout_ms"`
}

// StoreConf selects the persistence backend.
type StoreConf struct {
	Driver string `yaml:"driver"` // "sqlite" | "memory"
	Path   string `yaml:"path"`
}

type HTTPConf struct {
	Addr string `yaml:"addr"`
}

type LogConf struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// NATSConf configures event ingress and the nats_publish action.
type NATSConf struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
	Name    string `yaml:"name"`
	// PluginSubject roots plugin registration (<subject>.register) and
	// calls (<subject>.<plugin_id>.<function>).
	PluginSubject string `yaml:"plugin_subject"`
}

// RedisConf configures shared cooldown state.
type RedisConf struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RetentionConf controls pruning of the execution log.
type RetentionConf struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
}

// PipelinesFile is the YAML structure of a declarative pipelines file.
type PipelinesFile struct {
	Version   string        `yaml:"version"`
	Pipelines []PipelineDef `yaml:"pipelines"`
}

// PipelineDef is one pipeline as written by an operator. Pointer fields
// distinguish "absent" from the zero value so defaults can apply.
type PipelineDef struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Enabled     *bool                  `yaml:"enabled"`
	Priority    *int                   `yaml:"priority"`
	StopOnMatch bool                   `yaml:"stop_on_match"`
	StopOnError bool                   `yaml:"stop_on_error"`
	IsSystem    bool                   `yaml:"is_system"`
	Tags        []string               `yaml:"tags"`
	Metadata    map[string]interface{} `yaml:"metadata"`
	Filters     []FilterDef            `yaml:"filters"`
	Actions     []ActionDef            `yaml:"actions"`
}

type FilterDef struct {
	Type     string                 `yaml:"type"`
	Config   map[string]interface{} `yaml:"config"`
	Order    *int                   `yaml:"order"`
	Negated  bool                   `yaml:"negated"`
	Required *bool                  `yaml:"required"`
}

type ActionDef struct {
	Type            string                 `yaml:"type"`
	Config          map[string]interface{} `yaml:"config"`
	Order           *int                   `yaml:"order"`
	ContinueOnError bool                   `yaml:"continue_on_error"`
	Async           bool                   `yaml:"async"`
	TimeoutMs       int                    `yaml:"timeout_ms"`
	RetryCount      int                    `yaml:"retry_count"`
	RetryDelayMs    int                    `yaml:"retry_delay_ms"`
	Condition       *ConditionDef          `yaml:"condition,omitempty"`
}

// ConditionDef gates an action. Expression is shorthand for
// type: expression with config.expression set.
type ConditionDef struct {
	Type       string                 `yaml:"type"`
	Config     map[string]interface{} `yaml:"config"`
	Expression string                 `yaml:"expression"`
}

// ToPipeline converts the definition, applying defaults: enabled, priority
// 100, required filters, and list position as order.
func (d PipelineDef) ToPipeline() pipeline.Pipeline {
	p := pipeline.Pipeline{
		Name:        d.Name,
		Description: d.Description,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Priority:    pipeline.DefaultPriority,
		StopOnMatch: d.StopOnMatch,
		StopOnError: d.StopOnError,
		IsSystem:    d.IsSystem,
		Tags:        d.Tags,
		Metadata:    d.Metadata,
	}
	if d.Priority != nil {
		p.Priority = *d.Priority
	}
	for i, f := range d.Filters {
		p.Filters = append(p.Filters, pipeline.Filter{
			Type:     f.Type,
			Config:   f.Config,
			Order:    orderOr(f.Order, i),
			Negated:  f.Negated,
			Required: f.Required == nil || *f.Required,
		})
	}
	for i, a := range d.Actions {
		act := pipeline.Action{
			Type:            a.Type,
			Config:          a.Config,
			Order:           orderOr(a.Order, i),
			ContinueOnError: a.ContinueOnError,
			Async:           a.Async,
			TimeoutMs:       a.TimeoutMs,
			RetryCount:      a.RetryCount,
			RetryDelayMs:    a.RetryDelayMs,
		}
		if c := a.Condition; c != nil {
			act.ConditionType = c.Type
			act.ConditionConfig = c.Config
			if c.Expression != "" {
				if act.ConditionType == "" {
					act.ConditionType = pipeline.CondExpression
				}
				if act.ConditionConfig == nil {
					act.ConditionConfig = map[string]interface{}{}
				}
				act.ConditionConfig["expression"] = c.Expression
			}
		}
		p.Actions = append(p.Actions, act)
	}
	return p
}

func orderOr(order *int, index int) int {
	if order != nil {
		return *order
	}
	return index
}
