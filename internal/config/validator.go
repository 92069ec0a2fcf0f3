package config

import (
	"fmt"
	"strings"

	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
)

// ValidateService checks the service configuration.
func ValidateService(cfg *ServiceConfig) error {
	var errs []string
	if cfg.Engine.EventWorkers < 1 {
		errs = append(errs, "engine.event_workers must be >= 1")
	}
	if cfg.Engine.AsyncWorkers < 1 {
		errs = append(errs, "engine.async_workers must be >= 1")
	}
	if cfg.Engine.QueueDepth < 1 {
		errs = append(errs, "engine.queue_depth must be >= 1")
	}
	if cfg.Engine.RunTimeoutMs < 0 {
		errs = append(errs, "engine.run_timeout_ms must be >= 0")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, memory", cfg.Store.Driver))
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if f := cfg.Log.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log.format %q is not one of json, text", f))
	}
	if cfg.Retention.MaxAge < 0 {
		errs = append(errs, "retention.max_age must be >= 0")
	}
	if cfg.Retention.MaxAge > 0 && cfg.Retention.Interval <= 0 {
		errs = append(errs, "retention.interval must be > 0 when retention.max_age is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidatePipelines checks a pipelines file for:
//   - Required names and handler types
//   - Duplicate pipeline names
//   - Handler configs against their registered schemas, and condition types
func ValidatePipelines(file *PipelinesFile, reg *handler.Registry) error {
	names := make(map[string]int)
	var errs []string

	for i, def := range file.Pipelines {
		loc := fmt.Sprintf("pipelines[%d]", i)
		if def.Name == "" {
			errs = append(errs, loc+": name is required")
			continue
		}
		loc = fmt.Sprintf("pipeline %s", def.Name)
		if prev, ok := names[def.Name]; ok {
			errs = append(errs, fmt.Sprintf("duplicate name %q (pipelines[%d] and pipelines[%d])", def.Name, prev, i))
			continue
		}
		names[def.Name] = i

		shapeOK := true
		for j, f := range def.Filters {
			if f.Type == "" {
				errs = append(errs, fmt.Sprintf("%s.filters[%d]: type is required", loc, j))
				shapeOK = false
			}
		}
		for j, a := range def.Actions {
			if a.Type == "" {
				errs = append(errs, fmt.Sprintf("%s.actions[%d]: type is required", loc, j))
				shapeOK = false
			}
		}
		if !shapeOK || reg == nil {
			continue
		}
		if err := pipeline.Validate(def.ToPipeline(), reg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", loc, flatten(err)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("pipelines validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func flatten(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
