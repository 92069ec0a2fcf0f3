package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns a service configuration with every default applied.
func Default() *ServiceConfig {
	cfg := &ServiceConfig{}
	applyDefaults(cfg)
	return cfg
}

// LoadService reads the service YAML file at path. An empty path yields
// the defaults.
func LoadService(path string) (*ServiceConfig, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *ServiceConfig) {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Engine.EventWorkers == 0 {
		cfg.Engine.EventWorkers = 8
	}
	if cfg.Engine.AsyncWorkers == 0 {
		cfg.Engine.AsyncWorkers = 4
	}
	if cfg.Engine.QueueDepth == 0 {
		cfg.Engine.QueueDepth = 1000
	}
	if cfg.Engine.AsyncQueueDepth == 0 {
		cfg.Engine.AsyncQueueDepth = cfg.Engine.AsyncWorkers * 64
	}
	if cfg.Engine.EventTimeoutMs == 0 {
		cfg.Engine.EventTimeoutMs = 5000
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.Path = "maowpipe.db"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "maowbot.events.>"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "maowpipe"
	}
	if cfg.NATS.PluginSubject == "" {
		cfg.NATS.PluginSubject = "maowbot.plugins"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "maowbot:cooldown:"
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = time.Hour
	}
}
