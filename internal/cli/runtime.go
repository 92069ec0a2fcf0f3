package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/handler/builtin"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/store"
	"github.com/kittynXR/maowbot-sub000/internal/store/memory"
	"github.com/kittynXR/maowbot-sub000/internal/store/sqlite"
)

// loadConfig reads and validates the service config named by --config.
func loadConfig(opts *RootOptions) (*config.ServiceConfig, error) {
	cfg, err := config.LoadService(opts.ConfigPath)
	if err != nil {
		return nil, commandError("load config", err)
	}
	if err := config.ValidateService(cfg); err != nil {
		return nil, commandError("invalid config", err)
	}
	return cfg, nil
}

func newLogger(conf config.LogConf, w io.Writer) *slog.Logger {
	level, _ := logging.ParseLevel(conf.Level)
	return logging.New(w, level, conf.Format)
}

// openStore opens the backend selected by conf. ValidateService has already
// rejected unknown drivers.
func openStore(conf config.StoreConf) (store.Backend, error) {
	switch conf.Driver {
	case "memory":
		return memory.New(), nil
	default:
		st, err := sqlite.Open(conf.Path)
		if err != nil {
			return nil, commandError("open store "+conf.Path, err)
		}
		return st, nil
	}
}

// discardPublisher lets offline commands compile nats_publish actions.
type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, []byte) error { return nil }

// offlineRegistry builds the built-in registry without live collaborators.
func offlineRegistry(logger *slog.Logger) (*handler.Registry, error) {
	reg := handler.NewRegistry()
	if err := builtin.Register(reg, builtin.Deps{Logger: logger, Publisher: discardPublisher{}}); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}
	return reg, nil
}
