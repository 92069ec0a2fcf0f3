package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kittynXR/maowbot-sub000/internal/api"
	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/engine"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/handler/builtin"
	"github.com/kittynXR/maowbot-sub000/internal/history"
	"github.com/kittynXR/maowbot-sub000/internal/ingress"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline engine with its HTTP API",
		Long: `Loads pipelines from the store, imports and watches the pipelines file
if one is configured, consumes events from NATS when enabled, and serves the
HTTP API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := NewService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

// Service is one running engine with everything wired around it.
type Service struct {
	cfg    *config.ServiceConfig
	logger *slog.Logger

	store    store.Backend
	engine   *engine.Engine
	plugins  *builtin.PluginTable
	nats     *ingress.Client
	redis    *redis.Client
	loader   *config.Loader
	server   *http.Server
	listener net.Listener

	stopWatch func()
}

// NewService opens the store and connections named by cfg, loads pipelines
// and binds the HTTP listener. Nothing is served until Run.
func NewService(ctx context.Context, cfg *config.ServiceConfig, logger *slog.Logger) (svc *Service, err error) {
	svc = &Service{cfg: cfg, logger: logger, plugins: builtin.NewPluginTable()}
	defer func() {
		if err != nil {
			if svc.engine != nil {
				_ = svc.engine.Shutdown(context.Background())
			}
			svc.close()
		}
	}()

	if svc.store, err = openStore(cfg.Store); err != nil {
		return nil, err
	}

	deps := builtin.Deps{Logger: logger, Plugins: svc.plugins}
	if cfg.Redis.Enabled {
		if svc.redis, err = builtin.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			return nil, commandError("redis", err)
		}
		deps.Cooldowns = builtin.NewRedisCooldowns(svc.redis, cfg.Redis.KeyPrefix)
		logger.Info("cooldowns shared through redis", "addr", cfg.Redis.Addr)
	}
	if cfg.NATS.Enabled {
		if svc.nats, err = ingress.Connect(cfg.NATS, logger); err != nil {
			return nil, commandError("nats", err)
		}
		deps.Publisher = svc.nats
	}

	reg := handler.NewRegistry()
	if err = builtin.Register(reg, deps); err != nil {
		return nil, commandError("registry", err)
	}
	svc.engine = engine.New(reg, svc.store, history.NewSink(svc.store, logger), cfg.Engine, logger)

	if cfg.PipelinesFile != "" {
		if err = svc.watchPipelines(ctx, reg); err != nil {
			return nil, err
		}
	}
	report, err := svc.engine.Reload(ctx)
	if err != nil {
		return nil, commandError("initial reload", err)
	}
	logger.Info("pipelines loaded", "generation", report.Generation, "pipelines", report.Pipelines, "rejected", len(report.Rejected))

	var checks []api.ReadinessCheck
	if svc.nats != nil {
		if err = svc.nats.ServePlugins(cfg.NATS.PluginSubject, svc.plugins); err != nil {
			return nil, commandError("nats plugins", err)
		}
		if err = svc.nats.Subscribe(cfg.NATS.Subject, cfg.NATS.Queue, svc.engine); err != nil {
			return nil, commandError("nats subscribe", err)
		}
		checks = append(checks, api.ReadinessCheck{Name: "nats", Ready: svc.nats.IsConnected})
	}

	if svc.listener, err = net.Listen("tcp", cfg.HTTP.Addr); err != nil {
		return nil, commandError("listen "+cfg.HTTP.Addr, err)
	}
	svc.server = &http.Server{
		Handler:      api.New(svc.engine, svc.store, logger, checks...),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return svc, nil
}

// watchPipelines imports the pipelines file and re-imports it on change.
// A file that fails validation is logged and left out of the store.
func (s *Service) watchPipelines(ctx context.Context, reg *handler.Registry) error {
	loader, err := config.NewLoader(s.cfg.PipelinesFile, s.logger)
	if err != nil {
		return commandError("pipelines file", err)
	}
	s.loader = loader
	if err := s.importPipelines(ctx, loader.Pipelines(), reg); err != nil {
		return commandError("pipelines file", err)
	}

	loader.OnChange(func(file *config.PipelinesFile) {
		if err := s.importPipelines(ctx, file, reg); err != nil {
			s.logger.Warn("pipelines file change skipped", "err", err)
			return
		}
		report, err := s.engine.Reload(ctx)
		if err != nil {
			s.logger.Warn("reload after pipelines file change failed", "err", err)
			return
		}
		s.logger.Info("pipelines hot-reloaded", "generation", report.Generation, "changed", report.Changed)
	})
	stop, err := loader.Watch()
	if err != nil {
		s.logger.Warn("pipelines watcher unavailable (hot-reload disabled)", "err", err)
		return nil
	}
	s.stopWatch = stop
	return nil
}

func (s *Service) importPipelines(ctx context.Context, file *config.PipelinesFile, reg *handler.Registry) error {
	if err := config.ValidatePipelines(file, reg); err != nil {
		return err
	}
	ids, err := config.Import(ctx, s.store, file)
	if err != nil {
		return err
	}
	s.logger.Info("pipelines file imported", "path", s.loader.Path(), "pipelines", len(ids))
	return nil
}

// Addr returns the bound HTTP address.
func (s *Service) Addr() string { return s.listener.Addr().String() }

// Plugins is the table plugin_call resolves against. In-process plugins
// register their functions here; remote ones announce themselves over NATS.
func (s *Service) Plugins() *builtin.PluginTable { return s.plugins }

// Run serves until ctx is done, then shuts everything down in order:
// HTTP, NATS ingress, engine drain, store.
func (s *Service) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.Addr())
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	if s.cfg.Retention.MaxAge > 0 {
		go s.retain(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutCtx); err != nil {
		s.logger.Warn("http shutdown", "err", err)
	}
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.logger.Warn("nats drain", "err", err)
		}
		s.nats = nil
	}
	if err := s.engine.Shutdown(shutCtx); err != nil {
		s.logger.Warn("engine shutdown incomplete", "err", err)
	}
	s.close()
	s.logger.Info("goodbye")
	return runErr
}

// retain prunes the execution log every Retention.Interval.
func (s *Service) retain(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Retention.Interval)
	defer ticker.Stop()
	for {
		s.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Retention.MaxAge)
	n, err := s.store.PruneExecutions(ctx, cutoff)
	if err != nil {
		s.logger.Warn("execution pruning failed", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned executions", "deleted", n, "cutoff", cutoff)
	}
}

// close releases whatever NewService managed to open.
func (s *Service) close() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close", "err", err)
		}
	}
}
