package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/gauntlet/internal/api"
	"github.com/joescharf/gauntlet/internal/cache"
	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/logger"
	"github.com/joescharf/gauntlet/internal/metrics"
	"github.com/joescharf/gauntlet/internal/notify"
	"github.com/joescharf/gauntlet/internal/pipeline"
	"github.com/joescharf/gauntlet/internal/stage"
	"github.com/joescharf/gauntlet/internal/store"
	"github.com/joescharf/gauntlet/internal/tools"
)

// app holds the wired server-side components.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *store.SQLiteStore
	registry    *pipeline.Registry
	coordinator *coordinator.Coordinator
	dispatcher  *notify.Dispatcher
	hub         *notify.Hub
	nats        *notify.NATS
	metrics     *metrics.Metrics
	results     *cache.Results
}

// buildApp opens the store and wires tools, plans, notification sinks and the
// coordinator from cfg. Logs go to logOut.
func buildApp(ctx context.Context, cfg config.Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger.New(logOut, cfg.Log)}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = s
	if err := s.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	toolbox := tools.NewToolbox(cfg, a.logger)
	plans, err := pipeline.Load(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry, err = pipeline.New(toolbox, plans...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New()
	exec := stage.NewExecutor(toolbox, a.logger,
		stage.WithObserver(a.metrics),
		stage.WithMaxResponseTime(cfg.Escalation.MaxResponseTime),
	)

	a.dispatcher = notify.NewDispatcher(a.logger,
		notify.WithTimeout(cfg.Coordinator.NotifyTimeout),
		notify.WithBaseURL(serverURL(cfg)),
		notify.WithFilter(cfg.EventEnabled),
		notify.WithObserver(a.metrics),
	)
	a.hub = notify.NewHub(a.logger)
	a.dispatcher.Add(a.hub)
	for _, u := range cfg.Notify.WebhookURLs {
		if u = strings.TrimSpace(u); u != "" {
			a.dispatcher.Add(notify.NewWebhook(u))
		}
	}
	if cfg.Notify.NATSURL != "" {
		n, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.NATSSubject)
		if err != nil {
			a.logger.Warn("nats unavailable, continuing without it", "url", cfg.Notify.NATSURL, "error", err)
		} else {
			a.nats = n
			a.dispatcher.Add(n)
		}
	}

	a.results, err = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("results cache: %w", err)
	}

	a.coordinator = coordinator.New(s, a.registry, exec, cfg.Coordinator, a.logger,
		coordinator.WithNotifier(a.dispatcher),
		coordinator.WithCache(a.results),
		coordinator.WithRecorder(a.metrics),
	)
	return a, nil
}

// apiServer returns the REST server over the app's coordinator.
func (a *app) apiServer() *api.Server {
	return api.NewServer(a.coordinator, a.registry, a.cfg.Server, a.logger,
		api.WithHub(a.hub),
		api.WithMetrics(a.metrics),
	)
}

// shutdown stops accepting jobs, waits for running ones and flushes
// notifications.
func (a *app) shutdown(ctx context.Context) error {
	err := a.coordinator.Shutdown(ctx)
	a.dispatcher.Flush()
	return err
}

// Close releases connections. Call after shutdown.
func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.results != nil {
		a.results.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// serverURL is the externally reachable base URL of the API.
func serverURL(cfg config.Config) string {
	if cfg.Server.BaseURL != "" {
		return strings.TrimSuffix(cfg.Server.BaseURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}
