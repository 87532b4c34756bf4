package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chronicle"
	"chronicle/internal/api"
	"chronicle/internal/checkpoint"
	"chronicle/internal/engine"
	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/narrator"
	"chronicle/internal/party"
	"chronicle/internal/registry"
	"chronicle/internal/session"
)

const (
	executorScripted = "scripted"
	executorHTTP     = "http"
	embeddedParties  = "config/parties"
)

// application is the wired server: parties, sessions, connections and routes.
type application struct {
	catalog  *party.Catalog
	manager  *session.Manager
	registry *registry.Registry
	handler  http.Handler
}

func newApplication(cfg Config, logger *logging.Logger, registryMetrics *metrics.Registry) (*application, error) {
	var manager *session.Manager
	catalog, err := party.NewCatalog(party.CatalogOptions{
		Embedded:    chronicle.EmbeddedConfigFS,
		EmbeddedDir: embeddedParties,
		Dir:         strings.TrimSpace(cfg.Server.PartiesDir),
		Logger:      logger,
		OnReload: func(ids []string) {
			if manager != nil {
				manager.PartiesReloaded(ids)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load parties: %w", err)
	}
	if _, err := catalog.Get(cfg.Server.DefaultParty); err != nil {
		_ = catalog.Close()
		return nil, fmt.Errorf("default party %q: %w", cfg.Server.DefaultParty, err)
	}

	executor, err := newExecutor(cfg.Executor)
	if err != nil {
		_ = catalog.Close()
		return nil, err
	}
	speed, _ := engine.ParseSpeed(cfg.Engine.Speed)

	var store checkpoint.Store
	if dir := strings.TrimSpace(cfg.Server.CheckpointDir); dir != "" {
		store = checkpoint.NewFileStore(dir, logger)
	}

	manager, err = session.NewManager(session.ManagerOptions{
		Parties:      catalog,
		DefaultParty: cfg.Server.DefaultParty,
		AutoCreate:   cfg.Server.AutoCreateSessions,
		Executor:     executor,
		Visibility:   narrator.WindowedVisibility{Window: cfg.Executor.LogWindow},
		Engine: session.EngineSettings{
			Pacing: engine.Pacing{
				Slow:   cfg.Engine.PacingSlow,
				Normal: cfg.Engine.PacingNormal,
				Fast:   cfg.Engine.PacingFast,
			},
			Speed:       speed,
			MaxRetries:  cfg.Engine.MaxRetries,
			MaxRounds:   cfg.Engine.MaxRounds,
			RoundPause:  cfg.Engine.RoundPause,
			TurnTimeout: cfg.Executor.Timeout,
		},
		Checkpoints: store,
		Logger:      logger,
		Metrics:     registryMetrics,
	})
	if err != nil {
		_ = catalog.Close()
		return nil, err
	}

	connections := registry.New(logger, registryMetrics)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouteConfig{
		Manager:        manager,
		Registry:       connections,
		Logger:         logger,
		Metrics:        registryMetrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gateway: api.GatewayConfig{
			PingInterval: cfg.Gateway.PingInterval,
			PongWait:     cfg.Gateway.PongWait,
			WriteTimeout: cfg.Gateway.WriteTimeout,
			CommandRate:  cfg.Gateway.CommandRate,
			CommandBurst: cfg.Gateway.CommandBurst,
		},
	})

	return &application{
		catalog:  catalog,
		manager:  manager,
		registry: connections,
		handler:  mux,
	}, nil
}

func newExecutor(cfg ExecutorConfig) (engine.TurnExecutor, error) {
	switch cfg.Kind {
	case executorHTTP:
		executor, err := narrator.NewHTTP(narrator.HTTPOptions{
			URL:     cfg.URL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return executor, nil
	case executorScripted, "":
		return narrator.Scripted{}, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Kind)
	}
}

// watchParties reloads the catalog on directory changes until ctx ends.
func (app *application) watchParties(ctx context.Context, cfg Config, logger *logging.Logger) {
	if strings.TrimSpace(cfg.Server.PartiesDir) == "" {
		return
	}
	if err := app.catalog.Watch(ctx); err != nil {
		logger.Warn("party watch unavailable", map[string]string{
			logging.FieldError: err.Error(),
			"dir":              cfg.Server.PartiesDir,
		})
	}
}

func (app *application) shutdownPhases(coordinator *shutdownCoordinator) {
	coordinator.Add("sessions", func(context.Context) error {
		app.manager.Close()
		return nil
	})
	coordinator.Add("connections", func(context.Context) error {
		app.registry.CloseAll()
		return nil
	})
	coordinator.Add("parties", func(context.Context) error {
		return app.catalog.Close()
	})
}
