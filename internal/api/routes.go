package api

import (
	"net/http"

	"chronicle/internal/event"
	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/otel"
	"chronicle/internal/registry"
	"chronicle/internal/session"
)

type RouteConfig struct {
	Manager        *session.Manager
	Registry       *registry.Registry
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AllowedOrigins []string
	Gateway        GatewayConfig
}

func RegisterRoutes(mux *http.ServeMux, config RouteConfig) {
	logger := config.Logger
	rest := &RestHandler{
		Manager:  config.Manager,
		Registry: config.Registry,
		Logger:   logger,
		Metrics:  config.Metrics,
	}
	wrap := func(route string, handler http.Handler) http.Handler {
		return otel.Middleware(route, requestLog(logger, handler))
	}

	mux.Handle(sessionRoute, noStore(&SessionHandler{
		Manager:        config.Manager,
		Registry:       config.Registry,
		Logger:         logger,
		Metrics:        config.Metrics,
		AllowedOrigins: config.AllowedOrigins,
		Config:         config.Gateway,
	}))

	var sessionBus *event.Bus[event.SessionEvent]
	if config.Manager != nil {
		sessionBus = config.Manager.Bus()
	}
	mux.Handle(sessionEventsRoute, noStore(sessionEventsStream(sessionBus, logger, config.AllowedOrigins)))
	mux.Handle(logsStreamRoute, noStore(logsStream(logger, config.AllowedOrigins)))

	mux.Handle("/api/status", wrap("/api/status", restHandler(rest.handleStatus)))
	mux.Handle("/api/sessions", wrap("/api/sessions", restHandler(rest.handleSessions)))
	mux.Handle("/api/sessions/", wrap("/api/sessions/:id", restHandler(rest.handleSession)))
	mux.Handle("/api/parties", wrap("/api/parties", restHandler(rest.handleParties)))
	mux.Handle("/api/protocol/schema", wrap("/api/protocol/schema", restHandler(rest.handleSchema)))
	mux.Handle("/api/logs", wrap("/api/logs", restHandler(rest.handleLogs)))
	mux.Handle("/api/", noStore(http.NotFoundHandler()))
	mux.Handle("/metrics", noStore(http.HandlerFunc(rest.handleMetrics)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("chronicle ok\n"))
	})
}
