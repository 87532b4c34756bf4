package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/otel"
	"chronicle/internal/version"
)

const (
	httpServerShutdownTimeout = 5 * time.Second
	exitOK                    = 0
	exitError                 = 1
	exitUsage                 = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(args, nil, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "chronicle: %v\n", err)
		return exitUsage
	}
	if cfg.ShowVersion {
		info := version.Get()
		fmt.Fprintf(stdout, "chronicle %s %s\n", info.Version, info.GitCommit)
		return exitOK
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, otel.Options{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: version.Version,
	})
	if err != nil {
		logger.Warn("tracing disabled", map[string]string{logging.FieldError: err.Error()})
	}

	app, err := newApplication(cfg, logger, metrics.Default)
	if err != nil {
		logger.Error("startup failed", map[string]string{logging.FieldError: err.Error()})
		_ = shutdownTracing(context.Background())
		return exitError
	}
	app.watchParties(ctx, cfg, logger)

	coordinator := newShutdownCoordinator(logger)
	app.shutdownPhases(coordinator)
	coordinator.Add("tracing", shutdownTracing)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopWatching := watchShutdownSignals(logger, cancel, signals)
	defer stopWatching()

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("chronicle listening", map[string]string{
		"addr":          server.Addr,
		"executor":      cfg.Executor.Kind,
		"default_party": cfg.Server.DefaultParty,
		"version":       version.Version,
	})

	runner := serverRunner{logger: logger, grace: httpServerShutdownTimeout}
	serveErr := runner.run(ctx, listener{
		name:     "http",
		serve:    server.ListenAndServe,
		shutdown: server.Shutdown,
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
	defer shutdownCancel()
	if err := coordinator.Run(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", map[string]string{logging.FieldError: err.Error()})
	}
	if serveErr != nil {
		return exitError
	}
	return exitOK
}
