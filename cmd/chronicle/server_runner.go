package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chronicle/internal/logging"
)

// listener is one serving loop the runner starts and later shuts down.
type listener struct {
	name     string
	serve    func() error
	shutdown func(context.Context) error
}

type listenerExit struct {
	name string
	err  error
}

func (exit listenerExit) failed() bool {
	return exit.err != nil && !errors.Is(exit.err, http.ErrServerClosed)
}

type serverRunner struct {
	logger *logging.Logger
	grace  time.Duration
}

// run serves every listener until ctx ends or one of them exits, then shuts
// them all down. The returned error names the listener that failed first.
func (runner serverRunner) run(ctx context.Context, listeners ...listener) error {
	grace := runner.grace
	if grace <= 0 {
		grace = httpServerShutdownTimeout
	}
	exits := make(chan listenerExit, len(listeners))
	running := 0
	for _, l := range listeners {
		if l.serve == nil {
			continue
		}
		running++
		go func(l listener) {
			exits <- listenerExit{name: l.name, err: l.serve()}
		}(l)
	}
	if running == 0 {
		return nil
	}

	var first *listenerExit
	select {
	case exit := <-exits:
		first = &exit
		running--
		runner.report(exit)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, l := range listeners {
		if l.shutdown == nil {
			continue
		}
		if err := l.shutdown(shutdownCtx); err != nil {
			runner.logger.Warn("listener shutdown failed", map[string]string{
				"listener":         l.name,
				logging.FieldError: err.Error(),
			})
		}
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for ; running > 0; running-- {
		select {
		case exit := <-exits:
			runner.report(exit)
		case <-deadline.C:
			runner.logger.Warn("listeners did not exit before the grace period", map[string]string{
				"pending": fmt.Sprint(running),
			})
			running = 0
		}
	}

	if first != nil && first.failed() {
		return fmt.Errorf("%s: %w", first.name, first.err)
	}
	return nil
}

func (runner serverRunner) report(exit listenerExit) {
	if !exit.failed() {
		return
	}
	runner.logger.Error("listener stopped", map[string]string{
		"listener":         exit.name,
		logging.FieldError: exit.err.Error(),
	})
}
