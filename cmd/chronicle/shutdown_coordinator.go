package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chronicle/internal/logging"
)

type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator runs registered steps once, in registration order.
// A failing step does not prevent the following ones from running.
type shutdownCoordinator struct {
	logger *logging.Logger
	mu     sync.Mutex
	steps  []shutdownStep
	ran    bool
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	return &shutdownCoordinator{logger: logger.With(map[string]string{logging.FieldCategory: "shutdown"})}
}

func (c *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if c == nil || stop == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, shutdownStep{name: name, stop: stop})
}

func (c *shutdownCoordinator) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil
	}
	c.ran = true
	steps := append([]shutdownStep(nil), c.steps...)
	c.mu.Unlock()

	var errs []error
	for _, step := range steps {
		started := time.Now()
		err := step.stop(ctx)
		fields := map[string]string{
			"step":     step.name,
			"duration": time.Since(started).String(),
		}
		if err != nil {
			fields[logging.FieldError] = err.Error()
			c.logger.Warn("shutdown step failed", fields)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		c.logger.Debug("shutdown step done", fields)
	}
	return errors.Join(errs...)
}
