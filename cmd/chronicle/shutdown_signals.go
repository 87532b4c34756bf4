package main

import (
	"context"
	"os"

	"chronicle/internal/logging"
)

// watchShutdownSignals cancels the server context on the first signal and
// only logs the ones that follow. The returned func stops the watcher.
func watchShutdownSignals(logger *logging.Logger, cancel context.CancelFunc, signals <-chan os.Signal) func() {
	if signals == nil {
		return func() {}
	}
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		received := 0
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				received++
				fields := map[string]string{"signal": signalName(sig)}
				switch received {
				case 1:
					logger.Info("shutdown signal received", fields)
					if cancel != nil {
						cancel()
					}
				case 2:
					logger.Info("shutdown already in progress", fields)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-finished
	}
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return "unknown"
	}
	return sig.String()
}
