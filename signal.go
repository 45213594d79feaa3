package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context cancelled by SIGINT or SIGTERM. The
// first signal starts a graceful drain of in-flight reconciliations and
// open websocket sessions; a second signal exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		for signals := 0; ; signals++ {
			select {
			case sig := <-sigCh:
				if signals == 0 {
					logger.Info("shutting down", "signal", sig.String())
					cancel()

					continue
				}

				logger.Warn("second signal, exiting now", "signal", sig.String())
				os.Exit(1)
			case <-parent.Done():
				return
			}
		}
	}()

	return ctx
}
