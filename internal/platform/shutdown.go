// Package platform adapts process signal handling to the host OS.
package platform

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
)

// NewShutdownContext returns a context canceled when the process receives one of
// the platform's shutdown signals. The received signal is logged.
func NewShutdownContext(parent context.Context, logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, shutdownSignals...)

	go func() {
		defer signal.Stop(signals)
		select {
		case received := <-signals:
			logger.WithField("signal", received.String()).Info("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
