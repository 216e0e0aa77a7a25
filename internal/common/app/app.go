package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// CreateContextWithShutdown returns a context that is cancelled on the first SIGINT or SIGTERM.
// Workers observing it finish their current job and release their leases before exiting.
func CreateContextWithShutdown() context.Context {
	ctx, _ := WithShutdown(context.Background())
	return ctx
}

// WithShutdown derives a context from parent that is cancelled on a shutdown signal or when the
// returned cancel func is called.
func WithShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, shutdownSignals...)
	go func() {
		defer signal.Stop(signals)
		select {
		case sig := <-signals:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
