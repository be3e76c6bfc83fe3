package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdownFunc struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the billing service on SIGINT/SIGTERM. The API
// server stops accepting webhooks first so no event is half-processed, then
// the registered closers (notifier queue, cache client, trace exporter,
// database pools) run in parallel under one deadline.
type ShutdownManager struct {
	logger          *Logger
	server          *http.Server
	closers         []namedShutdownFunc
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// NewShutdownManager creates a shutdown manager. A zero timeout defaults to
// 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		server:          server,
		shutdownTimeout: timeout,
	}
}

// RegisterShutdownFunc adds a named closer to run during shutdown
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedShutdownFunc{name: name, fn: fn})
}

// WaitForShutdown blocks until a termination signal arrives, then drains the
// HTTP server and runs every registered closer. It returns an error when the
// deadline is exceeded or any closer fails.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.WithField("signal", sig.String()).Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	// Stop the webhook and API surface before tearing anything else down;
	// in-flight event transactions finish or roll back cleanly.
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("http server shutdown failed")
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		sm.logger.Info("http server drained")
	}

	sm.mu.Lock()
	closers := sm.closers
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(closers))

	for _, closer := range closers {
		wg.Add(1)
		go func(c namedShutdownFunc) {
			defer wg.Done()
			log := sm.logger.WithField("component", c.name)
			if err := c.fn(ctx); err != nil {
				log.WithError(err).Error("shutdown failed")
				errChan <- fmt.Errorf("%s: %w", c.name, err)
				return
			}
			log.Info("shutdown complete")
		}(closer)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("shutdown deadline exceeded")
		return fmt.Errorf("shutdown deadline exceeded")
	}

	close(errChan)
	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors", len(errs))
	}

	sm.logger.Info("graceful shutdown complete")
	return nil
}
