// Package runner manages the lifecycle of long-running services: ordered
// startup, signal handling, and bounded graceful shutdown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultStartupTimeout  = time.Minute
)

// shutdownSignals end Run the same way a cancelled context does.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGINT}

// Runner drives a fixed set of services through startup and shutdown.
// Startup is sequential in registration order so each service can lean on
// the ones before it; shutdown runs concurrently in reverse order, bounded
// by the shutdown timeout.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger routes the runner's lifecycle logging.
func WithLogger(logger Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithShutdownTimeout bounds how long the Stop calls may take in total.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = timeout }
}

// WithStartupTimeout bounds each individual Start call.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = timeout }
}

// New assembles a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          noopLogger{},
		shutdownTimeout: defaultShutdownTimeout,
		startupTimeout:  defaultStartupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service and blocks until the context is cancelled, a
// shutdown signal arrives, or a start fails. A failed start unwinds the
// services that did come up before returning.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	started, startErr := r.startAll(ctx)
	if startErr != nil {
		return errors.Join(startErr, r.stopAll(started))
	}

	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopAll(started)
}

func (r *Runner) startAll(ctx context.Context) ([]Service, error) {
	r.logger.Info("starting services", "count", len(r.services))

	var started []Service
	for _, svc := range r.services {
		r.logger.Info("starting service", "service", svc.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("failed to start service", "service", svc.Name(), "error", err)
			return started, fmt.Errorf("start service %s: %w", svc.Name(), err)
		}

		started = append(started, svc)
		r.logger.Info("service started", "service", svc.Name())
	}

	r.logger.Info("all services started")
	return started, nil
}

// stopAll stops services concurrently in reverse registration order. It
// returns the joined stop errors, or a timeout error when the shutdown
// budget runs out with stops still in flight.
func (r *Runner) stopAll(started []Service) error {
	if len(started) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.logger.Info("stopping service", "service", svc.Name())
			if err := svc.Stop(ctx); err != nil {
				r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
				mu.Unlock()
				return
			}
			r.logger.Info("service stopped", "service", svc.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		r.logger.Info("all services stopped")
		return nil
	case <-ctx.Done():
		r.logger.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return fmt.Errorf("shutdown timeout exceeded after %s", r.shutdownTimeout)
	}
}

// HealthCheck polls every service that implements HealthChecker and
// reports the first failure.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}
