package runner

import "context"

// Service is one unit of the daemon's composition: the embedded broker,
// the event bus, the projection engine, the request/reply server. The
// Runner starts services in registration order and stops them in reverse.
type Service interface {
	// Name identifies the service in logs and aggregated errors.
	Name() string

	// Start brings the service up and returns once it is ready for
	// traffic. Later services may depend on this one, so finishing
	// startup in the background defeats the ordering guarantee.
	Start(ctx context.Context) error

	// Stop drains and shuts the service down within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker marks services that can report liveness after startup.
type HealthChecker interface {
	Service

	// HealthCheck returns an error when the service is degraded.
	HealthCheck(ctx context.Context) error
}
