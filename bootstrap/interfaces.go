// Package bootstrap assembles a node from configuration and manages the
// lifecycle of its parts: transport, node, and configuration watcher.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/najoast/thorium/cluster"
)

// Service is a part of the application with a start/stop lifecycle.
// Name must be unique within one LifecycleManager.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus is one service's answer to a health probe.
type HealthStatus struct {
	State     HealthState            `json:"state"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// HealthState classifies a HealthStatus.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// LifecycleManager starts services in dependency order and stops them in
// reverse
type LifecycleManager interface {
	// Register adds service; deps name services that must start first.
	Register(service Service, deps ...string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Health probes every service, keyed by name.
	Health(ctx context.Context) map[string]HealthStatus

	// Services lists registered names in sorted order.
	Services() []string

	// AddListener receives every lifecycle event synchronously.
	AddListener(listener func(LifecycleEvent))
}

// Application is one running node
type Application interface {
	// Run starts every service and blocks until ctx is done or the process
	// is signalled, then shuts down
	Run(ctx context.Context) error

	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// Node returns the actor engine
	Node() *cluster.Node
	LifecycleManager() LifecycleManager
}

// Lifecycle event types
const (
	EventServiceStarted    = "service.started"
	EventServiceStartError = "service.start_failed"
	EventServiceStopped    = "service.stopped"
	EventServiceStopError  = "service.stop_failed"
)

// LifecycleEvent reports a service starting or stopping.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     error     `json:"error,omitempty"`
}

// ApplicationError ties a lifecycle failure to the operation and service.
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
