package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultLifecycleManager implements LifecycleManager
type DefaultLifecycleManager struct {
	mu           sync.Mutex
	services     map[string]Service
	dependencies map[string][]string
	started      []string
	listeners    []func(LifecycleEvent)
	timeout      time.Duration
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager() *DefaultLifecycleManager {
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
	}
}

// SetTimeout bounds each Start and Stop call
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	lm.timeout = timeout
	lm.mu.Unlock()
}

// Register registers a service. deps name services that must start first.
func (lm *DefaultLifecycleManager) Register(service Service, deps ...string) error {
	if service == nil {
		return errors.New("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return errors.New("service name cannot be empty")
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.started) > 0 {
		return fmt.Errorf("cannot register service %s: already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}
	lm.services[name] = service
	lm.dependencies[name] = deps
	return nil
}

// Start starts all services in dependency order. On failure the services
// already started are stopped again.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.started) > 0 {
		return errors.New("lifecycle manager already started")
	}

	order, err := lm.startOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartError, Service: name, Error: err})
			lm.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}
		lm.started = append(lm.started, name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name})
	}

	log.WithField("order", order).Info("services started")
	return nil
}

// Stop stops all started services in reverse order and returns every
// failure.
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stopStarted(ctx)
}

func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(lm.started) - 1; i >= 0; i-- {
		name := lm.started[i]
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStopError, Service: name, Error: err})
			errs = append(errs, &ApplicationError{Operation: "stop", Service: name, Err: err})
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name})
	}
	lm.started = nil
	return errors.Join(errs...)
}

// Health returns the health status of all services
func (lm *DefaultLifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mu.Lock()
	services := make(map[string]Service, len(lm.services))
	for name, s := range lm.services {
		services[name] = s
	}
	lm.mu.Unlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		status.LastCheck = time.Now()
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener adds a lifecycle event listener. Listeners run synchronously.
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	lm.listeners = append(lm.listeners, listener)
	lm.mu.Unlock()
}

// startOrder sorts services topologically. Ties are broken by name.
func (lm *DefaultLifecycleManager) startOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string)
	for name := range lm.services {
		inDegree[name] += 0
		for _, dep := range lm.dependencies[name] {
			if _, ok := lm.services[dep]; !ok {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(lm.services))
	for len(ready) > 0 {
		sort.Strings(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(lm.services) {
		return nil, errors.New("circular dependency detected")
	}
	return order, nil
}

func (lm *DefaultLifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()

	entry := log.WithFields(log.Fields{"service": event.Service, "event": event.Type})
	if event.Error != nil {
		entry.WithError(event.Error).Error("service lifecycle failure")
	} else {
		entry.Debug("service lifecycle")
	}

	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("lifecycle listener panicked")
				}
			}()
			listener(event)
		}()
	}
}
