// Package services provides the service lifecycle backbone: a named
// registry with lazy singleton construction, deterministic core-first
// initialization, and fault-tolerant reverse-order shutdown.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/drivelinehq/driveline/common"
)

// Service is anything the registry can hold.
type Service interface {
	Name() string
}

// Initializer is the optional startup hook. InitializeAll calls it
// once per service, in priority order.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is the optional teardown hook.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// HealthChecker is the optional liveness probe surfaced by the health
// endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory constructs a service on first resolution.
type Factory func(ctx context.Context) (Service, error)

// CorePriority is the fixed initialization prefix. Cross-cutting
// services come up before anything that might use them during its own
// startup; names not registered are skipped. Everything else follows
// in registration order.
var CorePriority = []string{"logging", "error", "validation", "metrics", "cache", "security"}

// Registry registers factories and instances under string names and
// resolves them as cached singletons.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Service
	order     []string

	logger *common.ContextLogger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Service),
		logger:    common.ServiceLogger("services"),
	}
}

// RegisterFactory registers a lazy constructor. Registering the same
// name again replaces the factory but does not evict an already
// constructed instance.
func (r *Registry) RegisterFactory(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.factories[name]; !known {
		if _, constructed := r.instances[name]; !constructed {
			r.order = append(r.order, name)
		}
	}
	r.factories[name] = factory
}

// RegisterService registers an already constructed instance under its
// own name.
func (r *Registry) RegisterService(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := svc.Name()
	if _, known := r.instances[name]; !known {
		if _, hasFactory := r.factories[name]; !hasFactory {
			r.order = append(r.order, name)
		}
	}
	r.instances[name] = svc
}

// Get resolves a service, constructing it through its factory on
// first use.
func (r *Registry) Get(ctx context.Context, name string) (Service, error) {
	r.mu.Lock()
	if svc, ok := r.instances[name]; ok {
		r.mu.Unlock()
		return svc, nil
	}
	factory, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown service: %s", name)
	}

	svc, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to construct service %s: %w", name, err)
	}

	r.mu.Lock()
	// A concurrent Get may have won the race; keep the first instance.
	if existing, ok := r.instances[name]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.instances[name] = svc
	r.mu.Unlock()
	return svc, nil
}

// Lookup returns an already constructed instance without triggering
// construction. Callers that use a service opportunistically (audit,
// metrics) degrade to a no-op when it is absent.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.instances[name]
	return svc, ok
}

// initOrder is CorePriority first (registered names only), then the
// remaining registrations in order.
func (r *Registry) initOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	core := make(map[string]bool, len(CorePriority))
	var out []string
	for _, name := range CorePriority {
		core[name] = true
		if _, ok := r.factories[name]; ok {
			out = append(out, name)
			continue
		}
		if _, ok := r.instances[name]; ok {
			out = append(out, name)
		}
	}
	for _, name := range r.order {
		if !core[name] {
			out = append(out, name)
		}
	}
	return out
}

// InitializeAll constructs and initializes every registered service in
// core-first order. The first failure is logged and returned; later
// services stay untouched.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, name := range r.initOrder() {
		svc, err := r.Get(ctx, name)
		if err != nil {
			r.logger.WithField("service", name).WithError(err).Error("service construction failed")
			return err
		}
		init, ok := svc.(Initializer)
		if !ok {
			continue
		}
		if err := init.Initialize(ctx); err != nil {
			r.logger.WithField("service", name).WithError(err).Error("service initialization failed")
			return fmt.Errorf("failed to initialize service %s: %w", name, err)
		}
		r.logger.WithField("service", name).Debug("service initialized")
	}
	return nil
}

// ShutdownAll tears down constructed instances in reverse registration
// order. Errors are logged and swallowed so one bad teardown cannot
// block the rest.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		svc, ok := r.Lookup(name)
		if !ok {
			continue
		}
		down, ok := svc.(Shutdowner)
		if !ok {
			continue
		}
		if err := down.Shutdown(ctx); err != nil {
			r.logger.WithField("service", name).WithError(err).Error("service shutdown failed")
			continue
		}
		r.logger.WithField("service", name).Debug("service shut down")
	}
}

// HealthCheckAll probes every constructed service that exposes a
// health check and returns the failures by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.Unlock()

	failures := make(map[string]error)
	for _, name := range names {
		svc, ok := r.Lookup(name)
		if !ok {
			continue
		}
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}
