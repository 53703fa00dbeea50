package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"keyreg/internal/config"
	"keyreg/internal/logging"
	"keyreg/internal/metrics"
)

// Registry binds each service name to one key group and memoizes the binding
// for the life of the process. A service moves from unassigned to pending to
// active or failed; both terminal states are permanent.
type Registry struct {
	resolver    GroupResolver
	initializer Initializer
	logger      *zap.Logger
	events      *logging.EventLog

	mu          sync.Mutex
	assignments map[string]Assignment
	groups      map[string]config.KeyGroup

	flight singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for assignment and initialization events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventLog records every terminal outcome into events.
func WithEventLog(events *logging.EventLog) Option {
	return func(r *Registry) {
		r.events = events
	}
}

// New constructs a registry resolving groups through resolver and bringing
// services up through initializer.
func New(resolver GroupResolver, initializer Initializer, opts ...Option) *Registry {
	r := &Registry{
		resolver:    resolver,
		initializer: initializer,
		logger:      zap.NewNop(),
		assignments: make(map[string]Assignment),
		groups:      make(map[string]config.KeyGroup),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveGroupForService returns the group the resolver would pick right now.
// It does not touch the assignment cache.
func (r *Registry) ResolveGroupForService(service string) (config.KeyGroup, bool) {
	return r.resolver.ResolveGroupForService(service)
}

// GetOrAssign returns the cached assignment for service, creating it on first
// use. Resolution runs at most once per service.
func (r *Registry) GetOrAssign(service string) Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrAssignLocked(service)
}

func (r *Registry) getOrAssignLocked(service string) Assignment {
	if a, ok := r.assignments[service]; ok {
		return a
	}

	group, ok := r.resolver.ResolveGroupForService(service)
	if !ok {
		a := Assignment{
			Service: service,
			Group:   NoGroup,
			Status:  StatusFailed,
			Error:   ErrNoKeyAvailable.Error(),
		}
		r.assignments[service] = a
		metrics.ObserveAssignment(false)
		r.record(a, 0)
		r.logger.Warn("no key group available", zap.String("service", service))
		return a
	}

	a := Assignment{
		Service: service,
		Group:   group.Name,
		Status:  StatusPending,
	}
	r.assignments[service] = a
	r.groups[service] = group
	metrics.ObserveAssignment(true)
	r.logger.Info("service assigned", zap.String("service", service), zap.String("group", group.Name))
	return a
}

// InitializeService brings service up through its assigned group. The
// initializer runs at most once per service; later and concurrent callers
// receive the same terminal assignment.
func (r *Registry) InitializeService(ctx context.Context, service string) Assignment {
	if a := r.GetOrAssign(service); a.Status.Terminal() {
		return a
	}

	v, _, _ := r.flight.Do(service, func() (interface{}, error) {
		r.mu.Lock()
		current := r.assignments[service]
		group := r.groups[service]
		r.mu.Unlock()

		// A flight that finished between our check and Do already settled it.
		if current.Status.Terminal() {
			return current, nil
		}

		// The attempt is shared and permanent, so one caller going away must
		// not fail it for everyone.
		start := time.Now()
		err := r.callInitializer(context.WithoutCancel(ctx), service, group)
		latency := time.Since(start)

		if err != nil {
			initErr := &InitializationError{Service: service, Group: group.Name, Err: err}
			current.Status = StatusFailed
			current.Error = err.Error()
			r.logger.Warn("service initialization failed",
				zap.String("service", service),
				zap.String("group", group.Name),
				zap.Duration("latency", latency),
				zap.Error(initErr),
			)
		} else {
			current.Status = StatusActive
			r.logger.Info("service initialized",
				zap.String("service", service),
				zap.String("group", group.Name),
				zap.Duration("latency", latency),
			)
		}

		r.mu.Lock()
		r.assignments[service] = current
		r.mu.Unlock()

		metrics.ObserveInitialization(service, group.Name, current.Status == StatusActive, latency)
		r.record(current, latency)
		return current, nil
	})
	return v.(Assignment)
}

// InitializeAll initializes services one after another in input order. A
// failure never stops the batch; Success is true only if every service is
// active.
func (r *Registry) InitializeAll(ctx context.Context, services []string) Result {
	res := Result{
		Success:     true,
		Assignments: make([]Assignment, 0, len(services)),
	}
	for _, service := range services {
		a := r.InitializeService(ctx, service)
		if a.Status != StatusActive {
			res.Success = false
		}
		res.Assignments = append(res.Assignments, a)
	}
	return res
}

// Assignments returns a snapshot of every cached assignment keyed by service.
func (r *Registry) Assignments() map[string]Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Assignment, len(r.assignments))
	for k, v := range r.assignments {
		out[k] = v
	}
	return out
}

// List returns the snapshot ordered by service name.
func (r *Registry) List() []Assignment {
	snapshot := r.Assignments()
	out := make([]Assignment, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// ActiveGroup returns the group bound to service once it is active.
func (r *Registry) ActiveGroup(service string) (config.KeyGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[service]
	if !ok || a.Status != StatusActive {
		return config.KeyGroup{}, false
	}
	return r.groups[service], true
}

// callInitializer reports a panicking initializer as an ordinary failure so
// the service still reaches a terminal state.
func (r *Registry) callInitializer(ctx context.Context, service string, group config.KeyGroup) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("initializer panic: %v", p)
		}
	}()
	return r.initializer.Initialize(ctx, service, group)
}

func (r *Registry) record(a Assignment, latency time.Duration) {
	if r.events == nil {
		return
	}
	r.events.Add(logging.InitEvent{
		Timestamp: time.Now(),
		Service:   a.Service,
		Group:     a.Group,
		Status:    string(a.Status),
		Error:     a.Error,
		LatencyMs: latency.Milliseconds(),
	})
}
