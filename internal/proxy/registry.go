package proxy

import (
	"context"
	"sort"
	"sync"
)

// Registry owns the set of named proxy instances and routes start/stop
// requests to them. It is safe for concurrent use; start/stop are mutually
// exclusive per name.
//
// Instances are created on Start and destroyed on Stop completion. A failed
// instance stays visible (with its failure reason) until it is stopped or
// started again.
type Registry struct {
	ctx context.Context
	cfg Config

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry constructs an empty registry. All instance run loops are
// bounded by ctx; canceling it tears everything down, but StopAll should be
// preferred so instances end in the Stopped state.
func NewRegistry(ctx context.Context, cfg Config) *Registry {
	return &Registry{
		ctx:       ctx,
		cfg:       cfg,
		instances: make(map[string]*Instance),
	}
}

// Start brings up the named proxy with the supplied config. It is a no-op
// when an instance with that name is already starting or running. Startup
// failures are returned to the caller and leave no instance behind.
func (r *Registry) Start(name string, pcfg ProxyConfig) error {
	r.mu.Lock()
	if in, ok := r.instances[name]; ok {
		switch in.State() {
		case StateStarting, StateRunning, StateStopping:
			r.mu.Unlock()
			return nil
		}
	}

	// Each run gets a fresh instance so a changed config takes effect.
	in := NewInstance(name, pcfg, r.cfg)
	in.claim()
	r.instances[name] = in
	r.mu.Unlock()

	if err := in.launch(r.ctx); err != nil {
		r.mu.Lock()
		if r.instances[name] == in {
			delete(r.instances, name)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Stop tears down the named proxy and waits for its run loop to finish. It
// is a no-op when no such instance exists. Stopping a failed instance
// clears it from the registry.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	in, ok := r.instances[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := in.Stop()

	r.mu.Lock()
	if r.instances[name] == in {
		delete(r.instances, name)
	}
	r.mu.Unlock()
	return err
}

// IsRunning reports whether the named instance is starting or running.
func (r *Registry) IsRunning(name string) bool {
	r.mu.Lock()
	in, ok := r.instances[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	switch in.State() {
	case StateStarting, StateRunning:
		return true
	}
	return false
}

// Running returns the sorted names of all starting or running instances.
func (r *Registry) Running() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.instances))
	for name, in := range r.instances {
		switch in.State() {
		case StateStarting, StateRunning:
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Statuses returns a snapshot of every known instance, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	statuses := make([]Status, 0, len(r.instances))
	for _, in := range r.instances {
		statuses = append(statuses, in.Status())
	}
	r.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// StopAll stops every known instance and returns the first error.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := r.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
