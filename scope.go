package jobsched

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
)

// ErrUnknownDependency is returned by Resolve for unregistered names.
var ErrUnknownDependency = errors.New("jobsched: unknown dependency")

// Scope resolves the collaborators of one work item execution.
// It is closed by the engine when the execution ends.
type Scope interface {
	Resolve(name string) (any, error)
	Close() error
}

// ScopeFactory opens a fresh Scope per execution.
type ScopeFactory interface {
	NewScope(ctx context.Context) (Scope, error)
}

// ResolveAs resolves name and asserts its type.
func ResolveAs[T any](s Scope, name string) (T, error) {
	var zero T
	v, err := s.Resolve(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("jobsched: dependency %q is %T, want %T", name, v, zero)
	}
	return t, nil
}

// Provider builds a scoped instance. The returned closer, if non-nil,
// runs when the scope closes.
type Provider func(ctx context.Context) (v any, closer func() error, err error)

// Container is a ScopeFactory backed by named providers. Each scope
// builds an instance at most once per name and closes instances in
// reverse creation order.
type Container struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewContainer() *Container {
	return &Container{providers: make(map[string]Provider)}
}

// Provide registers p under name, replacing any earlier provider.
func (c *Container) Provide(name string, p Provider) {
	c.mu.Lock()
	c.providers[name] = p
	c.mu.Unlock()
}

// ProvideValue registers a shared value that every scope returns as is.
func (c *Container) ProvideValue(name string, v any) {
	c.Provide(name, func(context.Context) (any, func() error, error) { return v, nil, nil })
}

func (c *Container) NewScope(ctx context.Context) (Scope, error) {
	c.mu.RLock()
	providers := make(map[string]Provider, len(c.providers))
	for k, v := range c.providers {
		providers[k] = v
	}
	c.mu.RUnlock()
	return &containerScope{ctx: ctx, providers: providers, cache: make(map[string]any)}, nil
}

type containerScope struct {
	ctx       context.Context
	providers map[string]Provider

	mu      sync.Mutex
	cache   map[string]any
	closers []func() error
	closed  bool
}

func (s *containerScope) Resolve(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("jobsched: resolve %q on closed scope", name)
	}
	if v, ok := s.cache[name]; ok {
		return v, nil
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDependency, name)
	}
	v, closer, err := p(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("jobsched: build %q: %w", name, err)
	}
	s.cache[name] = v
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	return v, nil
}

func (s *containerScope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for _, c := range slices.Backward(s.closers) {
		err = multierr.Append(err, c())
	}
	s.closers = nil
	return err
}

type emptyScopeFactory struct{}

func (emptyScopeFactory) NewScope(context.Context) (Scope, error) { return emptyScope{}, nil }

type emptyScope struct{}

func (emptyScope) Resolve(name string) (any, error) {
	return nil, fmt.Errorf("%w: %q", ErrUnknownDependency, name)
}
func (emptyScope) Close() error { return nil }
