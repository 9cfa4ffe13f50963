package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry selects adapters by protocol name.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(protocols ...Protocol) *Registry {
	r := &Registry{protocols: make(map[string]Protocol)}
	for _, p := range protocols {
		r.protocols[p.Name()] = p
	}
	return r
}

// DefaultRegistry returns a registry with every built-in adapter.
func DefaultRegistry(opts Options) *Registry {
	return NewRegistry(NewHTTP(opts), NewGRPC(opts))
}

// Register adds p. Registering a second adapter under one name fails.
func (r *Registry) Register(p Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.protocols[p.Name()]; ok {
		return fmt.Errorf("protocol: %q already registered", p.Name())
	}
	r.protocols[p.Name()] = p
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.protocols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return p, nil
}

// Names returns the registered protocol names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Do dispatches raw to the adapter registered under name and waits for
// the outcome.
func (r *Registry) Do(ctx context.Context, name string, raw *RequestConfig) (*Call, []byte, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, nil, err
	}
	return Do(ctx, p, raw)
}
