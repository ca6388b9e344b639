package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxkeeper/voxkeeper/pkg/channel"
)

// ErrProviderNotRegistered is returned by [Registry.CreateChannel] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps channel provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(AgentConfig) (channel.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func(AgentConfig) (channel.Provider, error)),
	}
}

// RegisterChannel registers a channel provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterChannel(name string, factory func(AgentConfig) (channel.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// CreateChannel instantiates a channel provider using the factory registered
// under agent.Provider. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateChannel(agent AgentConfig) (channel.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[agent.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, agent.Provider)
	}
	return factory(agent)
}
