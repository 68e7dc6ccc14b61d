package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLive] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live provider from the live section and the resolved
// credential.
type LiveFactory func(cfg LiveConfig, apiKey string) (live.Provider, error)

// Registry maps live provider names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]LiveFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]LiveFactory)}
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// CreateLive instantiates the provider named by cfg.Provider.
func (r *Registry) CreateLive(cfg LiveConfig, apiKey string) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	p, err := factory(cfg, apiKey)
	if err != nil {
		return nil, fmt.Errorf("config: create live provider %q: %w", cfg.Provider, err)
	}
	return p, nil
}

// LiveNames returns the registered provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// SessionConfig derives the per-connection session settings.
func (c LiveConfig) SessionConfig() live.SessionConfig {
	return live.SessionConfig{
		Model:               c.Model,
		Voice:               c.Voice,
		SystemInstruction:   c.SystemInstruction,
		InputTranscription:  !c.DisableTranscription,
		OutputTranscription: !c.DisableTranscription,
	}
}
