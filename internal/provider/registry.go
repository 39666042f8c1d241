package provider

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps user-facing model aliases to pinned backend version references.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]string
}

func NewRegistry() *Registry {
	return &Registry{versions: make(map[string]string)}
}

// DefaultRegistry returns a registry seeded with the models the studio exposes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("stable-diffusion", "stability-ai/stable-diffusion:ac732df83cea7fff18b8472768c88ad041fa750ff7682a21affe81863cbe77e4")
	r.Register("sdxl", "stability-ai/sdxl:39ed52f2a78e934b3ba6e2a89f5b1c712de7dfea535525255b1aa35c5565e08b")
	r.Register("openjourney", "prompthero/openjourney:9936c2001faa2194a261c01381f90e65261879985476014a0a37a334593a05eb")
	return r
}

func (r *Registry) Register(alias, version string) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[alias] = version
}

// Resolve turns a model alias into a concrete backend version reference.
func (r *Registry) Resolve(alias string) (string, error) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	r.mu.RLock()
	v, ok := r.versions[alias]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidModel, alias)
	}
	return v, nil
}
