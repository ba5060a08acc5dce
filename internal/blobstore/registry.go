package blobstore

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"sync"

	"gorm.io/gorm"
)

// Deps carries shared handles that some backends need in addition to their
// string configuration.
type Deps struct {
	DB *gorm.DB
	// HTTPClient, when set, is used by network backends.
	HTTPClient *http.Client
}

// Factory creates a Store from configuration.
type Factory func(ctx context.Context, config map[string]string, deps Deps) (Store, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type registration struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register adds a backend factory to the registry.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("blobstore: backend %q already registered", name))
	}
	registry[name] = registration{factory: factory, defaults: defaults}
}

// Open creates a Store using the named backend. Config values are merged over
// the backend's defaults.
func Open(ctx context.Context, name string, config map[string]string, deps Deps) (Store, error) {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("blobstore: unknown backend %q (registered: %v)", name, Backends())
	}

	merged := make(map[string]string)
	if reg.defaults != nil {
		maps.Copy(merged, reg.defaults())
	}
	for k, v := range config {
		if v != "" {
			merged[k] = v
		}
	}
	return reg.factory(ctx, merged, deps)
}

// Backends returns the names of all registered backends, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
