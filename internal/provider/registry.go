package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Settings holds the vendor-specific configuration an adapter needs
// (token, repository, endpoint, ...). Keys are adapter-defined.
type Settings map[string]string

// Constructor creates an adapter from its settings.
// Implementations register themselves with Register().
type Constructor func(settings Settings) (Adapter, error)

var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers an adapter constructor under a provider name.
// Called from init() functions in implementation packages.
//
// Example:
//
//	func init() {
//	    provider.Register("github", New)
//	}
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("provider: Register constructor is nil for %s", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("provider: Register called twice for %s", name))
	}
	registry[name] = constructor
}

// New creates an adapter for a registered provider name.
func New(name string, settings Settings) (Adapter, error) {
	registryMutex.RLock()
	constructor := registry[name]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, RegisteredNames())
	}
	return constructor(settings)
}

// IsRegistered returns true if a constructor exists for the name.
func IsRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[name]
	return exists
}

// RegisteredNames returns all registered provider names, sorted.
func RegisteredNames() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnregisterAll clears the registry. Primarily useful for testing.
func UnregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[string]Constructor)
}
