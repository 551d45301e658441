package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// LoaderFactory is a function that creates a new Loader instance.
//
// Factory functions are registered with RegisterLoader and are called each
// time a module file of that type is discovered.
type LoaderFactory func() (Loader, error)

var (
	// loaderRegistry stores loader factories by module type identifier
	loaderRegistry = make(map[string]LoaderFactory)
	// loaderRegistryMu protects concurrent access to the registry
	loaderRegistryMu sync.RWMutex
)

// RegisterLoader registers a loader factory for a module type identifier.
//
// The identifier is the module file extension without the dot, e.g. "wasm".
// This should be called from init() functions in loader implementations:
//
//	func init() {
//	    RegisterLoader("wasm", func() (Loader, error) {
//	        return NewWASMLoader()
//	    })
//	}
func RegisterLoader(typeIdentifier string, factory LoaderFactory) {
	loaderRegistryMu.Lock()
	defer loaderRegistryMu.Unlock()
	loaderRegistry[typeIdentifier] = factory
}

// GetLoaderFactory retrieves the loader factory for a module type identifier.
func GetLoaderFactory(typeIdentifier string) (LoaderFactory, error) {
	loaderRegistryMu.RLock()
	defer loaderRegistryMu.RUnlock()
	factory, ok := loaderRegistry[typeIdentifier]
	if !ok {
		return nil, fmt.Errorf("no loader factory registered for module type: %s", typeIdentifier)
	}
	return factory, nil
}

// ListRegisteredPluginTypes returns all registered module type identifiers, sorted.
func ListRegisteredPluginTypes() []string {
	loaderRegistryMu.RLock()
	defer loaderRegistryMu.RUnlock()
	types := make([]string, 0, len(loaderRegistry))
	for typeIdentifier := range loaderRegistry {
		types = append(types, typeIdentifier)
	}
	sort.Strings(types)
	return types
}
