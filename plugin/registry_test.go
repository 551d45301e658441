package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// TestLoader is a simple test loader implementation
type TestLoader struct {
	module Module
	err    error
}

func (tl *TestLoader) Extension() string { return ".test" }

func (tl *TestLoader) Load(ctx context.Context, name string, data []byte) (Module, error) {
	if tl.err != nil {
		return nil, tl.err
	}
	return tl.module, nil
}

func TestRegisterLoader(t *testing.T) {
	testType := "test-plugin-type"
	RegisterLoader(testType, func() (Loader, error) {
		return &TestLoader{}, nil
	})

	factory, err := GetLoaderFactory(testType)
	if err != nil {
		t.Fatalf("GetLoaderFactory() error = %v", err)
	}

	loader, err := factory()
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	if loader == nil {
		t.Fatal("factory() returned nil loader")
	}
}

func TestGetLoaderFactory_Unknown(t *testing.T) {
	_, err := GetLoaderFactory("non-existent-type-xyz123")
	if err == nil {
		t.Error("GetLoaderFactory() with non-existent type error = nil, want error")
	}
}

func TestGetLoaderFactory_Concurrent(t *testing.T) {
	testType := "concurrent-test-type"
	RegisterLoader(testType, func() (Loader, error) {
		return &TestLoader{}, nil
	})

	const numGoroutines = 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				RegisterLoader(fmt.Sprintf("concurrent-%d", i), func() (Loader, error) {
					return &TestLoader{}, nil
				})
				return
			}
			factory, err := GetLoaderFactory(testType)
			if err != nil {
				t.Errorf("GetLoaderFactory() error = %v", err)
				return
			}
			if factory == nil {
				t.Error("GetLoaderFactory() returned nil factory")
			}
		}(i)
	}

	wg.Wait()
}

func TestListRegisteredPluginTypes(t *testing.T) {
	types := ListRegisteredPluginTypes()

	found := false
	for _, typ := range types {
		if typ == "wasm" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ListRegisteredPluginTypes() = %v, want it to include 'wasm'", types)
	}

	if !sort.StringsAreSorted(types) {
		t.Errorf("ListRegisteredPluginTypes() = %v, want sorted", types)
	}
}
