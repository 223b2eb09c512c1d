// Package backend builds an EntityStore from a backend type and its properties.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/azure/cosmosdb"
	"github.com/AndreasM009/agentstate-go/store/azure/tablestorage"
	"github.com/AndreasM009/agentstate-go/store/inmemory"
	"github.com/AndreasM009/agentstate-go/store/postgres"
	"github.com/AndreasM009/agentstate-go/store/sqlite"
)

// Factory creates an uninitialized EntityStore
type Factory func() store.EntityStore

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{
		"memory":       func() store.EntityStore { return inmemory.NewStore() },
		"sqlite":       sqlite.NewStore,
		"postgres":     postgres.NewStore,
		"cosmosdb":     cosmosdb.NewStore,
		"tablestorage": tablestorage.NewStore,
	},
}

var aliases = map[string]string{
	"inmem":      "memory",
	"mem":        "memory",
	"sqlite3":    "sqlite",
	"postgresql": "postgres",
	"cosmos":     "cosmosdb",
	"table":      "tablestorage",
}

// Register adds or replaces the factory for a backend type
func Register(backendType string, factory Factory) {
	backendType = normalize(backendType)
	if backendType == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[backendType] = factory
}

// Types lists the known backend types
func Types() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	types := make([]string, 0, len(registry.factories))
	for t := range registry.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open creates and initializes the store of backendType. A positive callTimeout
// bounds every call on the returned store.
func Open(ctx context.Context, backendType string, properties map[string]string, callTimeout time.Duration) (store.EntityStore, error) {
	name := normalize(backendType)
	registry.mu.RLock()
	factory, ok := registry.factories[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, store.NewError(store.ValidationFailed,
			fmt.Sprintf("unsupported backend %q, expected one of %s", backendType, strings.Join(Types(), ", ")), nil)
	}

	if properties == nil {
		properties = map[string]string{}
	}
	es := factory()
	if err := es.Init(ctx, store.Metadata{Properties: properties}); err != nil {
		return nil, fmt.Errorf("init %s backend: %w", name, err)
	}
	if callTimeout > 0 {
		es = store.WithTimeout(es, callTimeout)
	}
	return es, nil
}

func normalize(backendType string) string {
	backendType = strings.ToLower(strings.TrimSpace(backendType))
	if canonical, ok := aliases[backendType]; ok {
		return canonical
	}
	return backendType
}
