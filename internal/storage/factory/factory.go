// Package factory creates storage backends by name.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arborhq/arbor/internal/storage"
	"github.com/arborhq/arbor/internal/storage/memory"
	"github.com/arborhq/arbor/internal/storage/sqlstore"
)

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendDolt     = "dolt"
	BackendPostgres = "postgres"
)

// BackendFactory is a function that creates a storage backend.
type BackendFactory func(ctx context.Context, opts Options) (storage.Storage, error)

// backendRegistry holds registered backend factories
var backendRegistry = map[string]BackendFactory{
	BackendMemory:   newMemory,
	BackendSQLite:   newSQL(BackendSQLite),
	BackendMySQL:    newSQL(BackendMySQL),
	BackendDolt:     newSQL(BackendDolt),
	BackendPostgres: newSQL(BackendPostgres),
}

// RegisterBackend registers a storage backend factory, replacing any
// existing factory of the same name.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configures how the storage backend is opened.
type Options struct {
	// DSN is the data source name; for sqlite a file path is enough.
	DSN string

	MaxOpenConns int

	// ExclusiveAccess asks file-backed backends to keep other processes out.
	ExclusiveAccess bool

	// OpenTimeout bounds waiting for the access lock (0 = fail immediately).
	OpenTimeout time.Duration
}

// New creates a storage backend. An empty backend means memory.
func New(ctx context.Context, backend string, opts Options) (storage.Storage, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = BackendMemory
	}
	factory, ok := backendRegistry[backend]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	return factory(ctx, opts)
}

func newMemory(context.Context, Options) (storage.Storage, error) {
	return memory.New(), nil
}

func newSQL(dialect string) BackendFactory {
	return func(ctx context.Context, opts Options) (storage.Storage, error) {
		return sqlstore.Open(ctx, sqlstore.Config{
			Dialect:           dialect,
			DSN:               opts.DSN,
			MaxOpenConns:      opts.MaxOpenConns,
			ExclusiveAccess:   opts.ExclusiveAccess,
			AccessLockTimeout: opts.OpenTimeout,
		})
	}
}
