// Package backend assembles the document store and category repository for
// the configured storage backend, together with the background loops and
// readiness checks that come with it.
package backend

import (
	"context"
	"errors"
	"fmt"

	"fintrack/internal/categories"
	"fintrack/internal/config"
	"fintrack/internal/docstore"
)

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific. AMQPURL is optional and enables change fan-out
	// between processes sharing the database file.
	SQLiteDBPath string
	AMQPURL      string
	AMQPExchange string

	// Postgres specific
	DatabaseURL string
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type:         backendType,
		SQLiteDBPath: appConfig.SQLiteDBPath,
		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
		DatabaseURL:  appConfig.DatabaseURL,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
		if c.AMQPURL != "" && c.AMQPExchange == "" {
			return fmt.Errorf("AMQP exchange is required when AMQP URL is set")
		}
	case PostgresBackend:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for postgres backend")
		}
	case MemoryBackend:
	default:
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	return nil
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// RunFunc is a background loop that returns when ctx is done.
type RunFunc func(ctx context.Context) error

// CheckFunc reports whether a dependency can serve requests.
type CheckFunc func(ctx context.Context) error

// Result contains the backend instances, the loops that keep them fed and
// their cleanup.
type Result struct {
	Docs       docstore.DocumentStore
	Categories categories.Repository

	// Runners must be started by the caller and run until shutdown.
	Runners map[string]RunFunc
	Checks  map[string]CheckFunc

	cleanups []CleanupFunc
}

func (r *Result) addCleanup(fn CleanupFunc) {
	r.cleanups = append(r.cleanups, fn)
}

// Close releases resources in reverse order of acquisition.
func (r *Result) Close() error {
	var errs []error
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		if err := r.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.cleanups = nil
	return errors.Join(errs...)
}
