package repository

import (
	"context"
	"fmt"
	"strings"
)

// Backend identifies a persistence backend.
type Backend string

const (
	// BackendPostgres uses PostgreSQL, the primary backend.
	BackendPostgres Backend = "postgres"
	// BackendMongoDB uses MongoDB.
	BackendMongoDB Backend = "mongodb"
	// BackendMemory uses the in-process store, for development only.
	BackendMemory Backend = "memory"
)

// ParseBackend parses a backend name, defaulting to Postgres for empty or
// unrecognized input.
func ParseBackend(s string) Backend {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mongodb", "mongo":
		return BackendMongoDB
	case "memory", "mem":
		return BackendMemory
	default:
		return BackendPostgres
	}
}

// Options carries the connection settings the factory may need.
type Options struct {
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
}

// Open constructs the Store for the selected backend.
func Open(ctx context.Context, backend Backend, opts Options) (Store, error) {
	switch backend {
	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		return NewPostgresStore(opts.PostgresDSN)
	case BackendMongoDB:
		if opts.MongoURI == "" || opts.MongoDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires a URI and database name")
		}
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
