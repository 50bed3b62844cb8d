// Package storage defines the panel's persistence interface and its
// configuration. PostgreSQL backs production; SQLite backs local development.
package storage

import (
	"context"
	"time"

	"github.com/collapp/panel/pkg/buildserver"
	"github.com/collapp/panel/pkg/moderation"
	"github.com/collapp/panel/pkg/session"
)

// Store is the full persistence surface: moderation reads and transitions,
// the build notification outbox, and session persistence.
type Store interface {
	moderation.Store
	buildserver.DeliveryStore
	session.Store

	// CountPendingDeliveries reports outbox backlog for the metrics gauge.
	CountPendingDeliveries(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Supported storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds storage configuration.
type Config struct {
	Driver string

	// PostgreSQL
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// SQLite (local development)
	SQLitePath string
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Driver:           DriverPostgres,
		PostgresURL:      "postgres://localhost/collapp?sslmode=disable",
		PostgresMaxConns: 25,
		PostgresMinConns: 5,
		PostgresTimeout:  10 * time.Second,
		SQLitePath:       "panel.db",
	}
}
