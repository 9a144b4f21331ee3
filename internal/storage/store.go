// Package storage defines the Store interface for activity persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/codesail/codesail/internal/domain"
)

// ActivityStore records workspace operations. Append-only: no Update method
// exists on this interface; DeleteOlderThan serves retention only.
type ActivityStore interface {
	Append(ctx context.Context, activity *domain.Activity) error

	// Query returns activity records, newest first. Empty userID or
	// projectID means no filter on that field. Limit defaults to 100.
	Query(ctx context.Context, userID, projectID string, limit int) ([]domain.Activity, error)

	// DeleteOlderThan removes records created before cutoff and returns
	// how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the persistence interface for CodeSail.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Activities() ActivityStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
