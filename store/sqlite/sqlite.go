// Package sqlite provides a SQLite EntityStore for single node deployments and
// local development.
//
// Properties: "path" (required, a file path or ":memory:") and "table".
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/sqlstore"
)

// NewStore creates a SQLite backed EntityStore
func NewStore() store.EntityStore {
	return sqlstore.New(Dialect())
}

// Dialect returns the sqlstore dialect for mattn/go-sqlite3
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Driver:   "sqlite3",
		BodyType: "TEXT",
		DSN:      dsn,
		Setup:    applyPragmas,
		Classify: classify,
	}
}

func dsn(props map[string]string) (string, error) {
	path := strings.TrimSpace(props["path"])
	if path == "" {
		return "", errors.New("sqlite: path is required")
	}
	return path, nil
}

// applyPragmas configures the connection:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5 second busy timeout for lock contention
//
// SQLite allows a single writer, so the pool is limited to one connection.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func classify(err error) (store.ErrorType, bool) {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return store.Transient, true
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return store.VersionConflict, true
		}
		return store.ValidationFailed, true
	}
	return 0, false
}
