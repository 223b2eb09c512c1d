// Package postgres provides a PostgreSQL EntityStore.
//
// Properties: "dsn" (required, a lib/pq connection string or URL) and "table".
package postgres

import (
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/sqlstore"
)

// NewStore creates a PostgreSQL backed EntityStore
func NewStore() store.EntityStore {
	return sqlstore.New(Dialect())
}

// Dialect returns the sqlstore dialect for lib/pq
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Driver:      "postgres",
		BodyType:    "JSONB",
		Placeholder: sqlstore.DollarPlaceholder,
		DSN:         dsn,
		Classify:    classify,
	}
}

func dsn(props map[string]string) (string, error) {
	value := strings.TrimSpace(props["dsn"])
	if value == "" {
		return "", errors.New("postgres: dsn is required")
	}
	return value, nil
}

func classify(err error) (store.ErrorType, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return 0, false
	}
	switch {
	case pqErr.Code == "23505":
		// unique_violation: a row with that server id already exists
		return store.VersionConflict, true
	case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57014":
		return store.Transient, true
	case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53":
		return store.Transient, true
	case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23":
		return store.ValidationFailed, true
	}
	return 0, false
}
