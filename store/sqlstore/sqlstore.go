// Package sqlstore implements store.EntityStore on a single SQL table. Optimistic
// concurrency is a conditional UPDATE on the version column; dialects supply the
// driver, the placeholder style and the mapping of driver errors.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AndreasM009/agentstate-go/store"
)

const (
	// DefaultTable is used when the "table" property is not set
	DefaultTable = "agentstate_records"

	columns = "server_id, kind, client_key, app_scope, owner_id, version, state, body, created_at, updated_at"
)

// Dialect adapts the store to one database driver
type Dialect struct {
	// Driver is the database/sql driver name
	Driver string
	// BodyType is the column type holding the JSON body
	BodyType string
	// Placeholder returns the n-th (1 based) bind parameter
	Placeholder func(n int) string
	// DSN builds the data source name from the store properties
	DSN func(props map[string]string) (string, error)
	// Setup runs once on the opened database before the schema is applied
	Setup func(ctx context.Context, db *sql.DB) error
	// Classify maps a driver error to an error type. ok is false for errors the
	// dialect does not recognise.
	Classify func(err error) (errorType store.ErrorType, ok bool)
}

type body struct {
	Attributes map[string]any  `json:"attributes,omitempty"`
	EventLog   []store.Event   `json:"eventLog,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Store is a SQL backed EntityStore
type Store struct {
	dialect Dialect
	table   string
	db      *sql.DB
	now     func() time.Time
}

// New creates a Store for dialect. Init opens the database.
func New(dialect Dialect) *Store {
	return &Store{
		dialect: dialect,
		table:   DefaultTable,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Init opens the database named by the metadata and creates the record table
// and its indexes when they are missing.
func (s *Store) Init(ctx context.Context, metadata store.Metadata) error {
	dsn, err := s.dialect.DSN(metadata.Properties)
	if err != nil {
		return store.NewError(store.ValidationFailed, "invalid "+s.dialect.Driver+" properties", err)
	}
	if table := strings.TrimSpace(metadata.Properties["table"]); table != "" {
		s.table = table
	}

	db, err := sql.Open(s.dialect.Driver, dsn)
	if err != nil {
		return store.NewError(store.InternalError, "open "+s.dialect.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return s.wrap("connect to "+s.dialect.Driver, err)
	}
	if s.dialect.Setup != nil {
		if err := s.dialect.Setup(ctx, db); err != nil {
			_ = db.Close()
			return s.wrap("configure "+s.dialect.Driver, err)
		}
	}
	if err := s.migrate(ctx, db); err != nil {
		_ = db.Close()
		return s.wrap("apply schema", err)
	}
	s.db = db
	return nil
}

func (s *Store) migrate(ctx context.Context, db *sql.DB) error {
	table := quoteIdentifier(s.table)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				server_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				client_key TEXT NOT NULL,
				app_scope TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				version BIGINT NOT NULL,
				state TEXT NOT NULL DEFAULT '',
				body %s NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`, table, s.dialect.BodyType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (kind, client_key)",
			quoteIdentifier(s.table+"_client_key_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (kind, owner_id)",
			quoteIdentifier(s.table+"_owner_id_idx"), table),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts rec with a fresh server id at version 1
func (s *Store) Create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := store.ValidateNew(rec); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	entity := rec.Clone()
	entity.ServerID = uuid.New().String()
	entity.Version = 1
	entity.CreatedAt = s.now()
	entity.UpdatedAt = entity.CreatedAt

	payload, err := encodeBody(entity)
	if err != nil {
		return nil, err
	}
	query := s.rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", quoteIdentifier(s.table), columns))
	_, err = s.db.ExecContext(ctx, query,
		entity.ServerID, string(entity.Kind), entity.ClientKey, entity.AppScope, entity.OwnerID,
		entity.Version, entity.State, payload, entity.CreatedAt.UnixNano(), entity.UpdatedAt.UnixNano())
	if err != nil {
		return nil, s.wrap("insert record", err)
	}
	return entity, nil
}

// GetByID returns the record or nil when it does not exist
func (s *Store) GetByID(ctx context.Context, kind store.Kind, serverID string) (*store.Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE server_id = ?", columns, quoteIdentifier(s.table)))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("load record "+serverID, err)
	}
	return rec, nil
}

// GetByIndexedField returns the records of kind whose field equals value, oldest first
func (s *Store) GetByIndexedField(ctx context.Context, kind store.Kind, field store.IndexField, value string) ([]*store.Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var column string
	switch field {
	case store.ClientKeyField:
		column = "client_key"
	case store.OwnerField:
		column = "owner_id"
	default:
		return nil, store.NewError(store.ValidationFailed, fmt.Sprintf("field %s is not indexed", field), nil)
	}

	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE kind = ? AND %s = ? ORDER BY created_at, server_id",
		columns, quoteIdentifier(s.table), column))
	rows, err := s.db.QueryContext(ctx, query, string(kind), value)
	if err != nil {
		return nil, s.wrap("query records", err)
	}
	defer rows.Close()

	result := []*store.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, s.wrap("read record", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query records", err)
	}
	return result, nil
}

// Update replaces attributes, event log and data of rec if its version is still
// the stored one. Identity columns and state are left untouched.
func (s *Store) Update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := store.ValidateExisting(rec); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	payload, err := encodeBody(rec)
	if err != nil {
		return nil, err
	}

	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET body = ?, version = version + 1, updated_at = ? WHERE server_id = ? AND kind = ? AND version = ? RETURNING %s",
		quoteIdentifier(s.table), columns))
	updated, err := scanRecord(s.db.QueryRowContext(ctx, query,
		payload, s.now().UnixNano(), rec.ServerID, string(rec.Kind), rec.Version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missedUpdate(ctx, rec)
	}
	if err != nil {
		return nil, s.wrap("update record "+rec.ServerID, err)
	}
	return updated, nil
}

// missedUpdate tells a stale version apart from a record that is gone
func (s *Store) missedUpdate(ctx context.Context, rec *store.Record) error {
	current, err := s.GetByID(ctx, rec.Kind, rec.ServerID)
	if err != nil {
		return err
	}
	if current == nil || current.Kind != rec.Kind {
		return store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", rec.ServerID), nil)
	}
	return store.NewError(store.VersionConflict,
		fmt.Sprintf("entity %s has gone stale, version %d is stored but %d was sent", rec.ServerID, current.Version, rec.Version), nil)
}

// Delete removes the record; deleting a missing record succeeds
func (s *Store) Delete(ctx context.Context, kind store.Kind, serverID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	query := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE server_id = ? AND kind = ?", quoteIdentifier(s.table)))
	if _, err := s.db.ExecContext(ctx, query, serverID, string(kind)); err != nil {
		return s.wrap("delete record "+serverID, err)
	}
	return nil
}

// Transition stores name as the record's state and bumps its version
func (s *Store) Transition(ctx context.Context, kind store.Kind, serverID, name string) (*store.Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := s.rebind(fmt.Sprintf(
		"UPDATE %s SET state = ?, version = version + 1, updated_at = ? WHERE server_id = ? AND kind = ? RETURNING %s",
		quoteIdentifier(s.table), columns))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, name, s.now().UnixNano(), serverID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", serverID), nil)
	}
	if err != nil {
		return nil, s.wrap("transition record "+serverID, err)
	}
	return rec, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s.db == nil {
		return store.NewError(store.InternalError, s.dialect.Driver+" store is not initialized", nil)
	}
	return nil
}

func (s *Store) wrap(text string, err error) error {
	var classified store.EntityStoreError
	if errors.As(err, &classified) {
		return err
	}
	errorType := store.InternalError
	if s.dialect.Classify != nil {
		if t, ok := s.dialect.Classify(err); ok {
			errorType = t
		}
	}
	return store.NewError(errorType, text, err)
}

// rebind rewrites ? placeholders into the dialect's style
func (s *Store) rebind(query string) string {
	if s.dialect.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*store.Record, error) {
	var (
		rec                  store.Record
		kind, payload        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ServerID, &kind, &rec.ClientKey, &rec.AppScope, &rec.OwnerID,
		&rec.Version, &rec.State, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Kind = store.Kind(kind)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()

	var b body
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, store.NewError(store.SerializationFailed, "decode record "+rec.ServerID, err)
	}
	rec.Attributes = b.Attributes
	rec.EventLog = b.EventLog
	rec.Data = b.Data
	return &rec, nil
}

func encodeBody(rec *store.Record) (string, error) {
	payload, err := json.Marshal(body{Attributes: rec.Attributes, EventLog: rec.EventLog, Data: rec.Data})
	if err != nil {
		return "", store.NewError(store.SerializationFailed, "encode record "+rec.ServerID, err)
	}
	return string(payload), nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}
