package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AndreasM009/agentstate-go/store"
)

func TestRebind(t *testing.T) {
	s := New(Dialect{Driver: "postgres", Placeholder: DollarPlaceholder})
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	plain := New(Dialect{Driver: "sqlite3"})
	assert.Equal(t, "DELETE FROM t WHERE x = ?", plain.rebind("DELETE FROM t WHERE x = ?"))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"records"`, quoteIdentifier(" records "))
	assert.Equal(t, `"we""ird"`, quoteIdentifier(`we"ird`))
}

func TestWrapUsesDialectClassification(t *testing.T) {
	busy := errors.New("database is locked")
	s := New(Dialect{
		Driver: "sqlite3",
		Classify: func(err error) (store.ErrorType, bool) {
			if errors.Is(err, busy) {
				return store.Transient, true
			}
			return 0, false
		},
	})

	assert.True(t, store.IsTransient(s.wrap("insert", busy)))
	assert.Equal(t, store.InternalError, store.TypeOf(s.wrap("insert", errors.New("disk I/O error"))))

	decoded := store.NewError(store.SerializationFailed, "decode", nil)
	assert.Equal(t, store.SerializationFailed, store.TypeOf(s.wrap("load", decoded)))
}

func TestUninitializedStore(t *testing.T) {
	s := New(Dialect{Driver: "sqlite3"})
	_, err := s.GetByID(context.Background(), store.SessionKind, "x")
	assert.Equal(t, store.InternalError, store.TypeOf(err))
	assert.NoError(t, s.Close())
}

func TestInitRejectsBadProperties(t *testing.T) {
	s := New(Dialect{
		Driver: "sqlite3",
		DSN: func(props map[string]string) (string, error) {
			return "", errors.New("path is required")
		},
	})
	err := s.Init(context.Background(), store.Metadata{Properties: map[string]string{}})
	assert.True(t, store.IsValidation(err))
}
