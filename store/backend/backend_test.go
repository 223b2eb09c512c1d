package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/inmemory"
)

func TestOpenMemory(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, " InMem ", nil, time.Second)
	require.NoError(t, err)
	defer es.Close()

	rec, err := es.Create(ctx, &store.Record{Kind: store.SessionKind, ClientKey: "s1", AppScope: "app", OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, "sqlite", map[string]string{"path": filepath.Join(t.TempDir(), "state.db")}, 0)
	require.NoError(t, err)
	defer es.Close()

	rec, err := es.Create(ctx, &store.Record{Kind: store.TaskKind, ClientKey: "t1", AppScope: "app", OwnerID: "u1"})
	require.NoError(t, err)
	got, err := es.GetByID(ctx, store.TaskKind, rec.ServerID)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ClientKey)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "redis", nil, 0)
	assert.True(t, store.IsValidation(err))
	assert.Contains(t, err.Error(), "postgres")
}

func TestOpenReportsInitFailure(t *testing.T) {
	_, err := Open(context.Background(), "postgres", map[string]string{}, 0)
	assert.Error(t, err)
	assert.True(t, store.IsValidation(err))
}

func TestRegister(t *testing.T) {
	calls := 0
	Register("fake", func() store.EntityStore {
		calls++
		return inmemory.NewStore()
	})
	assert.Contains(t, Types(), "fake")

	es, err := Open(context.Background(), "FAKE", nil, 0)
	require.NoError(t, err)
	assert.NotNil(t, es)
	assert.Equal(t, 1, calls)
}
