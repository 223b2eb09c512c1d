package locator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/inmemory"
	"github.com/AndreasM009/agentstate-go/store/storetest"
)

func create(t *testing.T, es store.EntityStore, kind store.Kind, clientKey string) *store.Record {
	t.Helper()
	rec, err := es.Create(context.Background(), &store.Record{
		Kind:      kind,
		ClientKey: clientKey,
		AppScope:  "app",
		OwnerID:   "user-1",
	})
	require.NoError(t, err)
	return rec
}

func TestResolveServerIDShapedKeyUsesDirectLookup(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := create(t, es, store.SessionKind, "s1")
	es.Reset()

	l := New(es, store.SessionKind, Options{Backoff: time.Millisecond})
	id, err := l.Resolve(context.Background(), "app", "user-1", rec.ServerID)

	require.NoError(t, err)
	assert.Equal(t, rec.ServerID, id)
	assert.Equal(t, 1, es.Total())
	assert.Equal(t, 1, es.Calls(storetest.OpGetByID))
}

func TestResolveClientKeyUsesIndex(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := create(t, es, store.SessionKind, "s1")
	create(t, es, store.ConversationKind, "s1")
	es.Reset()

	l := New(es, store.SessionKind, Options{Backoff: time.Millisecond})
	id, err := l.Resolve(context.Background(), "app", "user-1", "s1")

	require.NoError(t, err)
	assert.Equal(t, rec.ServerID, id)
	assert.Equal(t, 0, es.Calls(storetest.OpGetByID))
	assert.Equal(t, 1, es.Calls(storetest.OpIndexed))
}

func TestResolveAbsorbsIndexLag(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore(inmemory.WithIndexLag(2)))
	rec := create(t, es, store.SessionKind, "s1")
	es.Reset()

	l := New(es, store.SessionKind, Options{MaxRetries: 3, Backoff: time.Millisecond})
	id, err := l.Resolve(context.Background(), "app", "user-1", "s1")

	require.NoError(t, err)
	assert.Equal(t, rec.ServerID, id)
	assert.Equal(t, 3, es.Calls(storetest.OpIndexed))
}

func TestResolveNotFoundAfterBoundedRetries(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())

	l := New(es, store.SessionKind, Options{MaxRetries: 3, Backoff: time.Millisecond})
	id, err := l.Resolve(context.Background(), "app", "user-1", "missing")

	require.NoError(t, err)
	assert.Equal(t, "", id)
	assert.Equal(t, 4, es.Calls(storetest.OpIndexed))
}

func TestResolveForeignKindFallsBackToIndex(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	task := create(t, es, store.TaskKind, "t1")
	es.Reset()

	l := New(es, store.SessionKind, Options{MaxRetries: 1, Backoff: time.Millisecond})
	id, err := l.Resolve(context.Background(), "app", "user-1", task.ServerID)

	require.NoError(t, err)
	assert.Equal(t, "", id)
	assert.Equal(t, 1, es.Calls(storetest.OpGetByID))
	assert.Equal(t, 2, es.Calls(storetest.OpIndexed))
}

func TestResolveScopesByOwner(t *testing.T) {
	es := inmemory.NewStore()
	create(t, es, store.SessionKind, "s1")

	l := New(es, store.SessionKind, Options{MaxRetries: -1})
	id, err := l.Resolve(context.Background(), "app", "user-2", "s1")

	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestResolveMemoizesServerID(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := create(t, es, store.SessionKind, "s1")

	l := New(es, store.SessionKind, Options{Backoff: time.Millisecond})
	_, err := l.Resolve(context.Background(), "app", "user-1", "s1")
	require.NoError(t, err)
	es.Reset()

	id, err := l.Resolve(context.Background(), "app", "user-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, rec.ServerID, id)
	assert.Equal(t, 1, es.Calls(storetest.OpGetByID))
	assert.Equal(t, 0, es.Calls(storetest.OpIndexed))

	require.NoError(t, es.Delete(context.Background(), store.SessionKind, rec.ServerID))
	l.Forget(rec.ServerID)
	es.Reset()

	id, err = l.Resolve(context.Background(), "app", "user-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "", id)
	assert.Equal(t, 0, es.Calls(storetest.OpGetByID))
}

func TestResolveCancelledDuringBackoff(t *testing.T) {
	es := inmemory.NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	l := New(es, store.SessionKind, Options{MaxRetries: 3, Backoff: time.Hour})
	_, err := l.Resolve(ctx, "app", "user-1", "missing")

	assert.True(t, store.IsTransient(err))
}
