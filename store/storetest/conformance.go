package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreasM009/agentstate-go/store"
)

// Conformance runs the behaviour every EntityStore backend shares against the
// store returned by open. open is called once per subtest and should hand out an
// initialized store; the suite closes it.
func Conformance(t *testing.T, open func(t *testing.T) store.EntityStore) {
	ctx := context.Background()

	newRecord := func(kind store.Kind, owner string) *store.Record {
		return &store.Record{
			Kind:       kind,
			ClientKey:  "key-" + uuid.NewString()[:8],
			AppScope:   "conformance",
			OwnerID:    owner,
			Attributes: map[string]any{"lang": "en"},
			Data:       json.RawMessage(`{"title":"hello"}`),
		}
	}

	t.Run("create assigns identity", func(t *testing.T) {
		es := open(t)
		defer es.Close()

		rec := newRecord(store.SessionKind, "owner-"+uuid.NewString())
		created, err := es.Create(ctx, rec)
		require.NoError(t, err)
		assert.True(t, store.LooksLikeServerID(created.ServerID))
		assert.Equal(t, int64(1), created.Version)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := es.GetByID(ctx, store.SessionKind, created.ServerID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.ClientKey, got.ClientKey)
		assert.Equal(t, "en", got.Attributes["lang"])
		assert.JSONEq(t, `{"title":"hello"}`, string(got.Data))

		_, err = es.Create(ctx, created)
		assert.True(t, store.IsValidation(err))
	})

	t.Run("missing record reads as nil", func(t *testing.T) {
		es := open(t)
		defer es.Close()

		got, err := es.GetByID(ctx, store.TaskKind, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update checks version", func(t *testing.T) {
		es := open(t)
		defer es.Close()

		created, err := es.Create(ctx, newRecord(store.SessionKind, "owner-"+uuid.NewString()))
		require.NoError(t, err)

		first := created.Clone()
		first.EventLog = append(first.EventLog, store.NewEvent(store.MessageEvent, "user", json.RawMessage(`"hi"`)))
		updated, err := es.Update(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Len(t, updated.EventLog, 1)
		assert.Equal(t, created.ClientKey, updated.ClientKey)

		stale := created.Clone()
		stale.Attributes = map[string]any{"lang": "de"}
		_, err = es.Update(ctx, stale)
		assert.True(t, store.IsConflict(err))

		got, err := es.GetByID(ctx, store.SessionKind, created.ServerID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, "en", got.Attributes["lang"])
	})

	t.Run("update of missing record", func(t *testing.T) {
		es := open(t)
		defer es.Close()

		_, err := es.Update(ctx, &store.Record{ServerID: uuid.NewString(), Kind: store.SessionKind, Version: 1})
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("indexed lookup", func(t *testing.T) {
		es := open(t)
		defer es.Close()

		owner := "owner-" + uuid.NewString()
		a, err := es.Create(ctx, newRecord(store.TaskKind, owner))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		b, err := es.Create(ctx, newRecord(store.TaskKind, owner))
		require.NoError(t, err)
		_, err = es.Create(ctx, newRecord(store.SessionKind, owner))
		require.NoError(t, err)

		byOwner, err := es.GetByIndexedField(ctx, store.TaskKind, store.OwnerField, owner)
		require.NoError(t, err)
		require.Len(t, byOwner, 2)
		assert.Equal(t, a.ServerID, byOwner[0].ServerID)
		assert.Equal(t, b.ServerID, byOwner[1].ServerID)

		byKey, err := es.GetByIndexedField(ctx, store.TaskKind, store.ClientKeyField, b.ClientKey)
		require.NoError(t, err)
		require.Len(t, byKey, 1)
		assert.Equal(t, b.ServerID, byKey[0].ServerID)

		none, err := es.GetByIndexedField(ctx, store.ConversationKind, store.OwnerField, owner)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("transition and delete", func(t *testing.T) {
		es := open(t)
		defer es.Close()

		created, err := es.Create(ctx, newRecord(store.ConversationKind, "owner-"+uuid.NewString()))
		require.NoError(t, err)

		moved, err := es.Transition(ctx, store.ConversationKind, created.ServerID, "active")
		require.NoError(t, err)
		assert.Equal(t, "active", moved.State)
		assert.Equal(t, int64(2), moved.Version)

		_, err = es.Transition(ctx, store.ConversationKind, uuid.NewString(), "active")
		assert.True(t, store.IsNotFound(err))

		require.NoError(t, es.Delete(ctx, store.ConversationKind, created.ServerID))
		require.NoError(t, es.Delete(ctx, store.ConversationKind, created.ServerID))

		got, err := es.GetByID(ctx, store.ConversationKind, created.ServerID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
