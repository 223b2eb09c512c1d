package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/storetest"
)

var testMetadata = store.Metadata{
	Properties: make(map[string]string),
}

func newRecord(clientKey string) *store.Record {
	return &store.Record{
		Kind:       store.SessionKind,
		ClientKey:  clientKey,
		AppScope:   "app",
		OwnerID:    "user-1",
		Attributes: map[string]any{"greeting": "Hello World"},
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	err := s.Init(ctx, testMetadata)
	assert.Nil(t, err)

	res, err := s.Create(ctx, newRecord("s1"))

	assert.Nil(t, err)
	assert.NotNil(t, res)
	assert.True(t, store.LooksLikeServerID(res.ServerID))
	assert.Equal(t, int64(1), res.Version)

	ety := newRecord("s2")
	ety.ServerID = "preset"
	res, err = s.Create(ctx, ety)

	assert.NotNil(t, err)
	assert.True(t, store.IsValidation(err))
	assert.Nil(t, res)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	err := s.Init(ctx, testMetadata)
	assert.Nil(t, err)

	res, err := s.Create(ctx, newRecord("s1"))
	assert.Nil(t, err)

	res.Attributes["greeting"] = "Hello World!"
	res, err = s.Update(ctx, res)

	assert.Nil(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, int64(2), res.Version)

	res.Version = 1

	stale, err := s.Update(ctx, res)

	assert.NotNil(t, err)
	assert.True(t, store.IsConflict(err))
	assert.Nil(t, stale)
}

func TestUpdateMissingEntity(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	err := s.Init(ctx, testMetadata)
	assert.Nil(t, err)

	ety := newRecord("s1")
	ety.ServerID = "0b5c8f0e-8d62-4a52-9a38-1f3b1d8a9c10"
	ety.Version = 1

	res, err := s.Update(ctx, ety)

	assert.NotNil(t, err)
	assert.True(t, store.IsNotFound(err))
	assert.Nil(t, res)
}

func TestUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	res, err := s.Create(ctx, newRecord("s1"))
	assert.Nil(t, err)

	res.ClientKey = "renamed"
	res.OwnerID = "someone-else"
	res, err = s.Update(ctx, res)

	assert.Nil(t, err)
	assert.Equal(t, "s1", res.ClientKey)
	assert.Equal(t, "user-1", res.OwnerID)
}

func TestGetByID(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	created, err := s.Create(ctx, newRecord("s1"))
	assert.Nil(t, err)

	res, err := s.GetByID(ctx, store.SessionKind, created.ServerID)

	assert.Nil(t, err)
	assert.NotNil(t, res)
	// pointers are not equal
	assert.True(t, res != created)
	assert.Equal(t, "Hello World", res.Attributes["greeting"])

	res.Attributes["greeting"] = "changed"
	again, err := s.GetByID(ctx, store.SessionKind, created.ServerID)
	assert.Nil(t, err)
	assert.Equal(t, "Hello World", again.Attributes["greeting"])
}

func TestGetByIDMissingEntity(t *testing.T) {
	s := NewStore()

	res, err := s.GetByID(context.Background(), store.SessionKind, "missing")
	assert.Nil(t, err)
	assert.Nil(t, res)
}

func TestGetByIndexedFieldWithLag(t *testing.T) {
	ctx := context.Background()
	s := NewStore(WithIndexLag(2))

	created, err := s.Create(ctx, newRecord("s1"))
	assert.Nil(t, err)

	for i := 0; i < 2; i++ {
		res, err := s.GetByIndexedField(ctx, store.SessionKind, store.ClientKeyField, "s1")
		assert.Nil(t, err)
		assert.Empty(t, res)
	}

	res, err := s.GetByIndexedField(ctx, store.SessionKind, store.ClientKeyField, "s1")
	assert.Nil(t, err)
	if assert.Len(t, res, 1) {
		assert.Equal(t, created.ServerID, res[0].ServerID)
	}

	res, err = s.GetByIndexedField(ctx, store.ConversationKind, store.ClientKeyField, "s1")
	assert.Nil(t, err)
	assert.Empty(t, res)
}

func TestDeleteAndTransition(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	created, err := s.Create(ctx, newRecord("s1"))
	assert.Nil(t, err)

	moved, err := s.Transition(ctx, store.SessionKind, created.ServerID, "active")
	assert.Nil(t, err)
	assert.Equal(t, "active", moved.State)
	assert.Equal(t, int64(2), moved.Version)

	assert.Nil(t, s.Delete(ctx, store.SessionKind, created.ServerID))
	assert.Nil(t, s.Delete(ctx, store.SessionKind, created.ServerID))

	res, err := s.GetByID(ctx, store.SessionKind, created.ServerID)
	assert.Nil(t, err)
	assert.Nil(t, res)

	_, err = s.Transition(ctx, store.SessionKind, created.ServerID, "active")
	assert.True(t, store.IsNotFound(err))
}

func TestConformance(t *testing.T) {
	storetest.Conformance(t, func(t *testing.T) store.EntityStore {
		return NewStore()
	})
}
