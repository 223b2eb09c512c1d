package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/inmemory"
	"github.com/AndreasM009/agentstate-go/store/storetest"
)

var fast = Options{BaseDelay: time.Millisecond}

func seed(t *testing.T, es store.EntityStore) *store.Record {
	t.Helper()
	rec, err := es.Create(context.Background(), &store.Record{
		Kind:      store.SessionKind,
		ClientKey: "s1",
		AppScope:  "app",
		OwnerID:   "user-1",
	})
	require.NoError(t, err)
	return rec
}

func event(id string) store.Event {
	return store.Event{ID: id, Kind: store.MessageEvent, Role: "user"}
}

func eventIDs(events []store.Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestUpdateWithRetryFirstAttempt(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := seed(t, es)
	es.Reset()

	rec.Attributes = map[string]any{"mood": "curious"}
	updated, err := UpdateWithRetry(context.Background(), es, rec, nil, fast)

	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 1, es.Calls(storetest.OpUpdate))
	assert.Equal(t, 0, es.Calls(storetest.OpGetByID))
}

func TestUpdateWithRetryReconcilesConflict(t *testing.T) {
	ctx := context.Background()
	es := inmemory.NewStore()
	base := seed(t, es)

	first := base.Clone()
	first.EventLog = append(first.EventLog, event("A"))
	_, err := UpdateWithRetry(ctx, es, first, nil, fast)
	require.NoError(t, err)

	second := base.Clone()
	second.EventLog = append(second.EventLog, event("B"))
	second.Attributes = map[string]any{"last": "B"}
	updated, err := UpdateWithRetry(ctx, es, second, nil, fast)

	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, []string{"A", "B"}, eventIDs(updated.EventLog))
	assert.Equal(t, "B", updated.Attributes["last"])
}

func TestUpdateWithRetryConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	es := inmemory.NewStore()
	base := seed(t, es)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := base.Clone()
			rec.EventLog = append(rec.EventLog, event(string(rune('a'+i))))
			_, errs[i] = UpdateWithRetry(ctx, es, rec, nil, Options{MaxAttempts: 20, BaseDelay: time.Millisecond})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	final, err := es.GetByID(ctx, store.SessionKind, base.ServerID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, eventIDs(final.EventLog))
}

func TestUpdateWithRetryNonConflictPropagates(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := seed(t, es)
	es.Reset()

	boom := store.NewError(store.Transient, "connection reset", nil)
	es.SetHook(func(ctx context.Context, op storetest.Op, r *store.Record) error {
		if op == storetest.OpUpdate {
			return boom
		}
		return nil
	})

	_, err := UpdateWithRetry(context.Background(), es, rec, nil, fast)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, es.Calls(storetest.OpUpdate))
	assert.Equal(t, 0, es.Calls(storetest.OpGetByID))
}

func TestUpdateWithRetryExhausted(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := seed(t, es)
	es.Reset()

	es.SetHook(func(ctx context.Context, op storetest.Op, r *store.Record) error {
		if op == storetest.OpUpdate {
			return store.NewError(store.VersionConflict, "version mismatch", nil)
		}
		return nil
	})

	_, err := UpdateWithRetry(context.Background(), es, rec, nil, Options{MaxAttempts: 3, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.True(t, store.IsConflict(err))
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, es.Calls(storetest.OpUpdate))
	assert.Equal(t, 2, es.Calls(storetest.OpGetByID))
}

func TestUpdateWithRetryCustomApply(t *testing.T) {
	ctx := context.Background()
	es := inmemory.NewStore()
	base := seed(t, es)

	other := base.Clone()
	other.Attributes = map[string]any{"counter": "server"}
	_, err := es.Update(ctx, other)
	require.NoError(t, err)

	mine := base.Clone()
	mine.Attributes = map[string]any{"mine": "yes"}
	keepBoth := func(current, intended *store.Record) (*store.Record, error) {
		current.Attributes = ApplyAttributes(current.Attributes, intended.Attributes)
		return current, nil
	}
	updated, err := UpdateWithRetry(ctx, es, mine, keepBoth, fast)

	require.NoError(t, err)
	assert.Equal(t, "server", updated.Attributes["counter"])
	assert.Equal(t, "yes", updated.Attributes["mine"])
}

func TestUpdateWithRetryCancelledDuringBackoff(t *testing.T) {
	es := storetest.Wrap(inmemory.NewStore())
	rec := seed(t, es)
	es.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	es.SetHook(func(ctx context.Context, op storetest.Op, r *store.Record) error {
		if op == storetest.OpUpdate {
			cancel()
			return store.NewError(store.VersionConflict, "stale", nil)
		}
		return nil
	})

	_, err := UpdateWithRetry(ctx, es, rec, nil, Options{BaseDelay: time.Hour})
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, 0, es.Calls(storetest.OpGetByID))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(DefaultBaseDelay, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(DefaultBaseDelay, 1))
	assert.Equal(t, 800*time.Millisecond, Backoff(DefaultBaseDelay, 3))
}

func TestUnionByID(t *testing.T) {
	out := UnionEvents([]store.Event{event("1"), event("2")}, []store.Event{event("2"), event("3"), event("1")})
	assert.Equal(t, []string{"1", "2", "3"}, eventIDs(out))

	assert.Equal(t, map[string]any{"b": "2"}, ApplyAttributes(map[string]any{"a": "1"}, map[string]any{"a": nil, "b": "2"}))
}
