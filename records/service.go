// Package records exposes session, conversation and task records on top of an
// EntityStore. Each service resolves client keys through a locator, persists
// updates with conflict reconciliation and fronts per-owner listings with a
// short lived cache.
package records

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AndreasM009/agentstate-go/cache"
	"github.com/AndreasM009/agentstate-go/locator"
	"github.com/AndreasM009/agentstate-go/retry"
	"github.com/AndreasM009/agentstate-go/store"
)

// DefaultListTTL is how long a per-owner listing is served from memory
const DefaultListTTL = 60 * time.Second

// Options tune the record services
type Options struct {
	Retry   retry.Options
	Locator locator.Options
	// ListTTL bounds how long List results are reused. Negative disables caching.
	ListTTL time.Duration
	// InitialTransition, when set, is applied right after create. Failure is logged.
	InitialTransition string
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Retry.Logger == nil {
		o.Retry.Logger = o.Logger
	}
	if o.Locator.Logger == nil {
		o.Locator.Logger = o.Logger
	}
	if o.ListTTL == 0 {
		o.ListTTL = DefaultListTTL
	}
	return o
}

// Services bundles the three record services around one store and one cache
type Services struct {
	Sessions      *SessionService
	Conversations *ConversationService
	Tasks         *TaskService
}

// NewServices wires all record services. The cache is owned by the caller, which
// closes it at shutdown.
func NewServices(es store.EntityStore, c *cache.Cache, opts Options) *Services {
	return &Services{
		Sessions:      NewSessionService(es, c, opts),
		Conversations: NewConversationService(es, opts),
		Tasks:         NewTaskService(es, opts),
	}
}

type base struct {
	store   store.EntityStore
	kind    store.Kind
	locator *locator.Locator
	lists   *listCache
	merge   retry.ApplyFunc
	opts    Options
	logger  *slog.Logger
}

func newBase(es store.EntityStore, kind store.Kind, merge retry.ApplyFunc, opts Options) base {
	opts = opts.withDefaults()
	return base{
		store:   es,
		kind:    kind,
		locator: locator.New(es, kind, opts.Locator),
		lists:   newListCache(opts.ListTTL, time.Now),
		merge:   merge,
		opts:    opts,
		logger:  opts.Logger.With("kind", string(kind)),
	}
}

func (b *base) create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	rec.Kind = b.kind
	if err := store.ValidateNew(rec); err != nil {
		return nil, err
	}
	created, err := b.store.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	b.locator.Remember(created.AppScope, created.OwnerID, created.ClientKey, created.ServerID)
	b.lists.invalidate(created.AppScope, created.OwnerID)

	if name := b.opts.InitialTransition; name != "" {
		moved, err := b.store.Transition(ctx, b.kind, created.ServerID, name)
		if err != nil {
			b.logger.Warn("initial transition failed", "server_id", created.ServerID, "transition", name, "error", err)
		} else {
			created = moved
		}
	}
	b.logger.Debug("created record", "server_id", created.ServerID, "client_key", created.ClientKey)
	return created, nil
}

func (b *base) getByClientKey(ctx context.Context, appScope, ownerID, clientKey string) (*store.Record, error) {
	return b.locator.Locate(ctx, appScope, ownerID, clientKey)
}

func (b *base) getByServerID(ctx context.Context, serverID string) (*store.Record, error) {
	rec, err := b.store.GetByID(ctx, b.kind, serverID)
	if err != nil || rec == nil || rec.Kind != b.kind {
		return nil, err
	}
	return rec, nil
}

func (b *base) mustGet(ctx context.Context, serverID string) (*store.Record, error) {
	rec, err := b.getByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("%s %s does not exist", b.kind, serverID), nil)
	}
	return rec, nil
}

func (b *base) update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	rec.Kind = b.kind
	updated, err := retry.UpdateWithRetry(ctx, b.store, rec, b.merge, b.opts.Retry)
	if err != nil {
		return nil, err
	}
	b.lists.invalidate(updated.AppScope, updated.OwnerID)
	return updated, nil
}

// modify fetches the record, lets fn change it and persists the result.
func (b *base) modify(ctx context.Context, serverID string, fn func(rec *store.Record) error) (*store.Record, error) {
	rec, err := b.mustGet(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	return b.update(ctx, rec)
}

func (b *base) appendEvent(ctx context.Context, serverID string, event store.Event) (*store.Record, error) {
	event = stampEvent(event)
	return b.modify(ctx, serverID, func(rec *store.Record) error {
		rec.EventLog = append(rec.EventLog, event)
		return nil
	})
}

func (b *base) delete(ctx context.Context, serverID string) error {
	rec, err := b.getByServerID(ctx, serverID)
	if err != nil {
		return err
	}
	if err := b.store.Delete(ctx, b.kind, serverID); err != nil {
		return err
	}
	b.locator.Forget(serverID)
	if rec != nil {
		b.lists.invalidate(rec.AppScope, rec.OwnerID)
	}
	return nil
}

func (b *base) list(ctx context.Context, appScope, ownerID string) ([]*store.Record, error) {
	if recs, ok := b.lists.get(appScope, ownerID); ok {
		return recs, nil
	}
	gen := b.lists.generation(appScope, ownerID)
	matches, err := b.store.GetByIndexedField(ctx, b.kind, store.OwnerField, ownerID)
	if err != nil {
		return nil, err
	}
	recs := make([]*store.Record, 0, len(matches))
	for _, rec := range matches {
		if rec.Kind == b.kind && rec.AppScope == appScope {
			recs = append(recs, rec)
		}
	}
	b.lists.put(appScope, ownerID, gen, recs)
	return recs, nil
}

func stampEvent(e store.Event) store.Event {
	if e.ID == "" {
		e.ID = store.NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = store.MessageEvent
	}
	return e
}
