// Package locator resolves caller chosen client keys to store assigned server ids.
//
// A key shaped like a server id is looked up directly. Anything else, or a direct
// lookup that misses, goes through the store's secondary index, which may lag a
// create that just happened; that path is retried a bounded number of times.
package locator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AndreasM009/agentstate-go/store"
)

const (
	// DefaultMaxRetries bounds indexed lookups after the first miss
	DefaultMaxRetries = 3
	// DefaultBackoff is the pause between indexed lookups
	DefaultBackoff = 500 * time.Millisecond
)

// Options tune a Locator
type Options struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *slog.Logger
}

type memoKey struct {
	appScope  string
	ownerID   string
	clientKey string
}

// Locator resolves records of a single kind
type Locator struct {
	store      store.EntityStore
	kind       store.Kind
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger

	mu   sync.RWMutex
	memo map[memoKey]string
}

// New creates a Locator for records of kind
func New(es store.EntityStore, kind store.Kind, opts Options) *Locator {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locator{
		store:      es,
		kind:       kind,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     opts.Logger,
		memo:       map[memoKey]string{},
	}
}

// Resolve returns the server id for clientKey, or "" when no record exists.
func (l *Locator) Resolve(ctx context.Context, appScope, ownerID, clientKey string) (string, error) {
	rec, err := l.Locate(ctx, appScope, ownerID, clientKey)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.ServerID, nil
}

// Locate is Resolve returning the record it found
func (l *Locator) Locate(ctx context.Context, appScope, ownerID, clientKey string) (*store.Record, error) {
	key := memoKey{appScope: appScope, ownerID: ownerID, clientKey: clientKey}

	if id, ok := l.memoized(key); ok {
		rec, err := l.direct(ctx, id)
		if err == nil && rec != nil {
			return rec, nil
		}
		l.forget(key)
	}

	if store.LooksLikeServerID(clientKey) {
		rec, err := l.direct(ctx, clientKey)
		if err == nil && rec != nil {
			return rec, nil
		}
		if err != nil {
			l.logger.Debug("direct lookup failed, falling back to index",
				"kind", l.kind, "key", clientKey, "error", err)
		}
	}

	rec, err := l.indexed(ctx, appScope, ownerID, clientKey)
	if err != nil || rec == nil {
		return nil, err
	}
	l.remember(key, rec.ServerID)
	return rec, nil
}

// Remember records a known mapping, typically right after a create
func (l *Locator) Remember(appScope, ownerID, clientKey, serverID string) {
	l.remember(memoKey{appScope: appScope, ownerID: ownerID, clientKey: clientKey}, serverID)
}

// Forget drops every memoized mapping pointing at serverID
func (l *Locator) Forget(serverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, id := range l.memo {
		if id == serverID {
			delete(l.memo, k)
		}
	}
}

func (l *Locator) direct(ctx context.Context, serverID string) (*store.Record, error) {
	rec, err := l.store.GetByID(ctx, l.kind, serverID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != l.kind {
		return nil, nil
	}
	return rec, nil
}

func (l *Locator) indexed(ctx context.Context, appScope, ownerID, clientKey string) (*store.Record, error) {
	for attempt := 0; ; attempt++ {
		matches, err := l.store.GetByIndexedField(ctx, l.kind, store.ClientKeyField, clientKey)
		if err != nil {
			return nil, err
		}
		for _, rec := range matches {
			if rec.Kind == l.kind && rec.AppScope == appScope && rec.OwnerID == ownerID {
				return rec, nil
			}
		}
		if attempt >= l.maxRetries {
			return nil, nil
		}
		l.logger.Debug("record not in index yet, retrying",
			"kind", l.kind, "client_key", clientKey, "attempt", attempt+1, "max_retries", l.maxRetries)
		if err := wait(ctx, l.backoff); err != nil {
			return nil, store.NewError(store.Transient, "lookup cancelled", err)
		}
	}
}

func (l *Locator) memoized(key memoKey) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.memo[key]
	return id, ok
}

func (l *Locator) remember(key memoKey, serverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memo[key] = serverID
}

func (l *Locator) forget(key memoKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.memo, key)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
