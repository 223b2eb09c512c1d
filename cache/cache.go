// Package cache buffers event appends and attribute changes per record and
// persists them in a single coalesced update.
//
// A Cache is created when the service starts and closed at shutdown; Close
// flushes whatever is still pending. Entries are process local. The EntityStore
// stays the source of truth, so every flush starts from a fresh copy of the record.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AndreasM009/agentstate-go/retry"
	"github.com/AndreasM009/agentstate-go/store"
)

// DefaultMaxFlushFailures is how many failed flushes in a row an entry survives
const DefaultMaxFlushFailures = 5

// ErrClosed is returned for records touched after Close
var ErrClosed = errors.New("cache is closed")

// Options tune a Cache
type Options struct {
	// FlushThreshold flushes an entry as soon as that many events are pending.
	// Zero disables size triggered flushes.
	FlushThreshold int
	// FlushInterval is the period of the background flush loop started by Run.
	// Zero disables it.
	FlushInterval time.Duration
	// MaxFlushFailures evicts an entry, dropping its pending data, after that many
	// consecutive failed flushes. Negative disables eviction.
	MaxFlushFailures int
	// SnapshotTTL makes Get refetch a snapshot older than this. Zero keeps
	// snapshots until the next flush.
	SnapshotTTL time.Duration

	Retry  retry.Options
	Logger *slog.Logger
	Now    func() time.Time
}

// Cache is a write-behind buffer in front of an EntityStore
type Cache struct {
	store  store.EntityStore
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	kind     store.Kind
	serverID string

	// flushMu makes flushes of one entry run one at a time
	flushMu sync.Mutex

	mu            sync.Mutex
	snapshot      *store.Record
	pendingEvents []store.Event
	pendingDelta  map[string]any
	deltaSeq      map[string]uint64
	seq           uint64
	dirty         bool
	cachedAt      time.Time
	failures      int
	// removed is set once the entry left the map; nothing may be queued on it after that
	removed bool
}

// New creates a Cache writing to es
func New(es store.EntityStore, opts Options) *Cache {
	if opts.MaxFlushFailures == 0 {
		opts.MaxFlushFailures = DefaultMaxFlushFailures
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:   es,
		opts:    opts,
		logger:  opts.Logger,
		entries: map[string]*entry{},
	}
}

// QueueEvent buffers event and attributeDelta for the record. A nil value in the
// delta removes the attribute. The first touch of a record costs one fetch; later
// calls do not talk to the store unless FlushThreshold is reached. A flush failure
// triggered from here is logged, never returned.
func (c *Cache) QueueEvent(ctx context.Context, kind store.Kind, serverID string, event store.Event, attributeDelta map[string]any) error {
	return c.QueueEvents(ctx, kind, serverID, []store.Event{event}, attributeDelta)
}

// QueueEvents is QueueEvent for several events, kept in the given order
func (c *Cache) QueueEvents(ctx context.Context, kind store.Kind, serverID string, events []store.Event, attributeDelta map[string]any) error {
	var pending int
	for {
		e, err := c.entryFor(ctx, kind, serverID)
		if err != nil {
			return err
		}
		var ok bool
		if pending, ok = c.enqueue(e, events, attributeDelta); ok {
			break
		}
		// the entry was dropped between the lookup and the append
	}

	if c.opts.FlushThreshold > 0 && pending >= c.opts.FlushThreshold {
		if _, err := c.Flush(ctx, serverID); err != nil {
			c.logger.Warn("threshold flush failed, keeping events for a later flush",
				"server_id", serverID, "kind", kind, "pending", pending, "error", err)
		}
	}
	return nil
}

// enqueue adds events and attributeDelta to e and returns the number of pending
// events. It reports false when e is no longer part of the cache.
func (c *Cache) enqueue(e *entry, events []store.Event, attributeDelta map[string]any) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0, false
	}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = store.NewEventID()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = c.opts.Now().UTC()
		}
		e.pendingEvents = append(e.pendingEvents, ev)
	}
	for k, v := range store.CloneAttributes(attributeDelta) {
		e.seq++
		e.pendingDelta[k] = v
		e.deltaSeq[k] = e.seq
	}
	if len(events) > 0 || len(attributeDelta) > 0 {
		e.dirty = true
	}
	return len(e.pendingEvents), true
}

// Flush persists everything pending for serverID. It returns true when nothing is
// left to write. On failure the pending data stays queued for the next attempt.
func (c *Cache) Flush(ctx context.Context, serverID string) (bool, error) {
	e := c.lookup(serverID)
	if e == nil {
		return true, nil
	}
	return c.flush(ctx, e)
}

func (c *Cache) flush(ctx context.Context, e *entry) (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return true, nil
	}
	events := append([]store.Event(nil), e.pendingEvents...)
	delta := store.CloneAttributes(e.pendingDelta)
	seqs := make(map[string]uint64, len(e.deltaSeq))
	for k, s := range e.deltaSeq {
		seqs[k] = s
	}
	e.mu.Unlock()

	updated, err := c.persist(ctx, e, events, delta)
	if err != nil {
		c.flushFailed(ctx, e, err)
		return false, err
	}

	e.mu.Lock()
	e.pendingEvents = append([]store.Event(nil), e.pendingEvents[len(events):]...)
	for k, s := range seqs {
		if e.deltaSeq[k] == s {
			delete(e.pendingDelta, k)
			delete(e.deltaSeq, k)
		}
	}
	e.dirty = len(e.pendingEvents) > 0 || len(e.pendingDelta) > 0
	e.snapshot = updated
	e.cachedAt = c.opts.Now()
	e.failures = 0
	e.mu.Unlock()

	c.logger.Debug("flushed pending events",
		"server_id", e.serverID, "kind", e.kind, "events", len(events), "attributes", len(delta), "version", updated.Version)
	return true, nil
}

func (c *Cache) persist(ctx context.Context, e *entry, events []store.Event, delta map[string]any) (*store.Record, error) {
	fresh, err := c.store.GetByID(ctx, e.kind, e.serverID)
	if err != nil {
		return nil, err
	}
	if fresh == nil || fresh.Kind != e.kind {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("record %s no longer exists", e.serverID), nil)
	}

	apply := func(current, _ *store.Record) (*store.Record, error) {
		current.EventLog = retry.UnionEvents(current.EventLog, events)
		current.Attributes = retry.ApplyAttributes(current.Attributes, store.CloneAttributes(delta))
		return current, nil
	}
	intended, _ := apply(fresh, nil)
	return retry.UpdateWithRetry(ctx, c.store, intended, apply, c.opts.Retry)
}

func (c *Cache) flushFailed(ctx context.Context, e *entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if store.IsNotFound(err) {
		c.logger.Error("record vanished, dropping pending events",
			"server_id", e.serverID, "kind", e.kind, "dropped_events", len(e.pendingEvents), "error", err)
		e.removed = true
		c.remove(e)
		return
	}
	if ctx.Err() == nil {
		e.failures++
	}
	if c.opts.MaxFlushFailures > 0 && e.failures >= c.opts.MaxFlushFailures {
		c.logger.Error("flush failure budget exhausted, evicting entry",
			"server_id", e.serverID, "kind", e.kind, "failures", e.failures,
			"dropped_events", len(e.pendingEvents), "dropped_attributes", len(e.pendingDelta), "error", err)
		e.removed = true
		c.remove(e)
		return
	}
	c.logger.Warn("flush failed, keeping pending events",
		"server_id", e.serverID, "kind", e.kind, "failures", e.failures, "pending", len(e.pendingEvents), "error", err)
}

// Get returns the record as this process sees it: the last known snapshot with
// pending events and attribute changes applied on top.
func (c *Cache) Get(ctx context.Context, kind store.Kind, serverID string) (*store.Record, error) {
	e, err := c.entryFor(ctx, kind, serverID)
	if err != nil {
		return nil, err
	}

	if c.opts.SnapshotTTL > 0 {
		e.mu.Lock()
		stale := c.opts.Now().Sub(e.cachedAt) > c.opts.SnapshotTTL
		e.mu.Unlock()
		if stale {
			fresh, err := c.store.GetByID(ctx, kind, serverID)
			if err != nil {
				return nil, err
			}
			if fresh == nil {
				c.Evict(serverID)
				return nil, nil
			}
			e.mu.Lock()
			if fresh.Version >= e.snapshot.Version {
				e.snapshot = fresh
				e.cachedAt = c.opts.Now()
			}
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	view := e.snapshot.Clone()
	view.EventLog = retry.UnionEvents(view.EventLog, e.pendingEvents)
	view.Attributes = retry.ApplyAttributes(view.Attributes, store.CloneAttributes(e.pendingDelta))
	return view, nil
}

// Has reports whether serverID has an entry
func (c *Cache) Has(serverID string) bool {
	return c.lookup(serverID) != nil
}

// Observe hands the cache a copy of the record written outside of it, so that
// Get does not serve an older snapshot.
func (c *Cache) Observe(rec *store.Record) {
	if rec == nil {
		return
	}
	e := c.lookup(rec.ServerID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.Version > e.snapshot.Version {
		e.snapshot = rec.Clone()
		e.cachedAt = c.opts.Now()
	}
}

// Pending returns the number of events waiting to be flushed for serverID
func (c *Cache) Pending(serverID string) int {
	e := c.lookup(serverID)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingEvents)
}

// Dirty reports whether serverID has unflushed data
func (c *Cache) Dirty(serverID string) bool {
	e := c.lookup(serverID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evict forgets serverID, including anything not yet flushed
func (c *Cache) Evict(serverID string) {
	c.mu.Lock()
	e := c.entries[serverID]
	delete(c.entries, serverID)
	c.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
}

// FlushAll flushes every dirty entry and joins the errors
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := c.Flush(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes all entries every FlushInterval until ctx is done
func (c *Cache) Run(ctx context.Context) {
	if c.opts.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.FlushAll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("periodic flush incomplete", "error", err)
			}
		}
	}
}

// Close flushes everything and drops all entries. Queueing on the cache fails
// with ErrClosed afterwards; the returned error lists the records whose pending
// data could not be written.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	detached := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		detached = append(detached, e)
	}
	c.entries = map[string]*entry{}
	c.mu.Unlock()

	var errs []error
	for _, e := range detached {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		if _, err := c.flush(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", e.serverID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) lookup(serverID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[serverID]
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// remove takes e out of the map if it is still the entry for its id
func (c *Cache) remove(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.serverID] == e {
		delete(c.entries, e.serverID)
	}
}

func (c *Cache) entryFor(ctx context.Context, kind store.Kind, serverID string) (*entry, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if e := c.lookup(serverID); e != nil {
		if e.kind != kind {
			return nil, store.NewError(store.ValidationFailed,
				fmt.Sprintf("record %s is cached as %s, not %s", serverID, e.kind, kind), nil)
		}
		return e, nil
	}

	rec, err := c.store.GetByID(ctx, kind, serverID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Kind != kind {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("%s %s does not exist", kind, serverID), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if e, ok := c.entries[serverID]; ok {
		return e, nil
	}
	e := &entry{
		kind:         kind,
		serverID:     serverID,
		snapshot:     rec,
		pendingDelta: map[string]any{},
		deltaSeq:     map[string]uint64{},
		cachedAt:     c.opts.Now(),
	}
	c.entries[serverID] = e
	return e, nil
}
