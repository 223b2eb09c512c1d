package records

import (
	"sync"
	"time"

	"github.com/AndreasM009/agentstate-go/store"
)

type listKey struct {
	appScope string
	ownerID  string
}

type listEntry struct {
	records []*store.Record
	expires time.Time
}

// listCache keeps per-owner listings for a fixed ttl. Writes for an owner drop
// its listing before they return. A listing read from the store is only kept if
// no invalidation for that owner happened while it was being read.
type listCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[listKey]listEntry
	gens    map[listKey]uint64
}

func newListCache(ttl time.Duration, now func() time.Time) *listCache {
	return &listCache{ttl: ttl, now: now, entries: map[listKey]listEntry{}, gens: map[listKey]uint64{}}
}

func (c *listCache) generation(appScope, ownerID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[listKey{appScope: appScope, ownerID: ownerID}]
}

func (c *listCache) get(appScope, ownerID string) ([]*store.Record, bool) {
	if c.ttl < 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := listKey{appScope: appScope, ownerID: ownerID}
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return nil, false
	}
	return cloneRecords(e.records), true
}

func (c *listCache) put(appScope, ownerID string, gen uint64, recs []*store.Record) {
	if c.ttl < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := listKey{appScope: appScope, ownerID: ownerID}
	if c.gens[k] != gen {
		return
	}
	c.entries[k] = listEntry{
		records: cloneRecords(recs),
		expires: c.now().Add(c.ttl),
	}
}

func (c *listCache) invalidate(appScope, ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := listKey{appScope: appScope, ownerID: ownerID}
	delete(c.entries, k)
	c.gens[k]++
}

func cloneRecords(recs []*store.Record) []*store.Record {
	out := make([]*store.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
