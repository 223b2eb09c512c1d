package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AndreasM009/agentstate-go/store"
)

// Option configures the in memory store
type Option func(*inmemory)

// WithIndexLag hides a newly created record from GetByIndexedField for its first n
// matching queries, the way a lagging secondary index would.
func WithIndexLag(n int) Option {
	return func(s *inmemory) {
		s.indexLag = n
	}
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(s *inmemory) {
		s.now = now
	}
}

type inmemory struct {
	records  map[string]*store.Record
	hidden   map[string]int
	indexLag int
	now      func() time.Time
	mutex    sync.Mutex
}

// NewStore creates a new in memory store
func NewStore(opts ...Option) store.EntityStore {
	s := &inmemory{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *inmemory) reset() {
	s.records = make(map[string]*store.Record)
	s.hidden = make(map[string]int)
}

func (s *inmemory) Init(ctx context.Context, metadata store.Metadata) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.reset()
	return nil
}

func (s *inmemory) Create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.Transient, "create cancelled", err)
	}
	if err := store.ValidateNew(rec); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entity := rec.Clone()
	entity.ServerID = uuid.New().String()
	entity.Version = 1
	entity.CreatedAt = s.now()
	entity.UpdatedAt = entity.CreatedAt

	s.records[entity.ServerID] = entity
	if s.indexLag > 0 {
		s.hidden[entity.ServerID] = s.indexLag
	}
	return entity.Clone(), nil
}

func (s *inmemory) GetByID(ctx context.Context, kind store.Kind, serverID string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.Transient, "get cancelled", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entity, exists := s.records[serverID]
	if !exists {
		return nil, nil
	}
	// a record of another kind is returned as is, callers check the kind
	return entity.Clone(), nil
}

func (s *inmemory) GetByIndexedField(ctx context.Context, kind store.Kind, field store.IndexField, value string) ([]*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.Transient, "query cancelled", err)
	}
	if field != store.ClientKeyField && field != store.OwnerField {
		return nil, store.NewError(store.ValidationFailed, fmt.Sprintf("field %s is not indexed", field), nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	result := []*store.Record{}
	for id, entity := range s.records {
		if entity.Kind != kind || entity.IndexValue(field) != value {
			continue
		}
		if remaining := s.hidden[id]; remaining > 0 {
			s.hidden[id] = remaining - 1
			continue
		}
		result = append(result, entity.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ServerID < result[j].ServerID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *inmemory) Update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.Transient, "update cancelled", err)
	}
	if err := store.ValidateExisting(rec); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, exists := s.records[rec.ServerID]
	if !exists || current.Kind != rec.Kind {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", rec.ServerID), nil)
	}
	if current.Version != rec.Version {
		return nil, store.NewError(store.VersionConflict,
			fmt.Sprintf("entity %s has gone stale, version %d is stored but %d was sent", rec.ServerID, current.Version, rec.Version), nil)
	}

	entity := rec.Clone()
	entity.Version = current.Version + 1
	entity.ClientKey = current.ClientKey
	entity.AppScope = current.AppScope
	entity.OwnerID = current.OwnerID
	entity.State = current.State
	entity.CreatedAt = current.CreatedAt
	entity.UpdatedAt = s.now()
	s.records[entity.ServerID] = entity
	return entity.Clone(), nil
}

func (s *inmemory) Delete(ctx context.Context, kind store.Kind, serverID string) error {
	if err := ctx.Err(); err != nil {
		return store.NewError(store.Transient, "delete cancelled", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entity, exists := s.records[serverID]; exists && entity.Kind == kind {
		delete(s.records, serverID)
		delete(s.hidden, serverID)
	}
	return nil
}

func (s *inmemory) Transition(ctx context.Context, kind store.Kind, serverID, name string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.Transient, "transition cancelled", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entity, exists := s.records[serverID]
	if !exists || entity.Kind != kind {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", serverID), nil)
	}
	entity.State = name
	entity.Version++
	entity.UpdatedAt = s.now()
	return entity.Clone(), nil
}

func (s *inmemory) Close() error {
	return nil
}
