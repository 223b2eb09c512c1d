package records

import (
	"context"

	"github.com/AndreasM009/agentstate-go/cache"
	"github.com/AndreasM009/agentstate-go/retry"
	"github.com/AndreasM009/agentstate-go/sanitize"
	"github.com/AndreasM009/agentstate-go/store"
)

// NewSession describes a session to create
type NewSession struct {
	AppScope   string
	OwnerID    string
	ClientKey  string
	Attributes map[string]any
}

// TurnState is what the agent runtime receives when a turn starts
type TurnState struct {
	ServerID   string
	Version    int64
	Attributes map[string]any
	Events     []store.Event
}

// SessionService manages session records. Event appends go through the
// write-behind cache; reads of a cached session include its pending events.
type SessionService struct {
	base
	cache     *cache.Cache
	sanitizer *sanitize.Sanitizer
}

// NewSessionService creates a SessionService. c must write to es.
func NewSessionService(es store.EntityStore, c *cache.Cache, opts Options) *SessionService {
	b := newBase(es, store.SessionKind, retry.DefaultMerge, opts)
	return &SessionService{
		base:      b,
		cache:     c,
		sanitizer: sanitize.New(b.logger),
	}
}

// Create stores a new session
func (s *SessionService) Create(ctx context.Context, in NewSession) (*store.Record, error) {
	return s.create(ctx, &store.Record{
		ClientKey:  in.ClientKey,
		AppScope:   in.AppScope,
		OwnerID:    in.OwnerID,
		Attributes: store.CloneAttributes(in.Attributes),
	})
}

// GetByClientKey returns the session named clientKey, or nil when there is none
func (s *SessionService) GetByClientKey(ctx context.Context, appScope, ownerID, clientKey string) (*store.Record, error) {
	rec, err := s.getByClientKey(ctx, appScope, ownerID, clientKey)
	if err != nil || rec == nil {
		return rec, err
	}
	if s.cache.Has(rec.ServerID) {
		s.cache.Observe(rec)
		return s.cache.Get(ctx, store.SessionKind, rec.ServerID)
	}
	return rec, nil
}

// GetByServerID returns the session, or nil when there is none
func (s *SessionService) GetByServerID(ctx context.Context, serverID string) (*store.Record, error) {
	if s.cache.Has(serverID) {
		return s.cache.Get(ctx, store.SessionKind, serverID)
	}
	return s.getByServerID(ctx, serverID)
}

// UpdateWithRetry persists rec, reconciling with concurrent writers
func (s *SessionService) UpdateWithRetry(ctx context.Context, rec *store.Record) (*store.Record, error) {
	updated, err := s.update(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.cache.Observe(updated)
	return updated, nil
}

// Delete removes the session and then drops anything still buffered for it. When
// the store delete fails the buffered events stay queued.
func (s *SessionService) Delete(ctx context.Context, serverID string) error {
	if err := s.delete(ctx, serverID); err != nil {
		return err
	}
	s.cache.Evict(serverID)
	return nil
}

// AppendEvent buffers event and attributeDelta; they reach the store on Flush
func (s *SessionService) AppendEvent(ctx context.Context, serverID string, event store.Event, attributeDelta map[string]any) error {
	return s.cache.QueueEvent(ctx, store.SessionKind, serverID, stampEvent(event), attributeDelta)
}

// Flush writes buffered events of the session
func (s *SessionService) Flush(ctx context.Context, serverID string) error {
	if _, err := s.cache.Flush(ctx, serverID); err != nil {
		return err
	}
	if s.cache.Has(serverID) {
		if rec, err := s.cache.Get(ctx, store.SessionKind, serverID); err == nil && rec != nil {
			s.lists.invalidate(rec.AppScope, rec.OwnerID)
		}
	}
	return nil
}

// List returns the sessions of an owner
func (s *SessionService) List(ctx context.Context, appScope, ownerID string) ([]*store.Record, error) {
	return s.list(ctx, appScope, ownerID)
}

// BeginTurn returns the session state handed to the agent runtime. The event log
// is sanitized; the stored copy is left alone.
func (s *SessionService) BeginTurn(ctx context.Context, serverID string) (*TurnState, error) {
	rec, err := s.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.NewError(store.EntityNotFound, "session "+serverID+" does not exist", nil)
	}
	return &TurnState{
		ServerID:   rec.ServerID,
		Version:    rec.Version,
		Attributes: rec.Attributes,
		Events:     s.sanitizer.Sanitize(rec.EventLog),
	}, nil
}

// EndTurn queues what the agent produced during a turn and tries to flush it.
// A failed flush is logged and left for a later attempt.
func (s *SessionService) EndTurn(ctx context.Context, serverID string, events []store.Event, attributeDelta map[string]any) error {
	stamped := make([]store.Event, len(events))
	for i, e := range events {
		stamped[i] = stampEvent(e)
	}
	if err := s.cache.QueueEvents(ctx, store.SessionKind, serverID, stamped, attributeDelta); err != nil {
		return err
	}
	if err := s.Flush(ctx, serverID); err != nil {
		s.logger.Warn("session state not persisted yet, will retry on next flush",
			"server_id", serverID, "pending", s.cache.Pending(serverID), "error", err)
	}
	return nil
}
