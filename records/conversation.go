package records

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AndreasM009/agentstate-go/retry"
	"github.com/AndreasM009/agentstate-go/store"
)

// Message is one chat message of a conversation
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a conversation record with its decoded payload
type Conversation struct {
	store.Record

	Title      string    `json:"title,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
}

type conversationData struct {
	Title      string    `json:"title,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
}

func (c *Conversation) data() conversationData {
	return conversationData{Title: c.Title, Repository: c.Repository, Branch: c.Branch, Messages: c.Messages}
}

func (c *Conversation) toRecord() (*store.Record, error) {
	rec := c.Record.Clone()
	raw, err := json.Marshal(c.data())
	if err != nil {
		return nil, store.NewError(store.SerializationFailed, "encode conversation", err)
	}
	rec.Data = raw
	return rec, nil
}

func decodeConversation(rec *store.Record) (*Conversation, error) {
	if rec == nil {
		return nil, nil
	}
	var d conversationData
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return nil, store.NewError(store.SerializationFailed, "decode conversation "+rec.ServerID, err)
		}
	}
	return &Conversation{
		Record:     *rec.Clone(),
		Title:      d.Title,
		Repository: d.Repository,
		Branch:     d.Branch,
		Messages:   d.Messages,
	}, nil
}

// mergeConversation takes scalar fields from the caller and unions messages and
// events by id, server entries first.
func mergeConversation(current, intended *store.Record) (*store.Record, error) {
	server, err := decodeConversation(current)
	if err != nil {
		return nil, err
	}
	mine, err := decodeConversation(intended)
	if err != nil {
		return nil, err
	}
	merged, err := retry.DefaultMerge(current, intended)
	if err != nil {
		return nil, err
	}
	mine.Messages = retry.UnionByID(server.Messages, mine.Messages, func(m Message) string { return m.ID })
	raw, err := json.Marshal(mine.data())
	if err != nil {
		return nil, store.NewError(store.SerializationFailed, "encode conversation", err)
	}
	merged.Data = raw
	return merged, nil
}

// ConversationService manages conversation records. Updates are direct; a
// conversation changes far less often than a session.
type ConversationService struct {
	base
}

// NewConversationService creates a ConversationService
func NewConversationService(es store.EntityStore, opts Options) *ConversationService {
	return &ConversationService{base: newBase(es, store.ConversationKind, mergeConversation, opts)}
}

// Create stores a new conversation
func (s *ConversationService) Create(ctx context.Context, c *Conversation) (*Conversation, error) {
	for i := range c.Messages {
		stampMessage(&c.Messages[i])
	}
	rec, err := c.toRecord()
	if err != nil {
		return nil, err
	}
	created, err := s.create(ctx, rec)
	if err != nil {
		return nil, err
	}
	return decodeConversation(created)
}

// GetByClientKey returns the conversation named clientKey, or nil
func (s *ConversationService) GetByClientKey(ctx context.Context, appScope, ownerID, clientKey string) (*Conversation, error) {
	rec, err := s.getByClientKey(ctx, appScope, ownerID, clientKey)
	if err != nil {
		return nil, err
	}
	return decodeConversation(rec)
}

// GetByServerID returns the conversation, or nil
func (s *ConversationService) GetByServerID(ctx context.Context, serverID string) (*Conversation, error) {
	rec, err := s.getByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return decodeConversation(rec)
}

// UpdateWithRetry persists c. Messages added concurrently by others are kept.
func (s *ConversationService) UpdateWithRetry(ctx context.Context, c *Conversation) (*Conversation, error) {
	rec, err := c.toRecord()
	if err != nil {
		return nil, err
	}
	updated, err := s.update(ctx, rec)
	if err != nil {
		return nil, err
	}
	return decodeConversation(updated)
}

// Delete removes the conversation
func (s *ConversationService) Delete(ctx context.Context, serverID string) error {
	return s.delete(ctx, serverID)
}

// AppendEvent adds an event to the conversation's log with a direct update
func (s *ConversationService) AppendEvent(ctx context.Context, serverID string, event store.Event) (*Conversation, error) {
	rec, err := s.appendEvent(ctx, serverID, event)
	if err != nil {
		return nil, err
	}
	return decodeConversation(rec)
}

// AppendMessage adds msg to the conversation
func (s *ConversationService) AppendMessage(ctx context.Context, serverID string, msg Message) (*Conversation, error) {
	stampMessage(&msg)
	rec, err := s.mustGet(ctx, serverID)
	if err != nil {
		return nil, err
	}
	c, err := decodeConversation(rec)
	if err != nil {
		return nil, err
	}
	c.Messages = append(c.Messages, msg)
	return s.UpdateWithRetry(ctx, c)
}

// List returns the conversations of an owner
func (s *ConversationService) List(ctx context.Context, appScope, ownerID string) ([]*Conversation, error) {
	recs, err := s.list(ctx, appScope, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(recs))
	for _, rec := range recs {
		c, err := decodeConversation(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func stampMessage(m *Message) {
	if m.ID == "" {
		m.ID = store.NewEventID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
