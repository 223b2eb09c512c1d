// Package storetest provides an EntityStore decorator that counts calls and lets
// tests inject failures in front of a real backend.
package storetest

import (
	"context"
	"sync"

	"github.com/AndreasM009/agentstate-go/store"
)

// Op names an EntityStore operation
type Op string

const (
	OpCreate     Op = "create"
	OpGetByID    Op = "getById"
	OpIndexed    Op = "getByIndexedField"
	OpUpdate     Op = "update"
	OpDelete     Op = "delete"
	OpTransition Op = "transition"
)

// Hook runs before an operation reaches the wrapped store. A non-nil error is
// returned to the caller instead of calling through.
type Hook func(ctx context.Context, op Op, rec *store.Record) error

// Store wraps an EntityStore
type Store struct {
	store.EntityStore

	mu     sync.Mutex
	calls  map[Op]int
	hook   Hook
	before func(op Op)
}

// Wrap decorates es
func Wrap(es store.EntityStore) *Store {
	return &Store{EntityStore: es, calls: map[Op]int{}}
}

// SetHook installs h, replacing any previous hook
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// OnCall runs fn, outside any lock, every time an operation starts
func (s *Store) OnCall(fn func(op Op)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = fn
}

// Calls returns how often op was invoked
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Total returns the number of calls across all operations
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Reset zeroes the call counters
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = map[Op]int{}
}

func (s *Store) enter(ctx context.Context, op Op, rec *store.Record) error {
	s.mu.Lock()
	s.calls[op]++
	hook, before := s.hook, s.before
	s.mu.Unlock()
	if before != nil {
		before(op)
	}
	if hook != nil {
		return hook(ctx, op, rec)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := s.enter(ctx, OpCreate, rec); err != nil {
		return nil, err
	}
	return s.EntityStore.Create(ctx, rec)
}

func (s *Store) GetByID(ctx context.Context, kind store.Kind, serverID string) (*store.Record, error) {
	if err := s.enter(ctx, OpGetByID, &store.Record{Kind: kind, ServerID: serverID}); err != nil {
		return nil, err
	}
	return s.EntityStore.GetByID(ctx, kind, serverID)
}

func (s *Store) GetByIndexedField(ctx context.Context, kind store.Kind, field store.IndexField, value string) ([]*store.Record, error) {
	if err := s.enter(ctx, OpIndexed, &store.Record{Kind: kind}); err != nil {
		return nil, err
	}
	return s.EntityStore.GetByIndexedField(ctx, kind, field, value)
}

func (s *Store) Update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := s.enter(ctx, OpUpdate, rec); err != nil {
		return nil, err
	}
	return s.EntityStore.Update(ctx, rec)
}

func (s *Store) Delete(ctx context.Context, kind store.Kind, serverID string) error {
	if err := s.enter(ctx, OpDelete, &store.Record{Kind: kind, ServerID: serverID}); err != nil {
		return err
	}
	return s.EntityStore.Delete(ctx, kind, serverID)
}

func (s *Store) Transition(ctx context.Context, kind store.Kind, serverID, name string) (*store.Record, error) {
	if err := s.enter(ctx, OpTransition, &store.Record{Kind: kind, ServerID: serverID}); err != nil {
		return nil, err
	}
	return s.EntityStore.Transition(ctx, kind, serverID, name)
}
