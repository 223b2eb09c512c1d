package store

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds a single EntityStore call
const DefaultCallTimeout = 10 * time.Second

type timeoutStore struct {
	EntityStore
	timeout time.Duration
}

// WithTimeout wraps s so that every call runs under its own deadline. A call that
// exceeds it fails with a Transient error and is not retried here.
func WithTimeout(s EntityStore, timeout time.Duration) EntityStore {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &timeoutStore{EntityStore: s, timeout: timeout}
}

func (t *timeoutStore) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && TypeOf(err) != Transient {
		return NewError(Transient, "entity store call timed out", ctx.Err())
	}
	return err
}

func (t *timeoutStore) Create(ctx context.Context, rec *Record) (out *Record, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		out, err = t.EntityStore.Create(ctx, rec)
		return err
	})
	return out, err
}

func (t *timeoutStore) GetByID(ctx context.Context, kind Kind, serverID string) (out *Record, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		out, err = t.EntityStore.GetByID(ctx, kind, serverID)
		return err
	})
	return out, err
}

func (t *timeoutStore) GetByIndexedField(ctx context.Context, kind Kind, field IndexField, value string) (out []*Record, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		out, err = t.EntityStore.GetByIndexedField(ctx, kind, field, value)
		return err
	})
	return out, err
}

func (t *timeoutStore) Update(ctx context.Context, rec *Record) (out *Record, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		out, err = t.EntityStore.Update(ctx, rec)
		return err
	})
	return out, err
}

func (t *timeoutStore) Delete(ctx context.Context, kind Kind, serverID string) error {
	return t.call(ctx, func(ctx context.Context) error {
		return t.EntityStore.Delete(ctx, kind, serverID)
	})
}

func (t *timeoutStore) Transition(ctx context.Context, kind Kind, serverID, name string) (out *Record, err error) {
	err = t.call(ctx, func(ctx context.Context) error {
		out, err = t.EntityStore.Transition(ctx, kind, serverID, name)
		return err
	})
	return out, err
}
