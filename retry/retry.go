// Package retry implements optimistic updates that reconcile with the stored copy
// of a record whenever the store reports a version conflict.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AndreasM009/agentstate-go/store"
)

const (
	// DefaultMaxAttempts is the number of update attempts before giving up
	DefaultMaxAttempts = 5
	// DefaultBaseDelay is the backoff unit, doubled on every conflict
	DefaultBaseDelay = 100 * time.Millisecond
)

// ErrRetriesExhausted is matched by a ConflictError returned after the last attempt
var ErrRetriesExhausted = errors.New("conflict retries exhausted")

// ConflictError is the terminal error of UpdateWithRetry
type ConflictError struct {
	ServerID string
	Attempts int
	Last     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s still conflicting after %d attempts: %v", e.ServerID, e.Attempts, e.Last)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *ConflictError) Unwrap() error {
	return e.Last
}

// ApplyFunc reconciles the caller's intended record with the current server copy.
// It returns the record to send on the next attempt; its Version must be the
// server copy's.
type ApplyFunc func(current, intended *store.Record) (*store.Record, error)

// Options tune UpdateWithRetry
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	} else if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Backoff returns the delay before attempt+1, attempt being 0-based
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

// UpdateWithRetry persists rec. On a version conflict it waits, fetches the current
// server copy, reconciles via apply (DefaultMerge when nil) and tries again. Errors
// other than conflicts are returned immediately.
func UpdateWithRetry(ctx context.Context, es store.EntityStore, rec *store.Record, apply ApplyFunc, opts Options) (*store.Record, error) {
	if err := store.ValidateExisting(rec); err != nil {
		return nil, err
	}
	if apply == nil {
		apply = DefaultMerge
	}
	opts = opts.withDefaults()

	intended := rec.Clone()
	attemptRec := rec.Clone()
	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		updated, err := es.Update(ctx, attemptRec)
		if err == nil {
			if attempt > 0 {
				opts.Logger.Debug("update succeeded after conflict",
					"server_id", rec.ServerID, "kind", rec.Kind, "attempts", attempt+1)
			}
			return updated, nil
		}
		if !store.IsConflict(err) {
			return nil, err
		}
		lastErr = err
		if attempt == opts.MaxAttempts-1 {
			break
		}

		delay := Backoff(opts.BaseDelay, attempt)
		opts.Logger.Debug("version conflict, reconciling",
			"server_id", rec.ServerID, "kind", rec.Kind, "attempt", attempt+1, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return nil, store.NewError(store.Transient, "update cancelled during backoff", err)
		}

		current, err := es.GetByID(ctx, rec.Kind, rec.ServerID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Kind != rec.Kind {
			return nil, store.NewError(store.EntityNotFound,
				fmt.Sprintf("record %s disappeared during update", rec.ServerID), nil)
		}
		next, err := apply(current.Clone(), intended.Clone())
		if err != nil {
			return nil, err
		}
		next.ServerID = current.ServerID
		next.Kind = current.Kind
		next.Version = current.Version
		attemptRec = next
	}

	opts.Logger.Warn("giving up on conflicting update",
		"server_id", rec.ServerID, "kind", rec.Kind, "attempts", opts.MaxAttempts)
	return nil, &ConflictError{ServerID: rec.ServerID, Attempts: opts.MaxAttempts, Last: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
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
