package store

import (
	"context"
	"strings"
)

// Metadata carries backend specific connection properties
type Metadata struct {
	Properties map[string]string
}

// EntityStore is the interface for a remote, optimistically versioned record store.
//
// Reads report a missing record as (nil, nil). Update fails with a VersionConflict
// EntityStoreError when rec.Version is not the stored version. GetByIndexedField
// may lag behind Create.
type EntityStore interface {
	Init(ctx context.Context, metadata Metadata) error

	Create(ctx context.Context, rec *Record) (*Record, error)
	GetByID(ctx context.Context, kind Kind, serverID string) (*Record, error)
	GetByIndexedField(ctx context.Context, kind Kind, field IndexField, value string) ([]*Record, error)
	Update(ctx context.Context, rec *Record) (*Record, error)
	Delete(ctx context.Context, kind Kind, serverID string) error
	Transition(ctx context.Context, kind Kind, serverID, name string) (*Record, error)

	Close() error
}

const (
	serverIDLength     = 36
	serverIDSeparators = 4
)

// LooksLikeServerID reports whether key has the shape of a store assigned id
// (a canonical UUID) rather than a human chosen client key.
func LooksLikeServerID(key string) bool {
	if len(key) != serverIDLength || strings.Count(key, "-") != serverIDSeparators {
		return false
	}
	for _, i := range []int{8, 13, 18, 23} {
		if key[i] != '-' {
			return false
		}
	}
	return true
}
