package retry

import (
	"github.com/AndreasM009/agentstate-go/store"
)

// DefaultMerge keeps the server's identity and version metadata, takes every
// mutable field from the intended record and unions both event logs by event id.
func DefaultMerge(current, intended *store.Record) (*store.Record, error) {
	merged := intended.Clone()
	merged.ServerID = current.ServerID
	merged.Kind = current.Kind
	merged.ClientKey = current.ClientKey
	merged.AppScope = current.AppScope
	merged.OwnerID = current.OwnerID
	merged.Version = current.Version
	merged.State = current.State
	merged.CreatedAt = current.CreatedAt
	merged.UpdatedAt = current.UpdatedAt
	merged.EventLog = UnionEvents(current.EventLog, intended.EventLog)
	return merged, nil
}

// UnionEvents returns base followed by every event of extra whose id is not in base.
// Order within each list is preserved.
func UnionEvents(base, extra []store.Event) []store.Event {
	return UnionByID(base, extra, func(e store.Event) string { return e.ID })
}

// UnionByID appends the elements of extra missing from base, keyed by id.
// Elements with an empty id are always appended.
func UnionByID[T any](base, extra []T, id func(T) string) []T {
	if len(extra) == 0 {
		return append([]T(nil), base...)
	}
	seen := make(map[string]struct{}, len(base))
	out := make([]T, 0, len(base)+len(extra))
	for _, v := range base {
		if k := id(v); k != "" {
			seen[k] = struct{}{}
		}
		out = append(out, v)
	}
	for _, v := range extra {
		k := id(v)
		if k != "" {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, v)
	}
	return out
}

// ApplyAttributes overlays delta onto attrs; a nil value deletes the key.
func ApplyAttributes(attrs, delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return attrs
	}
	if attrs == nil {
		attrs = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		if v == nil {
			delete(attrs, k)
			continue
		}
		attrs[k] = v
	}
	return attrs
}
