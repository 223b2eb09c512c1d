// Package sanitize trims event logs so that a consumer never sees a request
// without the response that answers it.
package sanitize

import (
	"io"
	"log/slog"

	"github.com/AndreasM009/agentstate-go/store"
)

// Sanitizer truncates event logs at their earliest unanswered request
type Sanitizer struct {
	logger *slog.Logger
}

// New creates a Sanitizer logging truncations to logger
func New(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sanitizer{logger: logger}
}

// Sanitize returns the longest prefix of events that holds no open unit. The input
// slice is never modified; when nothing needs to be cut it is returned as is.
func (s *Sanitizer) Sanitize(events []store.Event) []store.Event {
	cut := len(events)
	var dropped []string
	for {
		open, first := openUnits(events[:cut])
		if len(open) == 0 {
			break
		}
		dropped = append(dropped, open...)
		cut = first
	}
	if cut == len(events) {
		return events
	}

	s.logger.Warn("truncated event log with unanswered requests",
		"dropped_entries", len(events)-cut,
		"open_units", len(dropped),
		"correlation_ids", dropped,
		"kept_entries", cut)
	return events[:cut:cut]
}

// openUnits scans events and returns the correlation ids of requests that never
// got a response, plus the index of the earliest one. A request has to be answered
// before the next entry of its own role; requests written back to back by one role
// form a batch whose responses may follow in any order.
func openUnits(events []store.Event) ([]string, int) {
	type opener struct {
		index int
		role  string
	}
	pending := map[string]opener{}
	unmatched := map[string]int{}
	var order []string
	for i, e := range events {
		if e.Kind == store.ResponseEvent {
			if _, ok := pending[e.CorrelationID]; ok {
				delete(pending, e.CorrelationID)
				continue
			}
		}
		batched := e.Kind == store.RequestEvent && i > 0 &&
			events[i-1].Kind == store.RequestEvent && events[i-1].Role == e.Role
		if e.Role != "" && !batched {
			for id, o := range pending {
				if o.role != e.Role {
					continue
				}
				delete(pending, id)
				if prev, seen := unmatched[id]; !seen || o.index < prev {
					unmatched[id] = o.index
				}
			}
		}
		if e.Kind != store.RequestEvent || e.CorrelationID == "" {
			continue
		}
		if _, dup := pending[e.CorrelationID]; !dup {
			if _, seen := unmatched[e.CorrelationID]; !seen {
				order = append(order, e.CorrelationID)
			}
		}
		pending[e.CorrelationID] = opener{index: i, role: e.Role}
	}
	if len(pending) == 0 && len(unmatched) == 0 {
		return nil, len(events)
	}

	first := len(events)
	open := make([]string, 0, len(pending)+len(unmatched))
	for _, id := range order {
		idx, ok := unmatched[id]
		if o, stillPending := pending[id]; stillPending && (!ok || o.index < idx) {
			idx, ok = o.index, true
		}
		if !ok {
			continue
		}
		open = append(open, id)
		if idx < first {
			first = idx
		}
	}
	return open, first
}

// Sanitize runs a throwaway Sanitizer logging to logger
func Sanitize(events []store.Event, logger *slog.Logger) []store.Event {
	return New(logger).Sanitize(events)
}
