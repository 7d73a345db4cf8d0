package types

import (
	"errors"
	"time"
)

// Interaction is an event tied to exactly one entity: a visit, a call, a
// purchase. Interactions are immutable once created; the store appends them
// and never updates them in place.
type Interaction struct {
	// ID is the store-assigned identifier.
	ID string `json:"id"`

	// EntityID is the owning entity's store-assigned identifier.
	EntityID string `json:"entity_id"`

	// Timestamp is when the interaction occurred. Callers may supply any
	// timezone; the timestamp is normalized to UTC before storage so index
	// queries and range filters compare a single zone.
	Timestamp time.Time `json:"timestamp"`

	// Channel identifies where the interaction happened (e.g. "web", "call").
	Channel string `json:"channel"`

	// Event identifies what happened (e.g. a goal definition key).
	Event string `json:"event"`

	// ContextFacets carries optional context attribute groups, such as the
	// originating network address or a named business context.
	ContextFacets map[string]FacetData `json:"context_facets,omitempty"`
}

// Normalize returns a copy of the interaction with its timestamp converted
// to UTC. A zero timestamp is left zero so the store can apply its own
// current-time default.
func (in Interaction) Normalize() Interaction {
	if !in.Timestamp.IsZero() {
		in.Timestamp = in.Timestamp.UTC()
	}
	return in
}

// Validate checks the caller-supplied fields of a new interaction.
func (in Interaction) Validate() error {
	if in.Channel == "" {
		return errors.New("interaction channel is required")
	}
	if in.Event == "" {
		return errors.New("interaction event is required")
	}
	return nil
}

// WithinRange reports whether the interaction's timestamp falls inside
// [start, end], inclusive on both ends. A zero bound leaves that side of
// the window open. This is the single boundary convention for
// time-windowed reads; gateways implement the same convention in SQL via
// BETWEEN.
func (in Interaction) WithinRange(start, end time.Time) bool {
	if !start.IsZero() && in.Timestamp.Before(start) {
		return false
	}
	if !end.IsZero() && in.Timestamp.After(end) {
		return false
	}
	return true
}

// FilterInteractions returns the interactions whose timestamps fall inside
// [start, end] inclusive, preserving input order. Zero bounds are open.
func FilterInteractions(ins []Interaction, start, end time.Time) []Interaction {
	var out []Interaction
	for _, in := range ins {
		if in.WithinRange(start, end) {
			out = append(out, in)
		}
	}
	return out
}
