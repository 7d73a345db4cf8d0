package types

import "time"

// IndexHit is a lightweight projection returned by the search index. The
// index is eventually consistent with the primary store: hits may lag
// behind recent writes or, rarely, refer to records that no longer exist.
// A hit is never authoritative and is never persisted by this layer.
type IndexHit struct {
	// EntityID is the indexed entity's identifier. May be empty when the
	// index projection is incomplete.
	EntityID string `json:"entity_id,omitempty"`

	// InteractionID is the indexed interaction's identifier. May be empty.
	InteractionID string `json:"interaction_id,omitempty"`

	// Timestamp is the indexed interaction timestamp (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// Complete reports whether the hit carries both identifiers needed for an
// authoritative expand lookup.
func (h IndexHit) Complete() bool {
	return h.EntityID != "" && h.InteractionID != ""
}

// ExpandedRecord is the authoritative entity+interaction pair resolved from
// an index hit via the primary store.
type ExpandedRecord struct {
	// Entity is the authoritative entity record.
	Entity Entity `json:"entity"`

	// Interaction is the authoritative interaction record.
	Interaction Interaction `json:"interaction"`
}
