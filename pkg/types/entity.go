package types

import (
	"errors"
	"fmt"
	"time"
)

// FacetData is the structured payload of a single named facet. Facet data is
// treated as an opaque attribute group: the store replaces a facet wholesale
// on update and never merges inside it.
type FacetData map[string]any

// Key is an external correlation key attached to an entity. Keys are chosen
// by the caller to correlate an entity with an outside system and are unique
// per namespace. Keys are distinct from the store-assigned entity ID.
type Key struct {
	// Namespace scopes the key (e.g. "crm", "loyalty", "converge.demo").
	Namespace string `json:"namespace"`

	// Value is the caller-chosen identifier within the namespace.
	Value string `json:"value"`
}

// String returns the canonical namespace:value rendering of the key.
func (k Key) String() string {
	return k.Namespace + ":" + k.Value
}

// Validate checks that both key components are present.
func (k Key) Validate() error {
	if k.Namespace == "" {
		return errors.New("key namespace is required")
	}
	if k.Value == "" {
		return errors.New("key value is required")
	}
	return nil
}

// Entity is a record in the primary store. The store assigns its ID at
// creation; the ID is opaque and immutable afterwards. Entities are mutated
// only by per-facet replacement or interaction append, never overwritten
// blindly.
type Entity struct {
	// ID is the store-assigned identifier.
	ID string `json:"id"`

	// Keys are the external correlation keys (at least one).
	Keys []Key `json:"keys"`

	// Facets maps facet name to facet data.
	Facets map[string]FacetData `json:"facets,omitempty"`

	// Interactions holds the entity's interactions, ordered by timestamp
	// ascending. Populated only when the read requested interaction
	// expansion.
	Interactions []Interaction `json:"interactions,omitempty"`

	// CreatedAt is when the entity was created in the store.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last facet-update timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasKey reports whether the entity carries the given external key.
func (e *Entity) HasKey(key Key) bool {
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Facet returns the named facet's data and whether it is present.
func (e *Entity) Facet(name string) (FacetData, bool) {
	data, ok := e.Facets[name]
	return data, ok
}

// EntitySpec describes a new entity to create. The store assigns the ID;
// the spec supplies the external keys and initial facets.
type EntitySpec struct {
	// Keys are the external keys for the new entity (at least one required).
	Keys []Key `json:"keys"`

	// Facets holds the initial facet data, keyed by facet name.
	Facets map[string]FacetData `json:"facets,omitempty"`
}

// Validate checks that the spec carries at least one well-formed key.
func (s EntitySpec) Validate() error {
	if len(s.Keys) == 0 {
		return errors.New("entity spec requires at least one external key")
	}
	for i, k := range s.Keys {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
	}
	return nil
}
