// Package store defines the gateway boundary between the Converge
// orchestration layer and the backing entity store.
//
// The orchestration core depends only on the Gateway interface; concrete
// backends (SQLite, PostgreSQL) and decorators (resilience, metrics) live in
// subpackages and can be composed freely. Writes through a Gateway are
// immediately durable in the primary store, but SearchIndex reads a
// secondary index that is only eventually consistent with those writes.
package store

import (
	"context"

	"github.com/driftline/converge/pkg/types"
)

// Gateway exposes the entity store operations the orchestration layer
// consumes. All operations are semantics-level: no wire format is owned
// here.
type Gateway interface {
	// GetByID retrieves an entity by its store-assigned identifier.
	// Returns ErrNotFound if the entity doesn't exist.
	GetByID(ctx context.Context, id string) (*types.Entity, error)

	// GetByKey retrieves an entity by one of its external keys, optionally
	// expanding interactions per opts. Returns ErrNotFound if no entity
	// carries the key.
	GetByKey(ctx context.Context, key types.Key, opts GetOptions) (*types.Entity, error)

	// CreateBatch creates the given entities in one store round trip and
	// returns one CreateResult per spec, in input order. Individual specs
	// may fail with ErrConflict (duplicate external key) or ErrInvalidInput
	// while siblings succeed. A non-nil error means the whole request
	// failed in transit and nothing can be assumed about completion.
	CreateBatch(ctx context.Context, specs []types.EntitySpec) ([]CreateResult, error)

	// UpdateFacets merges the patch into the entity's facets: each named
	// facet in the patch replaces the stored facet of the same name
	// wholesale, other facets are left untouched. Returns the updated
	// entity, or ErrNotFound.
	UpdateFacets(ctx context.Context, id string, patch map[string]types.FacetData) (*types.Entity, error)

	// RegisterInteraction appends an interaction to the entity. The
	// interaction's timestamp must already be UTC (see
	// types.Interaction.Normalize). Returns the stored interaction with its
	// assigned ID, or ErrNotFound if the entity doesn't exist.
	RegisterInteraction(ctx context.Context, id string, in types.Interaction) (*types.Interaction, error)

	// DeleteBatch deletes the given entities in one store round trip and
	// returns one DeleteResult per id, in input order. Individual ids may
	// fail while siblings succeed. A non-nil error means the whole request
	// failed in transit.
	DeleteBatch(ctx context.Context, ids []string) ([]DeleteResult, error)

	// SearchIndex queries the eventually-consistent search index. A result
	// may lag behind recent writes; an empty result is not an error.
	SearchIndex(ctx context.Context, q IndexQuery) ([]types.IndexHit, error)

	// ExpandHit resolves an index hit into the authoritative
	// entity+interaction pair from the primary store. Returns ErrNotFound
	// when the referenced data no longer exists (e.g. deleted since it was
	// indexed).
	ExpandHit(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error)

	// GetOrCreateDefinition returns the definition for (defType, key),
	// creating it with the given display name if absent. The operation is
	// atomic: concurrent calls for the same (defType, key) observe exactly
	// one definition.
	GetOrCreateDefinition(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error)

	// Close releases any resources held by the gateway.
	Close() error
}
