// Package storetest provides a configurable fake store.Gateway for tests.
package storetest

import (
	"context"
	"sync"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

var _ store.Gateway = (*Gateway)(nil)

// Gateway is a fake store.Gateway driven by function fields. A call whose
// function field is nil panics, so tests fail loudly when a component
// touches an operation the test didn't expect. Call counts are tracked for
// verification.
type Gateway struct {
	mu sync.Mutex

	GetByIDFunc               func(ctx context.Context, id string) (*types.Entity, error)
	GetByKeyFunc              func(ctx context.Context, key types.Key, opts store.GetOptions) (*types.Entity, error)
	CreateBatchFunc           func(ctx context.Context, specs []types.EntitySpec) ([]store.CreateResult, error)
	UpdateFacetsFunc          func(ctx context.Context, id string, patch map[string]types.FacetData) (*types.Entity, error)
	RegisterInteractionFunc   func(ctx context.Context, id string, in types.Interaction) (*types.Interaction, error)
	DeleteBatchFunc           func(ctx context.Context, ids []string) ([]store.DeleteResult, error)
	SearchIndexFunc           func(ctx context.Context, q store.IndexQuery) ([]types.IndexHit, error)
	ExpandHitFunc             func(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error)
	GetOrCreateDefinitionFunc func(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error)
	CloseFunc                 func() error

	GetByIDCalls               int
	GetByKeyCalls              int
	CreateBatchCalls           int
	UpdateFacetsCalls          int
	RegisterInteractionCalls   int
	DeleteBatchCalls           int
	SearchIndexCalls           int
	ExpandHitCalls             int
	GetOrCreateDefinitionCalls int
	CloseCalls                 int
}

func (g *Gateway) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	g.mu.Lock()
	g.GetByIDCalls++
	fn := g.GetByIDFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: GetByID not configured")
	}
	return fn(ctx, id)
}

func (g *Gateway) GetByKey(ctx context.Context, key types.Key, opts store.GetOptions) (*types.Entity, error) {
	g.mu.Lock()
	g.GetByKeyCalls++
	fn := g.GetByKeyFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: GetByKey not configured")
	}
	return fn(ctx, key, opts)
}

func (g *Gateway) CreateBatch(ctx context.Context, specs []types.EntitySpec) ([]store.CreateResult, error) {
	g.mu.Lock()
	g.CreateBatchCalls++
	fn := g.CreateBatchFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: CreateBatch not configured")
	}
	return fn(ctx, specs)
}

func (g *Gateway) UpdateFacets(ctx context.Context, id string, patch map[string]types.FacetData) (*types.Entity, error) {
	g.mu.Lock()
	g.UpdateFacetsCalls++
	fn := g.UpdateFacetsFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: UpdateFacets not configured")
	}
	return fn(ctx, id, patch)
}

func (g *Gateway) RegisterInteraction(ctx context.Context, id string, in types.Interaction) (*types.Interaction, error) {
	g.mu.Lock()
	g.RegisterInteractionCalls++
	fn := g.RegisterInteractionFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: RegisterInteraction not configured")
	}
	return fn(ctx, id, in)
}

func (g *Gateway) DeleteBatch(ctx context.Context, ids []string) ([]store.DeleteResult, error) {
	g.mu.Lock()
	g.DeleteBatchCalls++
	fn := g.DeleteBatchFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: DeleteBatch not configured")
	}
	return fn(ctx, ids)
}

func (g *Gateway) SearchIndex(ctx context.Context, q store.IndexQuery) ([]types.IndexHit, error) {
	g.mu.Lock()
	g.SearchIndexCalls++
	fn := g.SearchIndexFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: SearchIndex not configured")
	}
	return fn(ctx, q)
}

func (g *Gateway) ExpandHit(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
	g.mu.Lock()
	g.ExpandHitCalls++
	fn := g.ExpandHitFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: ExpandHit not configured")
	}
	return fn(ctx, entityID, interactionID)
}

func (g *Gateway) GetOrCreateDefinition(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error) {
	g.mu.Lock()
	g.GetOrCreateDefinitionCalls++
	fn := g.GetOrCreateDefinitionFunc
	g.mu.Unlock()
	if fn == nil {
		panic("storetest: GetOrCreateDefinition not configured")
	}
	return fn(ctx, defType, key, displayName)
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	g.CloseCalls++
	fn := g.CloseFunc
	g.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Calls returns the total number of gateway calls across all operations.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.GetByIDCalls + g.GetByKeyCalls + g.CreateBatchCalls +
		g.UpdateFacetsCalls + g.RegisterInteractionCalls + g.DeleteBatchCalls +
		g.SearchIndexCalls + g.ExpandHitCalls + g.GetOrCreateDefinitionCalls +
		g.CloseCalls
}
