package metrics

import (
	"context"
	"time"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

var _ store.Gateway = (*instrumentedGateway)(nil)

// Instrument wraps a store.Gateway so every call feeds the store
// collectors. Composes with other decorators; put it outermost to include
// their overhead in the observed latency.
func Instrument(inner store.Gateway, m *Metrics) store.Gateway {
	return &instrumentedGateway{inner: inner, metrics: m}
}

type instrumentedGateway struct {
	inner   store.Gateway
	metrics *Metrics
}

func (g *instrumentedGateway) observe(op string, start time.Time, err error) {
	g.metrics.RecordStoreOp(op, err, time.Since(start))
}

func (g *instrumentedGateway) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	start := time.Now()
	entity, err := g.inner.GetByID(ctx, id)
	g.observe("get_by_id", start, err)
	return entity, err
}

func (g *instrumentedGateway) GetByKey(ctx context.Context, key types.Key, opts store.GetOptions) (*types.Entity, error) {
	start := time.Now()
	entity, err := g.inner.GetByKey(ctx, key, opts)
	g.observe("get_by_key", start, err)
	return entity, err
}

func (g *instrumentedGateway) CreateBatch(ctx context.Context, specs []types.EntitySpec) ([]store.CreateResult, error) {
	start := time.Now()
	results, err := g.inner.CreateBatch(ctx, specs)
	g.observe("create_batch", start, err)
	return results, err
}

func (g *instrumentedGateway) UpdateFacets(ctx context.Context, id string, patch map[string]types.FacetData) (*types.Entity, error) {
	start := time.Now()
	entity, err := g.inner.UpdateFacets(ctx, id, patch)
	g.observe("update_facets", start, err)
	return entity, err
}

func (g *instrumentedGateway) RegisterInteraction(ctx context.Context, id string, in types.Interaction) (*types.Interaction, error) {
	start := time.Now()
	stored, err := g.inner.RegisterInteraction(ctx, id, in)
	g.observe("register_interaction", start, err)
	return stored, err
}

func (g *instrumentedGateway) DeleteBatch(ctx context.Context, ids []string) ([]store.DeleteResult, error) {
	start := time.Now()
	results, err := g.inner.DeleteBatch(ctx, ids)
	g.observe("delete_batch", start, err)
	return results, err
}

func (g *instrumentedGateway) SearchIndex(ctx context.Context, q store.IndexQuery) ([]types.IndexHit, error) {
	start := time.Now()
	hits, err := g.inner.SearchIndex(ctx, q)
	g.observe("search_index", start, err)
	return hits, err
}

func (g *instrumentedGateway) ExpandHit(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
	start := time.Now()
	record, err := g.inner.ExpandHit(ctx, entityID, interactionID)
	g.observe("expand_hit", start, err)
	return record, err
}

func (g *instrumentedGateway) GetOrCreateDefinition(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error) {
	start := time.Now()
	def, err := g.inner.GetOrCreateDefinition(ctx, defType, key, displayName)
	g.observe("get_or_create_definition", start, err)
	return def, err
}

func (g *instrumentedGateway) Close() error {
	return g.inner.Close()
}
