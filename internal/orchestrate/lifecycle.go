package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// LifecycleManager drives single entities through their full lifecycle:
//
//	NonExistent → Created → Retrievable → (FacetsUpdated)* →
//	(InteractionRegistered)* → Indexed(eventual) → Deleted
//
// It is the only component that composes the others into end-to-end flows;
// none of the other components depend on it. Constituent errors pass
// through unhidden.
type LifecycleManager struct {
	gateway    store.Gateway
	writer     *BatchWriter
	deleter    *BatchDeleter
	poller     *Poller
	correlator *Correlator
	cfg        Config
	logger     *slog.Logger
}

// NewLifecycleManager creates a lifecycle manager and its constituent
// coordinators over the given gateway.
func NewLifecycleManager(gw store.Gateway, cfg Config) (*LifecycleManager, error) {
	if gw == nil {
		return nil, fmt.Errorf("orchestrate: gateway is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrate: invalid config: %w", err)
	}

	writer, err := NewBatchWriter(gw, cfg)
	if err != nil {
		return nil, err
	}
	deleter, err := NewBatchDeleter(gw, cfg)
	if err != nil {
		return nil, err
	}
	poller, err := NewPoller(gw, cfg)
	if err != nil {
		return nil, err
	}
	correlator, err := NewCorrelator(gw, cfg)
	if err != nil {
		return nil, err
	}

	return &LifecycleManager{
		gateway:    gw,
		writer:     writer,
		deleter:    deleter,
		poller:     poller,
		correlator: correlator,
		cfg:        cfg,
		logger:     cfg.logger(),
	}, nil
}

// InteractionOptions carries the optional fields of a new interaction.
type InteractionOptions struct {
	// Timestamp overrides the event time. Zero means now. Any timezone is
	// accepted; the manager normalizes to UTC.
	Timestamp time.Time

	// ContextFacets snapshots attribute groups relevant to the event,
	// such as the originating network address.
	ContextFacets map[string]types.FacetData
}

// Create provisions a single entity under key with the given initial
// facets and returns the store-assigned id. A key already in use fails
// with store.ErrConflict; the existing entity is untouched.
func (m *LifecycleManager) Create(ctx context.Context, key types.Key, facets map[string]types.FacetData) (string, error) {
	spec := types.EntitySpec{Keys: []types.Key{key}, Facets: facets}

	outcomes, err := m.writer.CreateBatch(ctx, []types.EntitySpec{spec})
	if err != nil {
		return "", err
	}

	out := outcomes[0]
	if out.Status == OutcomeSucceeded {
		m.logger.Debug("entity created", "entity_id", out.EntityID, "key", key.String())
		return out.EntityID, nil
	}
	if out.Err != nil {
		return "", out.Err
	}
	return "", fmt.Errorf("orchestrate: create %s failed with status %s", key, out.Status)
}

// UpdateFacets replaces the named facets on the entity known by key and
// returns the updated entity. Each facet in patch is replaced wholesale;
// facets absent from patch are untouched. Fails with store.ErrNotFound if
// no entity carries the key.
func (m *LifecycleManager) UpdateFacets(ctx context.Context, key types.Key, patch map[string]types.FacetData) (*types.Entity, error) {
	ent, err := m.gateway.GetByKey(ctx, key, store.GetOptions{})
	if err != nil {
		return nil, err
	}
	return m.gateway.UpdateFacets(ctx, ent.ID, patch)
}

// RegisterInteraction appends an interaction to the entity known by key and
// returns the stored record. The timestamp defaults to the current time
// and always leaves the manager in UTC. Fails with store.ErrNotFound if no
// entity carries the key.
func (m *LifecycleManager) RegisterInteraction(ctx context.Context, key types.Key, channel, event string, opts InteractionOptions) (*types.Interaction, error) {
	ent, err := m.gateway.GetByKey(ctx, key, store.GetOptions{})
	if err != nil {
		return nil, err
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	in := types.Interaction{
		Timestamp:     ts.UTC(),
		Channel:       channel,
		Event:         event,
		ContextFacets: opts.ContextFacets,
	}
	return m.gateway.RegisterInteraction(ctx, ent.ID, in)
}

// RetrieveWithInteractions loads the entity known by key together with its
// interactions in [start, end]. Both bounds are inclusive; a zero bound
// leaves that side of the window open.
func (m *LifecycleManager) RetrieveWithInteractions(ctx context.Context, key types.Key, start, end time.Time) (*types.Entity, error) {
	opts := store.GetOptions{
		IncludeInteractions: true,
		From:                start,
		To:                  end,
	}
	return m.gateway.GetByKey(ctx, key, opts)
}

// EnsureDefinition returns the definition for (defType, key), creating it
// when absent. The get-or-create is a single atomic gateway call, so
// concurrent callers converge on one definition.
func (m *LifecycleManager) EnsureDefinition(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error) {
	return m.gateway.GetOrCreateDefinition(ctx, defType, key, displayName)
}

// AwaitIndexed blocks until at least minCount hits for query are visible
// in the search index, within the configured attempt budget.
func (m *LifecycleManager) AwaitIndexed(ctx context.Context, query store.IndexQuery, minCount int) ([]types.IndexHit, error) {
	return m.poller.WaitForConvergence(ctx, query, CountAtLeast(minCount))
}

// CollectStale finds entities whose latest interaction is at or before
// cutoff and expands them into authoritative records. It waits until at
// least expect hits are visible so callers working from a known population
// can line the poll up with it, then resolves the hits through the
// correlator. Hits that cannot be resolved come back as skips, not
// errors.
func (m *LifecycleManager) CollectStale(ctx context.Context, cutoff time.Time, expect int) ([]types.ExpandedRecord, []SkippedHit, error) {
	query := store.IndexQuery{InactiveSince: &cutoff}

	hits, err := m.poller.WaitForConvergence(ctx, query, CountAtLeast(expect))
	if err != nil {
		return nil, nil, err
	}
	return m.correlator.Expand(ctx, hits)
}

// Prune deletes the given entities best-effort, one outcome per id.
func (m *LifecycleManager) Prune(ctx context.Context, ids []string) (OutcomeSet, error) {
	return m.deleter.DeleteBatch(ctx, ids)
}
