package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/converge/internal/orchestrate"
	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// runWalkthrough exercises every orchestration surface once, in dependency
// order: definitions, creation (including deliberate conflict and
// validation failures), facet updates, interactions, convergence polling,
// hit expansion, windowed retrieval, and the stale sweep with pruning.
//
// Each run works under its own key namespace, so reruns against a
// persistent store never collide with earlier data.
func runWalkthrough(ctx context.Context, gw store.Gateway, ocfg orchestrate.Config, window time.Duration, keep bool) error {
	logger := ocfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mgr, err := orchestrate.NewLifecycleManager(gw, ocfg)
	if err != nil {
		return err
	}
	writer, err := orchestrate.NewBatchWriter(gw, ocfg)
	if err != nil {
		return err
	}
	correlator, err := orchestrate.NewCorrelator(gw, ocfg)
	if err != nil {
		return err
	}

	ns := "converge.demo." + uuid.NewString()[:8]
	aliceKey := types.Key{Namespace: ns, Value: "alice"}
	bobKey := types.Key{Namespace: ns, Value: "bob"}

	// Step 1: definitions are get-or-create, so ensuring one twice yields
	// the same record.
	logger.Info("Step 1: ensure definitions")
	goal, err := mgr.EnsureDefinition(ctx, types.DefinitionGoal, "signed_up", "Signed Up")
	if err != nil {
		return fmt.Errorf("ensure goal definition: %w", err)
	}
	if _, err := mgr.EnsureDefinition(ctx, types.DefinitionEventType, "page_view", "Page View"); err != nil {
		return fmt.Errorf("ensure event definition: %w", err)
	}
	if _, err := mgr.EnsureDefinition(ctx, types.DefinitionChannel, "web", "Web"); err != nil {
		return fmt.Errorf("ensure channel definition: %w", err)
	}
	again, err := mgr.EnsureDefinition(ctx, types.DefinitionGoal, "signed_up", "Signed Up")
	if err != nil {
		return fmt.Errorf("re-ensure goal definition: %w", err)
	}
	logger.Info("Definitions ready", "goal_id", goal.ID, "reused", again.ID == goal.ID)

	// Step 2: one direct create, then a batch carrying two deliberate
	// failures: a duplicate of alice's key and a keyless spec.
	logger.Info("Step 2: create entities")
	aliceID, err := mgr.Create(ctx, aliceKey, map[string]types.FacetData{
		types.FacetPersonal: {"first_name": "Alice", "last_name": "Hargreaves"},
	})
	if err != nil {
		return fmt.Errorf("create alice: %w", err)
	}

	specs := []types.EntitySpec{
		{Keys: []types.Key{bobKey}, Facets: map[string]types.FacetData{
			types.FacetPersonal: {"first_name": "Bob"},
		}},
		{Keys: []types.Key{{Namespace: ns, Value: "carol"}}},
		{Keys: []types.Key{aliceKey}},
		{},
	}
	outcomes, batchErr := writer.CreateBatch(ctx, specs)
	for i, out := range outcomes {
		logger.Info("Batch outcome",
			"spec", i,
			"status", string(out.Status),
			"entity_id", out.EntityID,
			"error", out.Err,
		)
	}
	if batchErr != nil {
		return fmt.Errorf("batch create: %w", batchErr)
	}
	if outcomes[0].Status != orchestrate.OutcomeSucceeded {
		return fmt.Errorf("expected bob to be created, got %s", outcomes[0].Status)
	}
	created := append([]string{aliceID}, outcomes.EntityIDs()...)

	// Step 3: replace one facet wholesale, leaving the others untouched.
	logger.Info("Step 3: update facets")
	alice, err := mgr.UpdateFacets(ctx, aliceKey, map[string]types.FacetData{
		types.FacetPreferences: {"contact": "email", "frequency": "weekly"},
	})
	if err != nil {
		return fmt.Errorf("update facets: %w", err)
	}
	logger.Info("Facets updated", "entity_id", alice.ID, "facets", len(alice.Facets))

	// Step 4: interactions at staggered past timestamps so the retrieval
	// window in step 7 can split them.
	logger.Info("Step 4: register interactions")
	base := time.Now()
	if _, err := mgr.RegisterInteraction(ctx, aliceKey, "web", "page_view", orchestrate.InteractionOptions{
		Timestamp: base.Add(-2 * time.Minute),
	}); err != nil {
		return fmt.Errorf("register page view: %w", err)
	}
	if _, err := mgr.RegisterInteraction(ctx, aliceKey, "web", "signed_up", orchestrate.InteractionOptions{
		Timestamp: base.Add(-time.Minute),
		ContextFacets: map[string]types.FacetData{
			types.FacetNetwork:         {"remote_addr": "203.0.113.7"},
			types.FacetBusinessContext: {"campaign": "spring-launch"},
		},
	}); err != nil {
		return fmt.Errorf("register signup: %w", err)
	}
	if _, err := mgr.RegisterInteraction(ctx, bobKey, "web", "page_view", orchestrate.InteractionOptions{}); err != nil {
		return fmt.Errorf("register bob page view: %w", err)
	}
	const registered = 3

	// Step 5: the index lags the writes above; wait for it to catch up.
	logger.Info("Step 5: wait for index convergence", "want_hits", registered)
	from := base.Add(-window)
	waitStart := time.Now()
	hits, err := mgr.AwaitIndexed(ctx, store.IndexQuery{From: &from}, registered)
	if err != nil {
		return fmt.Errorf("await indexing: %w", err)
	}
	logger.Info("Index converged",
		"hits", len(hits),
		"waited", time.Since(waitStart).Round(time.Millisecond),
	)

	// Step 6: resolve the lightweight hits into authoritative records.
	logger.Info("Step 6: expand hits")
	records, skipped, err := correlator.Expand(ctx, hits)
	if err != nil {
		return fmt.Errorf("expand hits: %w", err)
	}
	for _, rec := range records {
		logger.Debug("Expanded record",
			"entity_id", rec.Entity.ID,
			"channel", rec.Interaction.Channel,
			"event", rec.Interaction.Event,
		)
	}
	logger.Info("Hits expanded", "records", len(records), "skipped", len(skipped))

	// Step 7: the window [base-90s, base] is inclusive on both ends: it
	// keeps the signup at base-60s and drops the page view at base-120s.
	logger.Info("Step 7: retrieve with interactions")
	alice, err = mgr.RetrieveWithInteractions(ctx, aliceKey, base.Add(-90*time.Second), base)
	if err != nil {
		return fmt.Errorf("retrieve with interactions: %w", err)
	}
	for _, in := range alice.Interactions {
		logger.Debug("Interaction in window", "channel", in.Channel, "event", in.Event, "at", in.Timestamp)
	}
	logger.Info("Entity retrieved", "entity_id", alice.ID, "interactions_in_window", len(alice.Interactions))

	if keep {
		logger.Info("Keeping walkthrough records", "namespace", ns, "entities", len(created))
		return nil
	}

	// Step 8: discover entities whose latest indexed interaction is in the
	// past, then prune them along with everything this run created.
	logger.Info("Step 8: collect and prune stale entities")
	stale, skippedStale, err := mgr.CollectStale(ctx, time.Now(), 2)
	if err != nil {
		return fmt.Errorf("collect stale: %w", err)
	}
	logger.Info("Stale entities collected", "records", len(stale), "skipped", len(skippedStale))

	ids := make(map[string]struct{}, len(created))
	for _, id := range created {
		ids[id] = struct{}{}
	}
	for _, rec := range stale {
		ids[rec.Entity.ID] = struct{}{}
	}
	pruneIDs := make([]string, 0, len(ids))
	for id := range ids {
		pruneIDs = append(pruneIDs, id)
	}

	pruned, pruneErr := mgr.Prune(ctx, pruneIDs)
	logger.Info("Prune finished",
		"attempted", len(pruneIDs),
		"succeeded", len(pruned.Succeeded()),
		"failed", len(pruned.Failed()),
	)
	if pruneErr != nil {
		return fmt.Errorf("prune: %w", pruneErr)
	}

	// Deletion is immediate in the primary store, whatever the index
	// still believes.
	if _, err := gw.GetByKey(ctx, aliceKey, store.GetOptions{}); !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("expected alice to be gone after prune, got %v", err)
	}
	logger.Info("Verified removal", "key", aliceKey.String())

	return nil
}
