package orchestrate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/internal/store/storetest"
	"github.com/driftline/converge/pkg/types"
)

// expandFromIDs returns an ExpandHit implementation that fabricates a
// record for any id pair.
func expandFromIDs(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
	return &types.ExpandedRecord{
		Entity:      types.Entity{ID: entityID},
		Interaction: types.Interaction{ID: interactionID, EntityID: entityID},
	}, nil
}

func newTestCorrelator(t *testing.T, gw store.Gateway, mutate func(*Config)) *Correlator {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := NewCorrelator(gw, cfg)
	if err != nil {
		t.Fatalf("NewCorrelator failed: %v", err)
	}
	return c
}

// Test: a hit without an entity id is skipped without a store call and the
// remaining hits still expand; malformed index projections never fail the
// set.
func TestCorrelator_SkipsIncompleteHit(t *testing.T) {
	gw := &storetest.Gateway{ExpandHitFunc: expandFromIDs}
	c := newTestCorrelator(t, gw, nil)

	hits := makeHits(4)
	hits[1].EntityID = ""

	records, skipped, err := c.Expand(context.Background(), hits)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(records) != 3 {
		t.Errorf("expected 3 expanded records, got %d", len(records))
	}
	if len(skipped) != 1 {
		t.Fatalf("expected 1 skipped hit, got %d", len(skipped))
	}
	if skipped[0].Reason != SkipMissingID {
		t.Errorf("expected missing-id skip, got %s", skipped[0].Reason)
	}
	if skipped[0].Hit.InteractionID != hits[1].InteractionID {
		t.Errorf("skip should carry the original hit, got %+v", skipped[0].Hit)
	}
	if gw.ExpandHitCalls != 3 {
		t.Errorf("incomplete hit must not reach the store, got %d expand calls", gw.ExpandHitCalls)
	}
}

// Test: a hit whose record was deleted since indexing is skipped as
// not-found, a hit whose lookup failed in transit is skipped with the
// error retained, and sibling hits are unaffected either way.
func TestCorrelator_SkipsNotFoundAndTransport(t *testing.T) {
	gw := &storetest.Gateway{
		ExpandHitFunc: func(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
			switch entityID {
			case "ent-1":
				return nil, store.NewTransportError("expand_hit", errors.New("connection reset"))
			case "ent-2":
				return nil, store.ErrNotFound
			default:
				return expandFromIDs(ctx, entityID, interactionID)
			}
		},
	}
	c := newTestCorrelator(t, gw, nil)

	records, skipped, err := c.Expand(context.Background(), makeHits(3))
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(records) != 1 {
		t.Errorf("expected 1 expanded record, got %d", len(records))
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped hits, got %d", len(skipped))
	}

	byEntity := map[string]SkippedHit{}
	for _, sk := range skipped {
		byEntity[sk.Hit.EntityID] = sk
	}

	transport := byEntity["ent-1"]
	if transport.Reason != SkipTransport {
		t.Errorf("expected transport skip for ent-1, got %s", transport.Reason)
	}
	if !store.IsTransport(transport.Err) {
		t.Errorf("transport skip should retain the error, got: %v", transport.Err)
	}

	notFound := byEntity["ent-2"]
	if notFound.Reason != SkipNotFound {
		t.Errorf("expected not-found skip for ent-2, got %s", notFound.Reason)
	}
	if !errors.Is(notFound.Err, store.ErrNotFound) {
		t.Errorf("not-found skip should retain the error, got: %v", notFound.Err)
	}
}

// Test: expansions run concurrently but never above ExpandConcurrency.
func TestCorrelator_HonorsConcurrencyLimit(t *testing.T) {
	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)
	gw := &storetest.Gateway{
		ExpandHitFunc: func(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return expandFromIDs(ctx, entityID, interactionID)
		},
	}
	c := newTestCorrelator(t, gw, func(cfg *Config) {
		cfg.ExpandConcurrency = 2
	})

	records, skipped, err := c.Expand(context.Background(), makeHits(6))
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(records) != 6 || len(skipped) != 0 {
		t.Errorf("expected 6 expanded and 0 skipped, got %d and %d", len(records), len(skipped))
	}
	if maxInFlight > 2 {
		t.Errorf("expected at most 2 concurrent expansions, observed %d", maxInFlight)
	}
}

// Test: every expanded record corresponds to an input hit regardless of
// completion order.
func TestCorrelator_RecordsMatchHits(t *testing.T) {
	gw := &storetest.Gateway{
		ExpandHitFunc: func(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
			// Later hits resolve faster so completion order inverts.
			if strings.HasSuffix(entityID, "0") {
				time.Sleep(10 * time.Millisecond)
			}
			return expandFromIDs(ctx, entityID, interactionID)
		},
	}
	c := newTestCorrelator(t, gw, nil)

	hits := makeHits(4)
	records, _, err := c.Expand(context.Background(), hits)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	want := map[string]bool{}
	for _, h := range hits {
		want[h.EntityID+"/"+h.InteractionID] = true
	}
	for _, rec := range records {
		key := rec.Entity.ID + "/" + rec.Interaction.ID
		if !want[key] {
			t.Errorf("unexpected record %s", key)
		}
		delete(want, key)
	}
	if len(want) != 0 {
		t.Errorf("missing records for hits: %v", want)
	}
}

// Test: cancellation is the correlator's only error return.
func TestCorrelator_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gw := &storetest.Gateway{
		ExpandHitFunc: func(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := newTestCorrelator(t, gw, nil)

	time.AfterFunc(10*time.Millisecond, cancel)

	records, skipped, err := c.Expand(ctx, makeHits(2))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if records != nil || skipped != nil {
		t.Error("cancelled expand should not return partial results")
	}
}

func TestCorrelator_EmptyInput(t *testing.T) {
	c := newTestCorrelator(t, &storetest.Gateway{}, nil)

	records, skipped, err := c.Expand(context.Background(), nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if records != nil || skipped != nil {
		t.Errorf("expected empty results, got %d records and %d skips", len(records), len(skipped))
	}
}
