package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

// newTestStore creates an in-memory store with an immediately consistent
// index. Tests that exercise index lag build their own store with a fake
// clock and a non-zero IndexDelay.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", Options{})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock is a manually advanced clock for visibility-delay tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustCreate(t *testing.T, s *Store, spec types.EntitySpec) string {
	t.Helper()
	results, err := s.CreateBatch(context.Background(), []types.EntitySpec{spec})
	if err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("CreateBatch() item failed: %v", results[0].Err)
	}
	return results[0].EntityID
}

func TestCreateBatchAndGetByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := types.Key{Namespace: "email", Value: "ada@example.com"}
	spec := types.EntitySpec{
		Keys: []types.Key{key},
		Facets: map[string]types.FacetData{
			types.FacetPersonal: {"first_name": "Ada", "last_name": "Lovelace"},
		},
	}

	id := mustCreate(t, s, spec)
	if id == "" {
		t.Fatal("CreateBatch() returned empty entity ID")
	}

	got, err := s.GetByKey(ctx, key, store.GetOptions{})
	if err != nil {
		t.Fatalf("GetByKey() failed: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID: got %q, want %q", got.ID, id)
	}
	if !got.HasKey(key) {
		t.Errorf("entity is missing key %s", key)
	}
	personal, ok := got.Facet(types.FacetPersonal)
	if !ok {
		t.Fatal("entity is missing personal facet")
	}
	if personal["first_name"] != "Ada" {
		t.Errorf("first_name: got %v, want %q", personal["first_name"], "Ada")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not populated")
	}
}

func TestCreateBatchConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := types.Key{Namespace: "email", Value: "taken@example.com"}
	original := mustCreate(t, s, types.EntitySpec{Keys: []types.Key{key}})

	results, err := s.CreateBatch(ctx, []types.EntitySpec{
		{Keys: []types.Key{key}},
		{Keys: []types.Key{{Namespace: "email", Value: "fresh@example.com"}}},
	})
	if err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}

	if !errors.Is(results[0].Err, store.ErrConflict) {
		t.Errorf("duplicate key: got %v, want ErrConflict", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("sibling spec failed: %v", results[1].Err)
	}

	// The conflicting spec must not have created or replaced anything.
	got, err := s.GetByKey(ctx, key, store.GetOptions{})
	if err != nil {
		t.Fatalf("GetByKey() failed: %v", err)
	}
	if got.ID != original {
		t.Errorf("key now resolves to %q, want original %q", got.ID, original)
	}
}

func TestCreateBatchInvalidSpec(t *testing.T) {
	s := newTestStore(t)

	results, err := s.CreateBatch(context.Background(), []types.EntitySpec{
		{}, // no keys
		{Keys: []types.Key{{Namespace: "email", Value: "ok@example.com"}}},
	})
	if err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	if !errors.Is(results[0].Err, store.ErrInvalidInput) {
		t.Errorf("keyless spec: got %v, want ErrInvalidInput", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("sibling spec failed: %v", results[1].Err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), "no-such-entity")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateFacets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "grace@example.com"}},
		Facets: map[string]types.FacetData{
			types.FacetPersonal: {"first_name": "Grace", "nickname": "Amazing Grace"},
		},
	})

	// Adding a new facet leaves existing facets untouched.
	got, err := s.UpdateFacets(ctx, id, map[string]types.FacetData{
		types.FacetPreferences: {"letter_frequency": "weekly"},
	})
	if err != nil {
		t.Fatalf("UpdateFacets() failed: %v", err)
	}
	if _, ok := got.Facet(types.FacetPersonal); !ok {
		t.Error("personal facet lost by unrelated patch")
	}
	prefs, ok := got.Facet(types.FacetPreferences)
	if !ok {
		t.Fatal("preferences facet not added")
	}
	if prefs["letter_frequency"] != "weekly" {
		t.Errorf("letter_frequency: got %v, want %q", prefs["letter_frequency"], "weekly")
	}

	// Patching a facet replaces it wholesale: fields absent from the patch
	// are gone afterwards.
	got, err = s.UpdateFacets(ctx, id, map[string]types.FacetData{
		types.FacetPersonal: {"first_name": "Grace", "last_name": "Hopper"},
	})
	if err != nil {
		t.Fatalf("UpdateFacets() failed: %v", err)
	}
	personal, _ := got.Facet(types.FacetPersonal)
	if personal["last_name"] != "Hopper" {
		t.Errorf("last_name: got %v, want %q", personal["last_name"], "Hopper")
	}
	if _, stillThere := personal["nickname"]; stillThere {
		t.Error("nickname survived a wholesale facet replace")
	}
}

func TestUpdateFacetsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateFacets(context.Background(), "no-such-entity", map[string]types.FacetData{
		types.FacetPersonal: {"first_name": "Nobody"},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRegisterInteractionAndExpandHit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "visitor@example.com"}},
	})

	ts := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)
	in, err := s.RegisterInteraction(ctx, id, types.Interaction{
		Timestamp: ts,
		Channel:   "web",
		Event:     "page_view",
		ContextFacets: map[string]types.FacetData{
			"web_visit": {"user_agent": "test-agent"},
		},
	})
	if err != nil {
		t.Fatalf("RegisterInteraction() failed: %v", err)
	}
	if in.ID == "" {
		t.Fatal("interaction ID not assigned")
	}
	if in.EntityID != id {
		t.Errorf("EntityID: got %q, want %q", in.EntityID, id)
	}

	record, err := s.ExpandHit(ctx, id, in.ID)
	if err != nil {
		t.Fatalf("ExpandHit() failed: %v", err)
	}
	if record.Entity.ID != id {
		t.Errorf("expanded entity: got %q, want %q", record.Entity.ID, id)
	}
	if !record.Interaction.Timestamp.Equal(ts) {
		t.Errorf("timestamp: got %v, want %v", record.Interaction.Timestamp, ts)
	}
	visit, ok := record.Interaction.ContextFacets["web_visit"]
	if !ok {
		t.Fatal("context facets lost in round trip")
	}
	if visit["user_agent"] != "test-agent" {
		t.Errorf("user_agent: got %v, want %q", visit["user_agent"], "test-agent")
	}
}

func TestRegisterInteractionDefaultsTimestamp(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	s, err := New(":memory:", Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "now@example.com"}},
	})

	in, err := s.RegisterInteraction(context.Background(), id, types.Interaction{
		Channel: "web", Event: "page_view",
	})
	if err != nil {
		t.Fatalf("RegisterInteraction() failed: %v", err)
	}
	if !in.Timestamp.Equal(clock.Now()) {
		t.Errorf("defaulted timestamp: got %v, want %v", in.Timestamp, clock.Now())
	}
}

func TestRegisterInteractionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.RegisterInteraction(context.Background(), "no-such-entity", types.Interaction{
		Channel: "web", Event: "page_view",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteBatchPartialNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1 := mustCreate(t, s, types.EntitySpec{Keys: []types.Key{{Namespace: "email", Value: "a@example.com"}}})
	id2 := mustCreate(t, s, types.EntitySpec{Keys: []types.Key{{Namespace: "email", Value: "b@example.com"}}})

	results, err := s.DeleteBatch(ctx, []string{id1, "no-such-entity", id2})
	if err != nil {
		t.Fatalf("DeleteBatch() failed: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("existing entities failed to delete: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, store.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", results[1].Err)
	}

	if _, err := s.GetByID(ctx, id1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("entity %s survived deletion", id1)
	}
}

func TestSearchIndexVisibilityDelay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	s, err := New(":memory:", Options{IndexDelay: 5 * time.Minute, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "lagged@example.com"}},
	})
	in, err := s.RegisterInteraction(ctx, id, types.Interaction{Channel: "web", Event: "page_view"})
	if err != nil {
		t.Fatalf("RegisterInteraction() failed: %v", err)
	}

	// The write is durable immediately...
	if _, err := s.ExpandHit(ctx, id, in.ID); err != nil {
		t.Fatalf("ExpandHit() before visibility: %v", err)
	}

	// ...but the index does not reflect it yet.
	hits, err := s.SearchIndex(ctx, store.IndexQuery{})
	if err != nil {
		t.Fatalf("SearchIndex() failed: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("index visible too early: got %d hits", len(hits))
	}

	clock.Advance(5 * time.Minute)

	hits, err = s.SearchIndex(ctx, store.IndexQuery{})
	if err != nil {
		t.Fatalf("SearchIndex() failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits after delay, want 1", len(hits))
	}
	if hits[0].EntityID != id || hits[0].InteractionID != in.ID {
		t.Errorf("hit = %+v, want entity %q interaction %q", hits[0], id, in.ID)
	}
}

func TestSearchIndexWindowInclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "window@example.com"}},
	})

	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	for _, ts := range []time.Time{
		start.Add(-time.Second), // just before the window
		start,                   // exactly on the start bound
		end,                     // exactly on the end bound
		end.Add(time.Second),    // just after the window
	} {
		if _, err := s.RegisterInteraction(ctx, id, types.Interaction{
			Timestamp: ts, Channel: "web", Event: "page_view",
		}); err != nil {
			t.Fatalf("RegisterInteraction(%v) failed: %v", ts, err)
		}
	}

	hits, err := s.SearchIndex(ctx, store.IndexQuery{From: &start, To: &end})
	if err != nil {
		t.Fatalf("SearchIndex() failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2 (both bounds inclusive)", len(hits))
	}
	var haveStart, haveEnd bool
	for _, h := range hits {
		haveStart = haveStart || h.Timestamp.Equal(start)
		haveEnd = haveEnd || h.Timestamp.Equal(end)
	}
	if !haveStart || !haveEnd {
		t.Errorf("hit timestamps %v, want exactly the two bounds %v and %v", hits, start, end)
	}
}

func TestSearchIndexFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "filters@example.com"}},
	})

	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	events := []struct {
		channel, event string
	}{
		{"web", "page_view"},
		{"web", "purchase"},
		{"sms", "reply"},
	}
	for i, e := range events {
		if _, err := s.RegisterInteraction(ctx, id, types.Interaction{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Channel:   e.channel,
			Event:     e.event,
		}); err != nil {
			t.Fatalf("RegisterInteraction() failed: %v", err)
		}
	}

	tests := []struct {
		name  string
		query store.IndexQuery
		want  int
	}{
		{"no filter", store.IndexQuery{}, 3},
		{"channel", store.IndexQuery{Channel: "web"}, 2},
		{"event", store.IndexQuery{Event: "purchase"}, 1},
		{"channel and event", store.IndexQuery{Channel: "web", Event: "page_view"}, 1},
		{"no match", store.IndexQuery{Channel: "email"}, 0},
		{"limit", store.IndexQuery{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := s.SearchIndex(ctx, tt.query)
			if err != nil {
				t.Fatalf("SearchIndex() failed: %v", err)
			}
			if len(hits) != tt.want {
				t.Errorf("got %d hits, want %d", len(hits), tt.want)
			}
		})
	}
}

func TestSearchIndexInactiveSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := mustCreate(t, s, types.EntitySpec{Keys: []types.Key{{Namespace: "email", Value: "stale@example.com"}}})
	active := mustCreate(t, s, types.EntitySpec{Keys: []types.Key{{Namespace: "email", Value: "active@example.com"}}})

	old := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	older := old.Add(-24 * time.Hour)
	recent := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// The stale entity has two interactions, both before the cutoff.
	for _, ts := range []time.Time{older, old} {
		if _, err := s.RegisterInteraction(ctx, stale, types.Interaction{
			Timestamp: ts, Channel: "web", Event: "page_view",
		}); err != nil {
			t.Fatalf("RegisterInteraction() failed: %v", err)
		}
	}
	if _, err := s.RegisterInteraction(ctx, active, types.Interaction{
		Timestamp: recent, Channel: "web", Event: "page_view",
	}); err != nil {
		t.Fatalf("RegisterInteraction() failed: %v", err)
	}

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	hits, err := s.SearchIndex(ctx, store.IndexQuery{InactiveSince: &cutoff})
	if err != nil {
		t.Fatalf("SearchIndex() failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (only the stale entity)", len(hits))
	}
	if hits[0].EntityID != stale {
		t.Errorf("hit entity: got %q, want %q", hits[0].EntityID, stale)
	}
	// The hit carries the entity's latest interaction, not an arbitrary one.
	if !hits[0].Timestamp.Equal(old) {
		t.Errorf("hit timestamp: got %v, want latest %v", hits[0].Timestamp, old)
	}
}

func TestExpandHitAfterDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, types.EntitySpec{
		Keys: []types.Key{{Namespace: "email", Value: "doomed@example.com"}},
	})
	in, err := s.RegisterInteraction(ctx, id, types.Interaction{Channel: "web", Event: "page_view"})
	if err != nil {
		t.Fatalf("RegisterInteraction() failed: %v", err)
	}

	hits, err := s.SearchIndex(ctx, store.IndexQuery{})
	if err != nil || len(hits) != 1 {
		t.Fatalf("SearchIndex() = %v, %v; want 1 hit", hits, err)
	}

	if _, err := s.DeleteBatch(ctx, []string{id}); err != nil {
		t.Fatalf("DeleteBatch() failed: %v", err)
	}

	// The hit obtained before the delete now dangles.
	if _, err := s.ExpandHit(ctx, hits[0].EntityID, hits[0].InteractionID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale hit expansion: got %v, want ErrNotFound", err)
	}
	if _, err := s.ExpandHit(ctx, id, in.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted interaction expansion: got %v, want ErrNotFound", err)
	}

	// And the index no longer advertises the entity.
	hits, err = s.SearchIndex(ctx, store.IndexQuery{})
	if err != nil {
		t.Fatalf("SearchIndex() failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits after delete, want 0", len(hits))
	}
}

func TestGetByKeyInteractionRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := types.Key{Namespace: "email", Value: "range@example.com"}
	id := mustCreate(t, s, types.EntitySpec{Keys: []types.Key{key}})

	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	for _, ts := range []time.Time{
		start.Add(-time.Second), start, end, end.Add(time.Second),
	} {
		if _, err := s.RegisterInteraction(ctx, id, types.Interaction{
			Timestamp: ts, Channel: "web", Event: "page_view",
		}); err != nil {
			t.Fatalf("RegisterInteraction() failed: %v", err)
		}
	}

	got, err := s.GetByKey(ctx, key, store.GetOptions{
		IncludeInteractions: true,
		From:                start,
		To:                  end,
	})
	if err != nil {
		t.Fatalf("GetByKey() failed: %v", err)
	}
	if len(got.Interactions) != 2 {
		t.Fatalf("got %d interactions, want 2 (both bounds inclusive)", len(got.Interactions))
	}
	if !got.Interactions[0].Timestamp.Equal(start) || !got.Interactions[1].Timestamp.Equal(end) {
		t.Errorf("interactions %v, want the two bounds in order", got.Interactions)
	}
}

func TestGetOrCreateDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.GetOrCreateDefinition(ctx, types.DefinitionGoal, "newsletter_signup", "Newsletter Signup")
	if err != nil {
		t.Fatalf("GetOrCreateDefinition() failed: %v", err)
	}
	if def.ID == "" {
		t.Fatal("definition ID not assigned")
	}

	// A second call returns the existing definition; the first writer's
	// display name wins.
	again, err := s.GetOrCreateDefinition(ctx, types.DefinitionGoal, "newsletter_signup", "Different Name")
	if err != nil {
		t.Fatalf("GetOrCreateDefinition() failed: %v", err)
	}
	if again.ID != def.ID {
		t.Errorf("second call created a new definition: %q != %q", again.ID, def.ID)
	}
	if again.DisplayName != "Newsletter Signup" {
		t.Errorf("DisplayName: got %q, want %q", again.DisplayName, "Newsletter Signup")
	}
}

func TestGetOrCreateDefinitionConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			def, err := s.GetOrCreateDefinition(ctx, types.DefinitionChannel, "web", "Web")
			if err != nil {
				errs[slot] = err
				return
			}
			ids[slot] = def.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d saw definition %q, caller 0 saw %q", i, ids[i], ids[0])
		}
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM definitions WHERE def_type = ? AND def_key = ?`,
		string(types.DefinitionChannel), "web",
	).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("definition count = %d, want exactly 1", count)
	}
}

func TestGetOrCreateDefinitionInvalidType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOrCreateDefinition(context.Background(), "nonsense", "key", "Name")
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}
