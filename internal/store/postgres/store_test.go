package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/internal/store/postgres"
	"github.com/driftline/converge/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
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

// newTestStore connects to the test database with the given options and
// truncates all tables so each test starts clean.
func newTestStore(t *testing.T, opts postgres.Options) *postgres.Store {
	t.Helper()

	s, err := postgres.New(postgresTestDSN(t), opts)
	require.NoError(t, err, "postgres.New should succeed")
	require.NoError(t, s.TruncateForTest(context.Background()), "truncate")

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *postgres.Store, key types.Key) string {
	t.Helper()
	results, err := s.CreateBatch(context.Background(), []types.EntitySpec{
		{Keys: []types.Key{key}},
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	return results[0].EntityID
}

func TestCreateConflictAndRoundTrip(t *testing.T) {
	s := newTestStore(t, postgres.Options{})
	ctx := context.Background()

	key := types.Key{Namespace: "email", Value: "ada@example.com"}
	results, err := s.CreateBatch(ctx, []types.EntitySpec{{
		Keys: []types.Key{key},
		Facets: map[string]types.FacetData{
			types.FacetPersonal: {"first_name": "Ada"},
		},
	}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	id := results[0].EntityID

	// Same key again: Conflict for that spec, sibling proceeds.
	results, err = s.CreateBatch(ctx, []types.EntitySpec{
		{Keys: []types.Key{key}},
		{Keys: []types.Key{{Namespace: "email", Value: "fresh@example.com"}}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, store.ErrConflict)
	assert.NoError(t, results[1].Err)

	got, err := s.GetByKey(ctx, key, store.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, id, got.ID, "key must still resolve to the original entity")
	personal, ok := got.Facet(types.FacetPersonal)
	require.True(t, ok, "personal facet should round-trip")
	assert.Equal(t, "Ada", personal["first_name"])
}

func TestUpdateFacetsWholesaleReplace(t *testing.T) {
	s := newTestStore(t, postgres.Options{})
	ctx := context.Background()

	key := types.Key{Namespace: "email", Value: "grace@example.com"}
	results, err := s.CreateBatch(ctx, []types.EntitySpec{{
		Keys: []types.Key{key},
		Facets: map[string]types.FacetData{
			types.FacetPersonal: {"first_name": "Grace", "nickname": "Amazing Grace"},
		},
	}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	got, err := s.UpdateFacets(ctx, results[0].EntityID, map[string]types.FacetData{
		types.FacetPersonal: {"first_name": "Grace", "last_name": "Hopper"},
	})
	require.NoError(t, err)

	personal, ok := got.Facet(types.FacetPersonal)
	require.True(t, ok)
	assert.Equal(t, "Hopper", personal["last_name"])
	assert.NotContains(t, personal, "nickname", "replace must be wholesale")
}

func TestSearchIndexVisibilityDelay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	s := newTestStore(t, postgres.Options{IndexDelay: 5 * time.Minute, Clock: clock.Now})
	ctx := context.Background()

	id := mustCreate(t, s, types.Key{Namespace: "email", Value: "lagged@example.com"})
	in, err := s.RegisterInteraction(ctx, id, types.Interaction{Channel: "web", Event: "page_view"})
	require.NoError(t, err)

	// Durable immediately, invisible to the index until the delay passes.
	_, err = s.ExpandHit(ctx, id, in.ID)
	require.NoError(t, err)

	hits, err := s.SearchIndex(ctx, store.IndexQuery{})
	require.NoError(t, err)
	assert.Empty(t, hits, "index should lag the write")

	clock.Advance(5 * time.Minute)

	hits, err = s.SearchIndex(ctx, store.IndexQuery{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].EntityID)
	assert.Equal(t, in.ID, hits[0].InteractionID)
}

func TestSearchIndexWindowInclusive(t *testing.T) {
	s := newTestStore(t, postgres.Options{})
	ctx := context.Background()

	id := mustCreate(t, s, types.Key{Namespace: "email", Value: "window@example.com"})

	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	for _, ts := range []time.Time{
		start.Add(-time.Second), start, end, end.Add(time.Second),
	} {
		_, err := s.RegisterInteraction(ctx, id, types.Interaction{
			Timestamp: ts, Channel: "web", Event: "page_view",
		})
		require.NoError(t, err)
	}

	hits, err := s.SearchIndex(ctx, store.IndexQuery{From: &start, To: &end})
	require.NoError(t, err)
	require.Len(t, hits, 2, "both bounds are inclusive")

	var haveStart, haveEnd bool
	for _, h := range hits {
		haveStart = haveStart || h.Timestamp.Equal(start)
		haveEnd = haveEnd || h.Timestamp.Equal(end)
	}
	assert.True(t, haveStart && haveEnd, "hits should be exactly the two bounds, got %v", hits)
}

func TestSearchIndexInactiveSince(t *testing.T) {
	s := newTestStore(t, postgres.Options{})
	ctx := context.Background()

	stale := mustCreate(t, s, types.Key{Namespace: "email", Value: "stale@example.com"})
	active := mustCreate(t, s, types.Key{Namespace: "email", Value: "active@example.com"})

	old := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{old.Add(-24 * time.Hour), old} {
		_, err := s.RegisterInteraction(ctx, stale, types.Interaction{
			Timestamp: ts, Channel: "web", Event: "page_view",
		})
		require.NoError(t, err)
	}
	_, err := s.RegisterInteraction(ctx, active, types.Interaction{
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), Channel: "web", Event: "page_view",
	})
	require.NoError(t, err)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	hits, err := s.SearchIndex(ctx, store.IndexQuery{InactiveSince: &cutoff})
	require.NoError(t, err)
	require.Len(t, hits, 1, "only the stale entity should match")
	assert.Equal(t, stale, hits[0].EntityID)
	assert.True(t, hits[0].Timestamp.Equal(old), "hit should carry the latest interaction")
}

func TestDeleteBatchAndDanglingHit(t *testing.T) {
	s := newTestStore(t, postgres.Options{})
	ctx := context.Background()

	id := mustCreate(t, s, types.Key{Namespace: "email", Value: "doomed@example.com"})
	in, err := s.RegisterInteraction(ctx, id, types.Interaction{Channel: "web", Event: "page_view"})
	require.NoError(t, err)

	results, err := s.DeleteBatch(ctx, []string{id, "no-such-entity"})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, store.ErrNotFound)

	_, err = s.ExpandHit(ctx, id, in.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "hit obtained before the delete now dangles")
}

func TestGetOrCreateDefinitionConcurrent(t *testing.T) {
	s := newTestStore(t, postgres.Options{})
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			def, err := s.GetOrCreateDefinition(ctx, types.DefinitionGoal, "newsletter_signup", "Newsletter Signup")
			if err != nil {
				errs[slot] = err
				return
			}
			ids[slot] = def.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, ids[0], ids[i], "all callers must observe the same definition")
	}
}
