package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/driftline/converge/internal/store"
	"github.com/driftline/converge/pkg/types"
)

var _ store.Gateway = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// IndexDelay is how long a freshly written index entry stays invisible
	// to SearchIndex. Zero makes the index immediately consistent.
	IndexDelay time.Duration

	// Clock overrides time.Now. Tests use it to step index visibility
	// deterministically.
	Clock func() time.Time
}

func (o *Options) normalize() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IndexDelay < 0 {
		o.IndexDelay = 0
	}
}

// Store implements store.Gateway on a local SQLite database. Writes land in
// the primary tables immediately; the index_entries projection becomes
// visible only after Options.IndexDelay, so the gateway exhibits the same
// search-after-write lag a remote store with a secondary index does.
type Store struct {
	db         *sql.DB
	indexDelay time.Duration
	clock      func() time.Time
}

// New opens (or creates) the SQLite database at dsn and prepares the
// schema. Use ":memory:" for an ephemeral store.
func New(dsn string, opts Options) (*Store, error) {
	opts.normalize()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode lets readers proceed without blocking the
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{
		db:         db,
		indexDelay: opts.IndexDelay,
		clock:      opts.Clock,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetByID retrieves an entity by its identifier. Interactions are not
// loaded; use GetByKey with GetOptions for those.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", store.ErrInvalidInput)
	}
	return s.loadEntity(ctx, s.db, id)
}

// GetByKey resolves an external key to its entity.
func (s *Store) GetByKey(ctx context.Context, key types.Key, opts store.GetOptions) (*types.Entity, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id FROM entity_keys WHERE namespace = ? AND key_value = ?`,
		key.Namespace, key.Value,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("key %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.NewTransportError("get_by_key", err)
	}

	entity, err := s.loadEntity(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	if opts.IncludeInteractions {
		entity.Interactions, err = s.loadInteractions(ctx, id, opts.From, opts.To)
		if err != nil {
			return nil, err
		}
	}
	return entity, nil
}

// CreateBatch creates the given entities, one transaction per spec so that
// siblings succeed independently. A spec whose external key is already
// taken yields a CreateResult with ErrConflict.
func (s *Store) CreateBatch(ctx context.Context, specs []types.EntitySpec) ([]store.CreateResult, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", store.ErrInvalidInput)
	}

	results := make([]store.CreateResult, len(specs))
	for i, spec := range specs {
		id, err := s.createOne(ctx, spec)
		if err != nil && store.IsTransport(err) {
			return nil, err
		}
		results[i] = store.CreateResult{EntityID: id, Err: err}
	}
	return results, nil
}

func (s *Store) createOne(ctx context.Context, spec types.EntitySpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", store.NewTransportError("create_batch", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := s.clock().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now, now,
	); err != nil {
		return "", store.NewTransportError("create_batch", err)
	}

	for _, key := range spec.Keys {
		// ON CONFLICT DO NOTHING + RowsAffected detects a taken key
		// without driver-specific error codes.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO entity_keys (namespace, key_value, entity_id, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (namespace, key_value) DO NOTHING`,
			key.Namespace, key.Value, id, now,
		)
		if err != nil {
			return "", store.NewTransportError("create_batch", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", store.NewTransportError("create_batch", err)
		}
		if n == 0 {
			return "", fmt.Errorf("key %s: %w", key, store.ErrConflict)
		}
	}

	if err := upsertFacets(ctx, tx, id, spec.Facets, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", store.NewTransportError("create_batch", err)
	}
	return id, nil
}

// UpdateFacets replaces each named facet in the patch wholesale, leaving
// facets not named untouched, and returns the updated entity.
func (s *Store) UpdateFacets(ctx context.Context, id string, patch map[string]types.FacetData) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.NewTransportError("update_facets", err)
	}
	defer tx.Rollback()

	now := s.clock().UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE entities SET updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return nil, store.NewTransportError("update_facets", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, store.NewTransportError("update_facets", err)
	} else if n == 0 {
		return nil, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}

	if err := upsertFacets(ctx, tx, id, patch, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, store.NewTransportError("update_facets", err)
	}
	return s.loadEntity(ctx, s.db, id)
}

// RegisterInteraction appends an interaction to the entity and projects it
// into the search index with delayed visibility.
func (s *Store) RegisterInteraction(ctx context.Context, id string, in types.Interaction) (*types.Interaction, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", store.ErrInvalidInput)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	stored := in.Normalize()
	stored.ID = uuid.NewString()
	stored.EntityID = id
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.clock().UTC()
	}

	var contextJSON []byte
	if len(stored.ContextFacets) > 0 {
		var err error
		contextJSON, err = json.Marshal(stored.ContextFacets)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to marshal context facets: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.NewTransportError("register_interaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.NewTransportError("register_interaction", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (id, entity_id, ts, channel, event, context_facets)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, id, stored.Timestamp, stored.Channel, stored.Event, nullableBytes(contextJSON),
	); err != nil {
		return nil, store.NewTransportError("register_interaction", err)
	}

	// The index entry exists immediately but stays invisible until
	// indexed_at passes, emulating index processing lag.
	indexedAt := s.clock().Add(s.indexDelay).UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_entries (interaction_id, entity_id, ts, channel, event, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, id, stored.Timestamp, stored.Channel, stored.Event, indexedAt,
	); err != nil {
		return nil, store.NewTransportError("register_interaction", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET updated_at = ? WHERE id = ?`, s.clock().UTC(), id,
	); err != nil {
		return nil, store.NewTransportError("register_interaction", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, store.NewTransportError("register_interaction", err)
	}
	return &stored, nil
}

// DeleteBatch deletes the given entities. Each id is its own transaction;
// an unknown id yields a DeleteResult with ErrNotFound while siblings
// proceed. Index entries for a deleted entity are purged in the same
// transaction, so hits already handed out may dangle; ExpandHit reports
// those as ErrNotFound.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) ([]store.DeleteResult, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty batch", store.ErrInvalidInput)
	}

	results := make([]store.DeleteResult, len(ids))
	for i, id := range ids {
		err := s.deleteOne(ctx, id)
		if err != nil && store.IsTransport(err) {
			return nil, err
		}
		results[i] = store.DeleteResult{EntityID: id, Err: err}
	}
	return results, nil
}

func (s *Store) deleteOne(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: entity ID is required", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewTransportError("delete_batch", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return store.NewTransportError("delete_batch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.NewTransportError("delete_batch", err)
	}
	if n == 0 {
		return fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries WHERE entity_id = ?`, id); err != nil {
		return store.NewTransportError("delete_batch", err)
	}

	if err := tx.Commit(); err != nil {
		return store.NewTransportError("delete_batch", err)
	}
	return nil
}

// SearchIndex queries the index projection. Only entries whose indexed_at
// has passed are visible, so results lag recent writes by IndexDelay.
func (s *Store) SearchIndex(ctx context.Context, q store.IndexQuery) ([]types.IndexHit, error) {
	q.Normalize()
	visible := s.clock().UTC()

	// Shared filter tail; the select head differs for inactive-entity
	// queries, which aggregate to one hit per entity.
	where := ` WHERE indexed_at <= ?`
	args := []any{visible}

	if q.Channel != "" {
		where += ` AND channel = ?`
		args = append(args, q.Channel)
	}
	if q.Event != "" {
		where += ` AND event = ?`
		args = append(args, q.Event)
	}

	var query string
	if q.InactiveSince != nil {
		// SQLite's bare-column semantics pin entity_id and interaction_id
		// to the MAX(ts) row, so each hit carries the entity's latest
		// visible interaction.
		query = `SELECT entity_id, interaction_id, MAX(ts) AS ts FROM index_entries` + where +
			` GROUP BY entity_id HAVING MAX(ts) <= ?`
		args = append(args, *q.InactiveSince)
		if q.From != nil {
			query += ` AND MAX(ts) >= ?`
			args = append(args, *q.From)
		}
		if q.To != nil {
			query += ` AND MAX(ts) <= ?`
			args = append(args, *q.To)
		}
	} else {
		query = `SELECT entity_id, interaction_id, ts FROM index_entries` + where
		if q.From != nil && q.To != nil {
			query += ` AND ts BETWEEN ? AND ?`
			args = append(args, *q.From, *q.To)
		} else if q.From != nil {
			query += ` AND ts >= ?`
			args = append(args, *q.From)
		} else if q.To != nil {
			query += ` AND ts <= ?`
			args = append(args, *q.To)
		}
	}

	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewTransportError("search_index", err)
	}
	defer rows.Close()

	var hits []types.IndexHit
	for rows.Next() {
		var hit types.IndexHit
		var ts time.Time
		if err := rows.Scan(&hit.EntityID, &hit.InteractionID, &ts); err != nil {
			return nil, store.NewTransportError("search_index", err)
		}
		hit.Timestamp = ts.UTC()
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewTransportError("search_index", err)
	}
	return hits, nil
}

// ExpandHit resolves an index hit against the primary tables. A hit whose
// interaction or entity has been deleted since indexing yields ErrNotFound.
func (s *Store) ExpandHit(ctx context.Context, entityID, interactionID string) (*types.ExpandedRecord, error) {
	if entityID == "" || interactionID == "" {
		return nil, fmt.Errorf("%w: entity and interaction IDs are required", store.ErrInvalidInput)
	}

	var (
		in          types.Interaction
		ts          time.Time
		contextJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, entity_id, ts, channel, event, context_facets
		 FROM interactions WHERE id = ? AND entity_id = ?`,
		interactionID, entityID,
	).Scan(&in.ID, &in.EntityID, &ts, &in.Channel, &in.Event, &contextJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("interaction %s: %w", interactionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.NewTransportError("expand_hit", err)
	}
	in.Timestamp = ts.UTC()
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &in.ContextFacets); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal context facets: %w", err)
		}
	}

	entity, err := s.loadEntity(ctx, s.db, entityID)
	if err != nil {
		return nil, err
	}
	return &types.ExpandedRecord{Entity: *entity, Interaction: in}, nil
}

// GetOrCreateDefinition returns the definition for (defType, key), creating
// it if absent. ON CONFLICT DO NOTHING plus the follow-up read makes the
// operation atomic under concurrent callers; the first writer's display
// name wins.
func (s *Store) GetOrCreateDefinition(ctx context.Context, defType types.DefinitionType, key, displayName string) (*types.Definition, error) {
	def := types.Definition{
		ID:          uuid.NewString(),
		Type:        defType,
		Key:         key,
		DisplayName: displayName,
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, def_type, def_key, display_name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (def_type, def_key) DO NOTHING`,
		def.ID, string(defType), key, displayName, s.clock().UTC(),
	); err != nil {
		return nil, store.NewTransportError("get_or_create_definition", err)
	}

	var got types.Definition
	var gotType string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, def_type, def_key, display_name FROM definitions
		 WHERE def_type = ? AND def_key = ?`,
		string(defType), key,
	).Scan(&got.ID, &gotType, &got.Key, &got.DisplayName)
	if err != nil {
		return nil, store.NewTransportError("get_or_create_definition", err)
	}
	got.Type = types.DefinitionType(gotType)
	return &got, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadEntity(ctx context.Context, q querier, id string) (*types.Entity, error) {
	var entity types.Entity
	var createdAt, updatedAt time.Time

	err := q.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM entities WHERE id = ?`, id,
	).Scan(&entity.ID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, store.NewTransportError("get_by_id", err)
	}
	entity.CreatedAt = createdAt.UTC()
	entity.UpdatedAt = updatedAt.UTC()

	rows, err := q.QueryContext(ctx,
		`SELECT namespace, key_value FROM entity_keys WHERE entity_id = ? ORDER BY namespace, key_value`, id)
	if err != nil {
		return nil, store.NewTransportError("get_by_id", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key types.Key
		if err := rows.Scan(&key.Namespace, &key.Value); err != nil {
			return nil, store.NewTransportError("get_by_id", err)
		}
		entity.Keys = append(entity.Keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewTransportError("get_by_id", err)
	}

	facetRows, err := q.QueryContext(ctx,
		`SELECT name, data FROM facets WHERE entity_id = ?`, id)
	if err != nil {
		return nil, store.NewTransportError("get_by_id", err)
	}
	defer facetRows.Close()
	for facetRows.Next() {
		var name, data string
		if err := facetRows.Scan(&name, &data); err != nil {
			return nil, store.NewTransportError("get_by_id", err)
		}
		var facet types.FacetData
		if err := json.Unmarshal([]byte(data), &facet); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal facet %s: %w", name, err)
		}
		if entity.Facets == nil {
			entity.Facets = make(map[string]types.FacetData)
		}
		entity.Facets[name] = facet
	}
	if err := facetRows.Err(); err != nil {
		return nil, store.NewTransportError("get_by_id", err)
	}

	return &entity, nil
}

// loadInteractions returns the entity's interactions within the inclusive
// range [from, to], ordered by timestamp. Zero bounds leave that side open.
func (s *Store) loadInteractions(ctx context.Context, entityID string, from, to time.Time) ([]types.Interaction, error) {
	query := `SELECT id, entity_id, ts, channel, event, context_facets FROM interactions WHERE entity_id = ?`
	args := []any{entityID}

	if !from.IsZero() && !to.IsZero() {
		query += ` AND ts BETWEEN ? AND ?`
		args = append(args, from.UTC(), to.UTC())
	} else if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UTC())
	} else if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UTC())
	}
	query += ` ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewTransportError("get_by_key", err)
	}
	defer rows.Close()

	var ins []types.Interaction
	for rows.Next() {
		var in types.Interaction
		var ts time.Time
		var contextJSON sql.NullString
		if err := rows.Scan(&in.ID, &in.EntityID, &ts, &in.Channel, &in.Event, &contextJSON); err != nil {
			return nil, store.NewTransportError("get_by_key", err)
		}
		in.Timestamp = ts.UTC()
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &in.ContextFacets); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal context facets: %w", err)
			}
		}
		ins = append(ins, in)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewTransportError("get_by_key", err)
	}
	return ins, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertFacets(ctx context.Context, e execer, entityID string, facets map[string]types.FacetData, now time.Time) error {
	for name, data := range facets {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal facet %s: %w", name, err)
		}
		if _, err := e.ExecContext(ctx,
			`INSERT INTO facets (entity_id, name, data, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (entity_id, name) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at`,
			entityID, name, string(payload), now,
		); err != nil {
			return store.NewTransportError("upsert_facets", err)
		}
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
