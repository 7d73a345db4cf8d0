// Package postgres provides a PostgreSQL implementation of the store
// gateway.
package postgres

// Schema contains the SQL statements to create the database schema.
// All statements are idempotent (IF NOT EXISTS) so the schema can be
// re-applied on every startup. The layout mirrors the SQLite gateway:
// strongly consistent primary tables plus an index_entries projection whose
// rows become visible only after indexed_at has passed.
const Schema = `
-- Entities table: identity and timestamps; everything else hangs off it
CREATE TABLE IF NOT EXISTS entities (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

-- External keys: each (namespace, value) pair identifies at most one entity
CREATE TABLE IF NOT EXISTS entity_keys (
    namespace  TEXT NOT NULL,
    key_value  TEXT NOT NULL,
    entity_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL,

    PRIMARY KEY (namespace, key_value)
);

-- Facets: named JSON documents attached to an entity
CREATE TABLE IF NOT EXISTS facets (
    entity_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,

    PRIMARY KEY (entity_id, name)
);

-- Interactions: immutable events appended to an entity
CREATE TABLE IF NOT EXISTS interactions (
    id             TEXT PRIMARY KEY,
    entity_id      TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    ts             TIMESTAMPTZ NOT NULL,
    channel        TEXT NOT NULL,
    event          TEXT NOT NULL,
    context_facets JSONB
);

-- Search index projection: deliberately no foreign key, the index is not
-- authoritative data
CREATE TABLE IF NOT EXISTS index_entries (
    interaction_id TEXT PRIMARY KEY,
    entity_id      TEXT NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    channel        TEXT NOT NULL,
    event          TEXT NOT NULL,
    indexed_at     TIMESTAMPTZ NOT NULL
);

-- Definitions: shared reference items, at most one per (type, key)
CREATE TABLE IF NOT EXISTS definitions (
    id           TEXT PRIMARY KEY,
    def_type     TEXT NOT NULL,
    def_key      TEXT NOT NULL,
    display_name TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,

    UNIQUE (def_type, def_key)
);

-- Key resolution and cascade cleanup
CREATE INDEX IF NOT EXISTS idx_entity_keys_entity ON entity_keys(entity_id);

-- Interaction range queries per entity
CREATE INDEX IF NOT EXISTS idx_interactions_entity_ts ON interactions(entity_id, ts);

-- Index visibility and time-window scans
CREATE INDEX IF NOT EXISTS idx_index_entries_visible ON index_entries(indexed_at);
CREATE INDEX IF NOT EXISTS idx_index_entries_entity_ts ON index_entries(entity_id, ts DESC);
`
