// Package sqlite provides a SQLite implementation of the store gateway.
package sqlite

// Schema contains the SQL statements to create the database schema.
// The primary tables (entities, entity_keys, facets, interactions,
// definitions) are strongly consistent; index_entries models the secondary
// search index, with an indexed_at column that makes each row visible only
// after a configurable delay.
const Schema = `
-- Entities table: identity and timestamps; everything else hangs off it
CREATE TABLE IF NOT EXISTS entities (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

-- External keys: each (namespace, value) pair identifies at most one entity
CREATE TABLE IF NOT EXISTS entity_keys (
    namespace  TEXT NOT NULL,
    key_value  TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,

    PRIMARY KEY (namespace, key_value),
    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

-- Facets: named JSON documents attached to an entity; updates replace a
-- named facet wholesale
CREATE TABLE IF NOT EXISTS facets (
    entity_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    data       TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,

    PRIMARY KEY (entity_id, name),
    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

-- Interactions: immutable events appended to an entity
CREATE TABLE IF NOT EXISTS interactions (
    id             TEXT PRIMARY KEY,
    entity_id      TEXT NOT NULL,
    ts             TIMESTAMP NOT NULL,
    channel        TEXT NOT NULL,
    event          TEXT NOT NULL,
    context_facets TEXT,

    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

-- Search index projection: one row per indexed interaction. Rows become
-- visible to SearchIndex only once indexed_at has passed, which is how the
-- gateway emulates index lag. No foreign key: the index is a projection,
-- not authoritative data.
CREATE TABLE IF NOT EXISTS index_entries (
    interaction_id TEXT PRIMARY KEY,
    entity_id      TEXT NOT NULL,
    ts             TIMESTAMP NOT NULL,
    channel        TEXT NOT NULL,
    event          TEXT NOT NULL,
    indexed_at     TIMESTAMP NOT NULL
);

-- Definitions: shared reference items, at most one per (type, key)
CREATE TABLE IF NOT EXISTS definitions (
    id           TEXT PRIMARY KEY,
    def_type     TEXT NOT NULL,
    def_key      TEXT NOT NULL,
    display_name TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL,

    UNIQUE (def_type, def_key)
);

-- Key resolution and cascade cleanup
CREATE INDEX IF NOT EXISTS idx_entity_keys_entity ON entity_keys(entity_id);

-- Interaction range queries per entity
CREATE INDEX IF NOT EXISTS idx_interactions_entity_ts ON interactions(entity_id, ts);

-- Index visibility and time-window scans
CREATE INDEX IF NOT EXISTS idx_index_entries_visible ON index_entries(indexed_at);
CREATE INDEX IF NOT EXISTS idx_index_entries_entity_ts ON index_entries(entity_id, ts);
`
