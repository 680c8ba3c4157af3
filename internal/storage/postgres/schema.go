// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. It mirrors the SQLite schema column-for-column so that the two
// backends satisfy the same storage interfaces; the dialect differs (JSONB
// instead of TEXT blobs, TIMESTAMP instead of SQLite's loose affinity) but
// the shape does not.
const Schema = `
-- Memories table: core memory storage with async enrichment tracking and
-- namespace-scoped placement (global / project / session).
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    namespace TEXT NOT NULL DEFAULT 'global',
    timestamp TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'pending',

    kind TEXT,
    tags JSONB,
    metadata JSONB,

    embedding_status TEXT NOT NULL DEFAULT 'pending',
    enrichment_attempts INTEGER NOT NULL DEFAULT 0,
    enrichment_error TEXT,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    enriched_at TIMESTAMP,

    summary TEXT,
    keywords JSONB,
    related_entities JSONB,

    importance INTEGER NOT NULL DEFAULT 5,
    confidence REAL NOT NULL DEFAULT 1.0,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP,

    decay_score REAL NOT NULL DEFAULT 1.0,
    decay_updated_at TIMESTAMP,
    access_since_evolution INTEGER NOT NULL DEFAULT 0,

    archived BOOLEAN NOT NULL DEFAULT FALSE,
    superseded_by TEXT,
    deleted_at TIMESTAMP,

    created_by TEXT,
    session_id TEXT,
    source_context JSONB,

    content_hash TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
CREATE INDEX IF NOT EXISTS idx_memories_embedding_status ON memories(embedding_status);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
CREATE INDEX IF NOT EXISTS idx_memories_decay_score ON memories(decay_score DESC);
CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived);
CREATE INDEX IF NOT EXISTS idx_memories_deleted_at ON memories(deleted_at);
CREATE INDEX IF NOT EXISTS idx_memories_superseded_by ON memories(superseded_by);
CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash);
CREATE INDEX IF NOT EXISTS idx_memories_session_id ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_created_by ON memories(created_by);

-- Typed, directed links between memories (extends/contradicts/implements/
-- references/supersedes), per the five-kind closed enum.
CREATE TABLE IF NOT EXISTS memory_links (
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    strength REAL NOT NULL DEFAULT 0.5,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_reinforced_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (from_id, to_id, kind),
    CHECK (from_id != to_id)
);

CREATE INDEX IF NOT EXISTS idx_memory_links_from ON memory_links(from_id);
CREATE INDEX IF NOT EXISTS idx_memory_links_to ON memory_links(to_id);
CREATE INDEX IF NOT EXISTS idx_memory_links_kind ON memory_links(kind);
CREATE INDEX IF NOT EXISTS idx_memory_links_strength ON memory_links(strength);

-- Vector embeddings with dimension/model tracking, one row per memory.
CREATE TABLE IF NOT EXISTS embeddings (
    memory_id TEXT PRIMARY KEY,
    embedding BYTEA NOT NULL,
    dimension INTEGER NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

-- Work items delegated by the Actor Supervision Core.
CREATE TABLE IF NOT EXISTS work_items (
    id TEXT PRIMARY KEY,
    description TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT 'spec',
    priority INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'pending',
    assigned_agent TEXT,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,

    result BYTEA,
    error TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    context_blob BYTEA
);

CREATE INDEX IF NOT EXISTS idx_work_items_state ON work_items(state);
CREATE INDEX IF NOT EXISTS idx_work_items_assigned_agent ON work_items(assigned_agent);

-- Work item dependency edges (depends_on must complete before id is ready).
CREATE TABLE IF NOT EXISTS work_item_deps (
    work_item_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    PRIMARY KEY (work_item_id, depends_on_id),
    FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE,
    FOREIGN KEY (depends_on_id) REFERENCES work_items(id) ON DELETE CASCADE
);

-- Supervised actors (orchestrator/optimizer/reviewer/executor roles).
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    sub_role TEXT,
    state TEXT NOT NULL DEFAULT 'starting',
    error_count INTEGER NOT NULL DEFAULT 0,
    last_error_at TIMESTAMP,
    last_restart_at TIMESTAMP,
    restart_failures INTEGER NOT NULL DEFAULT 0,
    owner_id TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    last_heartbeat_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agents_role ON agents(role);
CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
CREATE INDEX IF NOT EXISTS idx_agents_owner_id ON agents(owner_id);

-- Append-only event log backing the state mirror.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    payload JSONB,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

-- Settings table: persistent key-value store for application configuration.
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// MigrationFTS contains SQL to add full-text search support to the memories
// table, using PostgreSQL's built-in tsvector/GIN index approach. Safe to
// run multiple times.
const MigrationFTS = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'memories' AND column_name = 'content_tsv'
    ) THEN
        ALTER TABLE memories ADD COLUMN content_tsv tsvector;
    END IF;
END
$$;

UPDATE memories SET content_tsv = to_tsvector('english', content) WHERE content_tsv IS NULL;

CREATE INDEX IF NOT EXISTS idx_memories_content_tsv ON memories USING GIN(content_tsv);

CREATE OR REPLACE FUNCTION memories_tsv_update()
RETURNS TRIGGER AS $$
BEGIN
    NEW.content_tsv := to_tsvector('english', COALESCE(NEW.content, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS memories_tsv_trigger ON memories;
CREATE TRIGGER memories_tsv_trigger
    BEFORE INSERT OR UPDATE OF content
    ON memories
    FOR EACH ROW
    EXECUTE FUNCTION memories_tsv_update();
`

// MigrationPgvector contains SQL to add pgvector support to the embeddings
// table. Only applied when the vector extension is available. Safe to run
// multiple times.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'embeddings' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE embeddings ADD COLUMN embedding_vec vector;
    END IF;
END
$$;

-- Lists = 100 is a good default for up to ~1M vectors; tune upward for
-- larger datasets. Created CONCURRENTLY so it won't block reads on existing
-- data. ivfflat requires at least one row, hence the guard.
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_embeddings_vec_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM embeddings LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_embeddings_vec_cosine ON embeddings USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
