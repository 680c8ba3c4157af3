package sqlite

// Schema contains the SQL statements that create the SQLite schema.
// It is applied once at store-open time; ALTER-style migrations for later
// schema changes belong in internal/storage/migrations.go-managed files,
// not here.
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
    tags TEXT,
    metadata TEXT,

    embedding_status TEXT NOT NULL DEFAULT 'pending',
    enrichment_attempts INTEGER NOT NULL DEFAULT 0,
    enrichment_error TEXT,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    enriched_at TIMESTAMP,

    summary TEXT,
    keywords TEXT,
    related_entities TEXT,

    importance INTEGER NOT NULL DEFAULT 5,
    confidence REAL NOT NULL DEFAULT 1.0,
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP,

    decay_score REAL NOT NULL DEFAULT 1.0,
    decay_updated_at TIMESTAMP,
    access_since_evolution INTEGER NOT NULL DEFAULT 0,

    archived INTEGER NOT NULL DEFAULT 0,
    superseded_by TEXT,
    deleted_at TIMESTAMP,

    created_by TEXT,
    session_id TEXT,
    source_context TEXT,

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

-- Full-text index over content, kept in sync via triggers below.
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    id UNINDEXED,
    content,
    tags,
    keywords,
    content='',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, id, content, tags, keywords)
    VALUES (new.rowid, new.id, new.content, COALESCE(new.tags, ''), COALESCE(new.keywords, ''));
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, id, content, tags, keywords)
    VALUES ('delete', old.rowid, old.id, old.content, COALESCE(old.tags, ''), COALESCE(old.keywords, ''));
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, id, content, tags, keywords)
    VALUES ('delete', old.rowid, old.id, old.content, COALESCE(old.tags, ''), COALESCE(old.keywords, ''));
    INSERT INTO memories_fts(rowid, id, content, tags, keywords)
    VALUES (new.rowid, new.id, new.content, COALESCE(new.tags, ''), COALESCE(new.keywords, ''));
END;

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
    embedding BLOB NOT NULL,
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

    result BLOB,
    error TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    context_blob BLOB
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
    payload TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`
