package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// RunMigrations applies all pending database migrations from the given directory.
// This is the recommended way to initialize the schema when using migrations
// instead of the embedded Schema constant.
func (s *MemoryStore) RunMigrations(migrationsDir string) error {
	mgr, err := storage.NewMigrationManager(s.db, migrationsDir)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	defer mgr.Close()

	if err := mgr.Up(); err != nil {
		return fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return nil
}

// MemoryStore implements storage.MemoryStore, storage.LinkStore,
// storage.WorkItemStore, storage.AgentStore, and storage.EventStore using
// SQLite. A single struct backs all five interfaces since they share one
// connection and transaction boundary.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore creates a new SQLite memory store with WAL self-healing.
// If the initial open fails due to stale WAL files (left behind by a crashed
// process), it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func NewMemoryStore(dsn string) (*MemoryStore, error) {
	store, err := openMemoryStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openMemoryStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

// openMemoryStore opens a SQLite database, configures WAL mode, and creates the schema.
func openMemoryStore(dsn string) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode allows concurrent readers to proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // Connections live for the lifetime of the store.

	// Enable WAL mode for better read concurrency (readers don't block writers).
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout so that callers wait instead of getting an immediate
	// SQLITE_BUSY error when the connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Create schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &MemoryStore{db: db}, nil
}

// maxSourceContextBytes is the maximum allowed serialized size of SourceContext.
const maxSourceContextBytes = 4096

// Store creates or updates a memory (upsert semantics). Content is
// deduplicated within a namespace by ContentHash: storing identical content
// against an existing, non-archived memory in the same namespace updates
// that memory's access metadata rather than creating a duplicate row.
func (s *MemoryStore) Store(ctx context.Context, memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}

	if memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	if memory.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}

	if len(memory.Content) > types.MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", storage.ErrInvalidInput, types.MaxContentBytes)
	}

	memory.ContentHash = fmt.Sprintf("%x", sha256.Sum256([]byte(memory.Content)))

	namespaceKey := memory.Namespace.String()

	if dupID, err := s.findDuplicate(ctx, namespaceKey, memory.ContentHash, memory.ID); err == nil && dupID != "" {
		return s.IncrementAccessCount(ctx, dupID)
	}

	var (
		metadataJSON, tagsJSON, keywordsJSON, relatedEntitiesJSON []byte
		err                                                       error
	)

	if memory.Metadata != nil {
		metadataJSON, err = json.Marshal(memory.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if len(memory.Tags) > 0 {
		tagsJSON, err = json.Marshal(memory.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
	}

	if len(memory.Keywords) > 0 {
		keywordsJSON, err = json.Marshal(memory.Keywords)
		if err != nil {
			return fmt.Errorf("failed to marshal keywords: %w", err)
		}
	}

	if len(memory.RelatedEntities) > 0 {
		relatedEntitiesJSON, err = json.Marshal(memory.RelatedEntities)
		if err != nil {
			return fmt.Errorf("failed to marshal related_entities: %w", err)
		}
	}

	var sourceContextJSON []byte
	if memory.SourceContext != nil {
		sourceContextJSON, err = json.Marshal(memory.SourceContext)
		if err != nil {
			return fmt.Errorf("failed to marshal source_context: %w", err)
		}
		if len(sourceContextJSON) > maxSourceContextBytes {
			return fmt.Errorf("source_context exceeds maximum allowed size of %d bytes (got %d bytes)",
				maxSourceContextBytes, len(sourceContextJSON))
		}
	}

	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = time.Now()
	}
	if memory.UpdatedAt.IsZero() {
		memory.UpdatedAt = time.Now()
	}
	if memory.Status == "" {
		memory.Status = types.StatusPending
	}
	if memory.EmbeddingStatus == "" {
		memory.EmbeddingStatus = types.EnrichmentPending
	}
	if memory.Importance == 0 {
		memory.Importance = types.DefaultImportance
	}
	if memory.Confidence == 0 {
		memory.Confidence = 1.0
	}
	if memory.DecayScore == 0 {
		memory.DecayScore = 1.0
	}

	query := `
		INSERT INTO memories (
			id, content, source, namespace, timestamp, status,
			kind, tags, metadata,
			embedding_status, enrichment_attempts, enrichment_error,
			created_at, updated_at, enriched_at,
			summary, keywords, related_entities,
			importance, confidence, access_count, last_accessed_at,
			decay_score, decay_updated_at, access_since_evolution,
			archived, superseded_by, deleted_at,
			created_by, session_id, source_context, content_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			namespace = excluded.namespace,
			timestamp = excluded.timestamp,
			status = excluded.status,
			kind = excluded.kind,
			tags = excluded.tags,
			metadata = excluded.metadata,
			embedding_status = excluded.embedding_status,
			enrichment_attempts = excluded.enrichment_attempts,
			enrichment_error = excluded.enrichment_error,
			updated_at = excluded.updated_at,
			enriched_at = excluded.enriched_at,
			summary = excluded.summary,
			keywords = excluded.keywords,
			related_entities = excluded.related_entities,
			importance = excluded.importance,
			confidence = excluded.confidence,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at,
			decay_score = excluded.decay_score,
			decay_updated_at = excluded.decay_updated_at,
			access_since_evolution = excluded.access_since_evolution,
			archived = excluded.archived,
			superseded_by = excluded.superseded_by,
			deleted_at = excluded.deleted_at,
			created_by = excluded.created_by,
			session_id = excluded.session_id,
			source_context = excluded.source_context,
			content_hash = excluded.content_hash
	`

	_, err = s.db.ExecContext(ctx, query,
		memory.ID,
		memory.Content,
		memory.Source,
		namespaceKey,
		nullableTime(&memory.Timestamp),
		memory.Status,
		nullableString(string(memory.Kind)),
		nullableBytes(tagsJSON),
		nullableBytes(metadataJSON),
		memory.EmbeddingStatus,
		memory.EnrichmentAttempts,
		nullableString(memory.EnrichmentError),
		memory.CreatedAt,
		memory.UpdatedAt,
		nullableTime(memory.EnrichedAt),
		nullableString(memory.Summary),
		nullableBytes(keywordsJSON),
		nullableBytes(relatedEntitiesJSON),
		memory.Importance,
		memory.Confidence,
		memory.AccessCount,
		nullableTime(memory.LastAccessedAt),
		memory.DecayScore,
		nullableTime(memory.DecayUpdatedAt),
		memory.AccessSinceEvolution,
		memory.Archived,
		nullableString(memory.SupersededBy),
		nullableTime(memory.DeletedAt),
		nullableString(memory.CreatedBy),
		nullableString(memory.SessionID),
		nullableBytes(sourceContextJSON),
		nullableString(memory.ContentHash),
	)

	if err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}

	return nil
}

// findDuplicate returns the ID of an existing, non-archived, non-deleted
// memory in the same namespace with the same content hash, excluding the
// candidate's own ID (so re-storing an unchanged memory isn't treated as a
// duplicate of itself).
func (s *MemoryStore) findDuplicate(ctx context.Context, namespaceKey, contentHash, excludeID string) (string, error) {
	if contentHash == "" {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM memories
		WHERE namespace = ? AND content_hash = ? AND id != ?
		  AND archived = 0 AND deleted_at IS NULL
		LIMIT 1
	`, namespaceKey, contentHash, excludeID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

const memoryColumns = `
	id, content, source, namespace, timestamp, status,
	kind, tags, metadata,
	embedding_status, enrichment_attempts, enrichment_error,
	created_at, updated_at, enriched_at,
	summary, keywords, related_entities,
	importance, confidence, access_count, last_accessed_at,
	decay_score, decay_updated_at, access_since_evolution,
	archived, superseded_by, deleted_at,
	created_by, session_id, source_context, content_hash
`

// memoryColumnList is memoryColumns qualified with the "m." alias used by
// joins in search_provider.go, where memories is joined against memories_fts.
const memoryColumnList = `m.id, m.content, m.source, m.namespace, m.timestamp, m.status,
	m.kind, m.tags, m.metadata,
	m.embedding_status, m.enrichment_attempts, m.enrichment_error,
	m.created_at, m.updated_at, m.enriched_at,
	m.summary, m.keywords, m.related_entities,
	m.importance, m.confidence, m.access_count, m.last_accessed_at,
	m.decay_score, m.decay_updated_at, m.access_since_evolution,
	m.archived, m.superseded_by, m.deleted_at,
	m.created_by, m.session_id, m.source_context, m.content_hash`

// scanMemory scans a single memories row into a types.Memory.
func scanMemory(scanner interface{ Scan(...interface{}) error }) (*types.Memory, error) {
	var m types.Memory
	var metadataJSON, tagsJSON, keywordsJSON, relatedEntitiesJSON sql.NullString
	var enrichedAt, timestamp sql.NullTime
	var namespace sql.NullString
	var kind, enrichmentError, summary, contentHash, supersededBy sql.NullString
	var sourceContextJSON sql.NullString
	var lastAccessedAt, decayUpdatedAt, deletedAt sql.NullTime
	var archived int

	err := scanner.Scan(
		&m.ID, &m.Content, &m.Source, &namespace, &timestamp, &m.Status,
		&kind, &tagsJSON, &metadataJSON,
		&m.EmbeddingStatus, &m.EnrichmentAttempts, &enrichmentError,
		&m.CreatedAt, &m.UpdatedAt, &enrichedAt,
		&summary, &keywordsJSON, &relatedEntitiesJSON,
		&m.Importance, &m.Confidence, &m.AccessCount, &lastAccessedAt,
		&m.DecayScore, &decayUpdatedAt, &m.AccessSinceEvolution,
		&archived, &supersededBy, &deletedAt,
		&m.CreatedBy, &m.SessionID, &sourceContextJSON, &contentHash,
	)
	if err != nil {
		return nil, err
	}

	if namespace.Valid {
		m.Namespace = types.ParseNamespace(namespace.String)
	}
	if timestamp.Valid {
		m.Timestamp = timestamp.Time
	}
	if kind.Valid {
		m.Kind = types.MemoryKind(kind.String)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if enrichmentError.Valid {
		m.EnrichmentError = enrichmentError.String
	}
	if enrichedAt.Valid {
		t := enrichedAt.Time
		m.EnrichedAt = &t
	}
	if summary.Valid {
		m.Summary = summary.String
	}
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &m.Keywords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keywords: %w", err)
		}
	}
	if relatedEntitiesJSON.Valid && relatedEntitiesJSON.String != "" {
		if err := json.Unmarshal([]byte(relatedEntitiesJSON.String), &m.RelatedEntities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal related_entities: %w", err)
		}
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		m.LastAccessedAt = &t
	}
	if decayUpdatedAt.Valid {
		t := decayUpdatedAt.Time
		m.DecayUpdatedAt = &t
	}
	m.Archived = archived != 0
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	if sourceContextJSON.Valid && sourceContextJSON.String != "" {
		if err := json.Unmarshal([]byte(sourceContextJSON.String), &m.SourceContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source_context: %w", err)
		}
	}
	if contentHash.Valid {
		m.ContentHash = contentHash.String
	}

	return &m, nil
}

// Get retrieves a memory by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	query := "SELECT " + memoryColumns + " FROM memories WHERE id = ? AND deleted_at IS NULL"

	row := s.db.QueryRowContext(ctx, query, id)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return memory, nil
}

// List retrieves memories with pagination and filtering.
func (s *MemoryStore) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	query := "SELECT " + memoryColumns + " FROM memories"

	var conditions []string
	var args []interface{}

	if opts.Namespace != "" {
		conditions = append(conditions, "namespace = ?")
		args = append(args, opts.Namespace)
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.CreatedBy != "" {
		conditions = append(conditions, "created_by = ?")
		args = append(args, opts.CreatedBy)
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if !opts.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > ?")
		args = append(args, opts.CreatedAfter)
	}
	if !opts.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, opts.CreatedBefore)
	}
	if opts.MinDecayScore > 0 {
		conditions = append(conditions, "decay_score >= ?")
		args = append(args, opts.MinDecayScore)
	}
	if opts.Archived {
		conditions = append(conditions, "archived = 1")
	} else {
		conditions = append(conditions, "archived = 0")
	}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if opts.OnlyDeleted {
		conditions = append(conditions, "deleted_at IS NOT NULL")
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}
	query += whereClause

	// Safe from SQL injection: SortBy/SortOrder are whitelisted by Normalize().
	query += fmt.Sprintf(" ORDER BY %s %s", opts.SortBy, opts.SortOrder)
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var memories []types.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, *memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM memories" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count memories: %w", err)
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    memories,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(memories) < total,
	}, nil
}

// Update modifies an existing memory.
func (s *MemoryStore) Update(ctx context.Context, memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}
	if memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	exists, err := s.exists(ctx, memory.ID)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}

	memory.UpdatedAt = time.Now()
	return s.Store(ctx, memory)
}

// Delete soft-deletes a memory by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE memories SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return requireRowsAffected(result)
}

// Purge hard-deletes a memory by ID (permanent removal).
func (s *MemoryStore) Purge(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to purge memory: %w", err)
	}
	return requireRowsAffected(result)
}

// Restore un-deletes a soft-deleted memory.
func (s *MemoryStore) Restore(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE memories SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NOT NULL",
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to restore memory: %w", err)
	}
	return requireRowsAffected(result)
}

// Archive marks a memory as archived per section 4.5's archival rule.
func (s *MemoryStore) Archive(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE memories SET archived = 1, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to archive memory: %w", err)
	}
	return requireRowsAffected(result)
}

// UpdateStatus updates the async-processing status of a memory.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, "UPDATE memories SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireRowsAffected(result)
}

// UpdateEnrichment writes enrichment results back onto a memory.
func (s *MemoryStore) UpdateEnrichment(ctx context.Context, id string, enrichment storage.EnrichmentUpdate) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	var tagsJSON, relatedEntitiesJSON []byte
	var err error
	if len(enrichment.Tags) > 0 {
		tagsJSON, err = json.Marshal(enrichment.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
	}
	var keywordsJSON []byte
	if len(enrichment.Keywords) > 0 {
		keywordsJSON, err = json.Marshal(enrichment.Keywords)
		if err != nil {
			return fmt.Errorf("failed to marshal keywords: %w", err)
		}
	}
	if len(enrichment.RelatedEntities) > 0 {
		relatedEntitiesJSON, err = json.Marshal(enrichment.RelatedEntities)
		if err != nil {
			return fmt.Errorf("failed to marshal related_entities: %w", err)
		}
	}

	query := `
		UPDATE memories
		SET
			summary = ?,
			keywords = ?,
			tags = ?,
			related_entities = ?,
			kind = ?,
			importance = ?,
			confidence = ?,
			status = ?,
			embedding_status = ?,
			enrichment_attempts = ?,
			enrichment_error = ?,
			enriched_at = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		nullableString(enrichment.Summary),
		nullableBytes(keywordsJSON),
		nullableBytes(tagsJSON),
		nullableBytes(relatedEntitiesJSON),
		nullableString(string(enrichment.Kind)),
		enrichment.Importance,
		enrichment.Confidence,
		enrichment.Status,
		enrichment.EmbeddingStatus,
		enrichment.EnrichmentAttempts,
		nullableString(enrichment.EnrichmentError),
		nullableTime(enrichment.EnrichedAt),
		time.Now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrichment: %w", err)
	}
	return requireRowsAffected(result)
}

// IncrementAccessCount atomically increments access_count and
// access_since_evolution and updates last_accessed_at for the given memory ID.
func (s *MemoryStore) IncrementAccessCount(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	query := `
		UPDATE memories
		SET access_count = access_count + 1,
		    access_since_evolution = access_since_evolution + 1,
		    last_accessed_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to increment access count: %w", err)
	}
	return requireRowsAffected(result)
}

// UpdateDecayScores applies the importance-recalibration formula from
// section 4.5: decay(d) = max(0.5, e^(-d/30)); importance_new =
// clamp(importance*decay(age_days) + access_boost, 1, 10). access_boost is
// min(2.0, 0.1*access_since_evolution), which is then reset to 0.
// decay_score mirrors the decay(d) factor itself so retrieval can order by
// graph weight without recomputing it per query.
func (s *MemoryStore) UpdateDecayScores(ctx context.Context) (int, error) {
	query := `
		UPDATE memories
		SET
			decay_score = MAX(0.5, EXP(-(julianday('now') - julianday(created_at)) / 30.0)),
			importance = MAX(1, MIN(10,
				CAST(ROUND(
					importance * MAX(0.5, EXP(-(julianday('now') - julianday(created_at)) / 30.0))
					+ MIN(2.0, 0.1 * access_since_evolution)
				) AS INTEGER)
			)),
			access_since_evolution = 0,
			decay_updated_at = CURRENT_TIMESTAMP
		WHERE deleted_at IS NULL AND archived = 0
	`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to update decay scores: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ArchiveStale applies the archival rule from section 4.5: a memory is
// archived if its importance has decayed below 2 and it is older than 90
// days, or if it was superseded more than 30 days ago. Supersession age is
// approximated by updated_at, which is bumped whenever superseded_by is set.
func (s *MemoryStore) ArchiveStale(ctx context.Context) (int, error) {
	query := `
		UPDATE memories
		SET archived = 1, updated_at = ?
		WHERE deleted_at IS NULL AND archived = 0
		AND (
			(importance < 2 AND julianday('now') - julianday(created_at) > 90)
			OR (superseded_by IS NOT NULL AND julianday('now') - julianday(updated_at) > 30)
		)
	`

	result, err := s.db.ExecContext(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to archive stale memories: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *MemoryStore) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// GetEvolutionChain returns the full supersession history for a memory,
// ordered oldest -> newest. It walks backward via superseded_by links
// (looking for the memory that names memoryID as its predecessor requires a
// forward scan since SupersededBy points forward, not back) and forward from
// the tip. Capped at 50 versions to prevent infinite loops from a corrupted
// chain.
func (s *MemoryStore) GetEvolutionChain(ctx context.Context, memoryID string) ([]*types.Memory, error) {
	if memoryID == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	const maxChain = 50

	fetchByID := func(id string) (*types.Memory, error) {
		query := "SELECT " + memoryColumns + " FROM memories WHERE id = ?"
		row := s.db.QueryRowContext(ctx, query, id)
		m, err := scanMemory(row)
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return m, err
	}

	current, err := fetchByID(memoryID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: GetEvolutionChain: %w", err)
	}

	// Walk backward: find the memory whose superseded_by points at the
	// current node, repeatedly, to reach the oldest ancestor.
	var chain []*types.Memory
	visited := map[string]bool{current.ID: true}
	node := current

	for len(chain) < maxChain {
		var parentID string
		err := s.db.QueryRowContext(ctx,
			"SELECT id FROM memories WHERE superseded_by = ? LIMIT 1", node.ID).Scan(&parentID)
		if err == sql.ErrNoRows || parentID == "" || visited[parentID] {
			break
		}
		if err != nil {
			break
		}
		parent, err := fetchByID(parentID)
		if err != nil {
			break
		}
		visited[parent.ID] = true
		chain = append([]*types.Memory{parent}, chain...)
		node = parent
	}

	chain = append(chain, current)

	// Walk forward via SupersededBy from the tip.
	tip := chain[len(chain)-1]
	for len(chain) < maxChain {
		if tip.SupersededBy == "" || visited[tip.SupersededBy] {
			break
		}
		next, err := fetchByID(tip.SupersededBy)
		if err != nil {
			break
		}
		visited[next.ID] = true
		chain = append(chain, next)
		tip = next
	}

	return chain, nil
}

// exists checks if a memory with the given ID exists.
func (s *MemoryStore) exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return count > 0, nil
}

// requireRowsAffected translates a zero-row-affected ExecContext result into
// storage.ErrNotFound.
func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// nullableTime converts a time pointer to sql.NullTime.
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullableBytes converts a byte slice to sql.NullString.
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// nullableString converts a string to sql.NullString.
// An empty string is treated as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable (conservative: no deletion).
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

// fileExists returns true if the path exists on disk.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
