package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// nullableRawBytes returns nil for an empty slice, or the slice itself
// otherwise, so callers can bind directly to a BYTEA column without the
// text-mangling that sql.NullString would apply to non-UTF8 payloads.
func nullableRawBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// CreateWorkItem inserts a new work item and its dependency edges.
func (s *MemoryStore) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
	if item == nil {
		return storage.ErrInvalidInput
	}
	if item.ID == "" || item.Description == "" {
		return fmt.Errorf("%w: work item id and description are required", storage.ErrInvalidInput)
	}
	if item.State == "" {
		item.State = types.WorkPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_items (
			id, description, phase, priority, state, assigned_agent,
			created_at, started_at, finished_at, result, error, retry_count, context_blob
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		item.ID, item.Description, item.Phase, item.Priority, item.State,
		nullableString(item.AssignedAgent), item.CreatedAt, nullableTime(item.StartedAt),
		nullableTime(item.FinishedAt), nullableRawBytes(item.Result), nullableString(item.Error),
		item.RetryCount, nullableRawBytes(item.ContextBlob),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create work item: %w", err)
	}

	for _, dep := range item.Dependencies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO work_item_deps (work_item_id, depends_on_id) VALUES ($1, $2)", item.ID, dep,
		); err != nil {
			return fmt.Errorf("postgres: failed to record dependency %s: %w", dep, err)
		}
	}

	return tx.Commit()
}

func scanWorkItem(scanner interface{ Scan(...interface{}) error }) (*types.WorkItem, error) {
	var w types.WorkItem
	var assignedAgent, errStr sql.NullString
	var startedAt, finishedAt sql.NullTime
	var result, contextBlob []byte

	err := scanner.Scan(
		&w.ID, &w.Description, &w.Phase, &w.Priority, &w.State, &assignedAgent,
		&w.CreatedAt, &startedAt, &finishedAt, &result, &errStr, &w.RetryCount, &contextBlob,
	)
	if err != nil {
		return nil, err
	}

	if assignedAgent.Valid {
		w.AssignedAgent = assignedAgent.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		w.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		w.FinishedAt = &t
	}
	if len(result) > 0 {
		w.Result = result
	}
	if errStr.Valid {
		w.Error = errStr.String
	}
	if len(contextBlob) > 0 {
		w.ContextBlob = contextBlob
	}

	return &w, nil
}

const workItemColumns = `
	id, description, phase, priority, state, assigned_agent,
	created_at, started_at, finished_at, result, error, retry_count, context_blob
`

// GetWorkItem retrieves a work item by ID, including its dependency list.
func (s *MemoryStore) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: work item id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+workItemColumns+" FROM work_items WHERE id = $1", id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get work item: %w", err)
	}

	deps, err := s.dependenciesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	item.Dependencies = deps

	return item, nil
}

func (s *MemoryStore) dependenciesFor(ctx context.Context, workItemID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT depends_on_id FROM work_item_deps WHERE work_item_id = $1", workItemID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListWorkItems retrieves work items with pagination and filtering by state
// or assigned agent, expressed through ListOptions.Status and
// ListOptions.CreatedBy (reused here as the agent-id filter since
// WorkItemStore has no dedicated ListOptions variant).
func (s *MemoryStore) ListWorkItems(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.WorkItem], error) {
	opts.Normalize()

	query := "SELECT " + workItemColumns + " FROM work_items"
	var conditions []string
	var args []interface{}
	n := 0
	next := func() int { n++; return n }

	if opts.Status != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", next()))
		args = append(args, opts.Status)
	}
	if opts.CreatedBy != "" {
		conditions = append(conditions, fmt.Sprintf("assigned_agent = $%d", next()))
		args = append(args, opts.CreatedBy)
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}
	query += whereClause + fmt.Sprintf(" ORDER BY priority ASC, created_at ASC LIMIT $%d OFFSET $%d", next(), next())
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan work item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countQuery := "SELECT COUNT(*) FROM work_items" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count work items: %w", err)
	}

	return &storage.PaginatedResult[types.WorkItem]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// TransitionWorkItem validates and applies a state transition.
func (s *MemoryStore) TransitionWorkItem(ctx context.Context, id string, next types.WorkItemState) error {
	if id == "" {
		return fmt.Errorf("%w: work item id is required", storage.ErrInvalidInput)
	}

	var current types.WorkItemState
	if err := s.db.QueryRowContext(ctx, "SELECT state FROM work_items WHERE id = $1", id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("postgres: failed to load work item state: %w", err)
	}

	if !types.IsValidWorkItemTransition(current, next) {
		return types.NewError(types.KindInvalidState, "TransitionWorkItem", id,
			fmt.Errorf("cannot transition from %s to %s", current, next))
	}

	now := time.Now()
	var query string
	var args []interface{}
	switch next {
	case types.WorkInProgress:
		query = "UPDATE work_items SET state = $1, started_at = $2 WHERE id = $3 AND state = $4"
		args = []interface{}{next, now, id, current}
	case types.WorkCompleted, types.WorkFailed:
		query = "UPDATE work_items SET state = $1, finished_at = $2 WHERE id = $3 AND state = $4"
		args = []interface{}{next, now, id, current}
	case types.WorkPending:
		// Requeue from Failed clears prior assignment and bumps retry_count.
		query = "UPDATE work_items SET state = $1, assigned_agent = NULL, retry_count = retry_count + 1 WHERE id = $2 AND state = $3"
		args = []interface{}{next, id, current}
	default:
		query = "UPDATE work_items SET state = $1 WHERE id = $2 AND state = $3"
		args = []interface{}{next, id, current}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: failed to transition work item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return types.ErrConflict
	}
	return nil
}

// AssignWorkItem atomically assigns a ready work item to an agent.
func (s *MemoryStore) AssignWorkItem(ctx context.Context, id string, agentID string) error {
	if id == "" || agentID == "" {
		return fmt.Errorf("%w: work item id and agent id are required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET state = $1, assigned_agent = $2
		WHERE id = $3 AND state = $4
	`, types.WorkAssigned, agentID, id, types.WorkReady)
	if err != nil {
		return fmt.Errorf("postgres: failed to assign work item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return types.ErrConflict
	}
	return nil
}

// RecordResult stores the outcome of a completed or failed work item.
func (s *MemoryStore) RecordResult(ctx context.Context, id string, result *types.WorkResult) error {
	if id == "" {
		return fmt.Errorf("%w: work item id is required", storage.ErrInvalidInput)
	}
	if result == nil {
		return storage.ErrInvalidInput
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal work result: %w", err)
	}

	nextState := types.WorkCompleted
	if !result.Success {
		nextState = types.WorkFailed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET state = $1, result = $2, error = $3, finished_at = $4
		WHERE id = $5
	`, nextState, data, nullableString(result.Error), time.Now(), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to record work result: %w", err)
	}
	return requireRowsAffected(res)
}
