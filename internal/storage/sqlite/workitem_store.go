package sqlite

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
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_items (
			id, description, phase, priority, state, assigned_agent,
			created_at, started_at, finished_at, result, error, retry_count, context_blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.Description, item.Phase, item.Priority, item.State,
		nullableString(item.AssignedAgent), item.CreatedAt, nullableTime(item.StartedAt),
		nullableTime(item.FinishedAt), nullableBytes(item.Result), nullableString(item.Error),
		item.RetryCount, nullableBytes(item.ContextBlob),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create work item: %w", err)
	}

	for _, dep := range item.Dependencies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO work_item_deps (work_item_id, depends_on_id) VALUES (?, ?)", item.ID, dep,
		); err != nil {
			return fmt.Errorf("sqlite: failed to record dependency %s: %w", dep, err)
		}
	}

	return tx.Commit()
}

func scanWorkItem(scanner interface{ Scan(...interface{}) error }) (*types.WorkItem, error) {
	var w types.WorkItem
	var assignedAgent, errStr sql.NullString
	var startedAt, finishedAt sql.NullTime
	var result, contextBlob sql.NullString

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
	if result.Valid {
		w.Result = []byte(result.String)
	}
	if errStr.Valid {
		w.Error = errStr.String
	}
	if contextBlob.Valid {
		w.ContextBlob = []byte(contextBlob.String)
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

	row := s.db.QueryRowContext(ctx, "SELECT "+workItemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get work item: %w", err)
	}

	deps, err := s.dependenciesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	item.Dependencies = deps

	return item, nil
}

func (s *MemoryStore) dependenciesFor(ctx context.Context, workItemID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT depends_on_id FROM work_item_deps WHERE work_item_id = ?", workItemID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListWorkItems retrieves work items with pagination and filtering by state
// or assigned agent, expressed through ListOptions.Status and ListOptions.CreatedBy
// (reused here as the agent-id filter since WorkItemStore has no dedicated
// ListOptions variant).
func (s *MemoryStore) ListWorkItems(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.WorkItem], error) {
	opts.Normalize()

	query := "SELECT " + workItemColumns + " FROM work_items"
	var conditions []string
	var args []interface{}

	if opts.Status != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, opts.Status)
	}
	if opts.CreatedBy != "" {
		conditions = append(conditions, "assigned_agent = ?")
		args = append(args, opts.CreatedBy)
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}
	query += whereClause + " ORDER BY priority ASC, created_at ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan work item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countQuery := "SELECT COUNT(*) FROM work_items" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count work items: %w", err)
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
	if err := s.db.QueryRowContext(ctx, "SELECT state FROM work_items WHERE id = ?", id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: failed to load work item state: %w", err)
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
		query = "UPDATE work_items SET state = ?, started_at = ? WHERE id = ? AND state = ?"
		args = []interface{}{next, now, id, current}
	case types.WorkCompleted, types.WorkFailed:
		query = "UPDATE work_items SET state = ?, finished_at = ? WHERE id = ? AND state = ?"
		args = []interface{}{next, now, id, current}
	case types.WorkPending:
		// Requeue from Failed clears prior assignment and bumps retry_count.
		query = "UPDATE work_items SET state = ?, assigned_agent = NULL, retry_count = retry_count + 1 WHERE id = ? AND state = ?"
		args = []interface{}{next, id, current}
	default:
		query = "UPDATE work_items SET state = ? WHERE id = ? AND state = ?"
		args = []interface{}{next, id, current}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to transition work item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
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
		UPDATE work_items SET state = ?, assigned_agent = ?
		WHERE id = ? AND state = ?
	`, types.WorkAssigned, agentID, id, types.WorkReady)
	if err != nil {
		return fmt.Errorf("sqlite: failed to assign work item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
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
		return fmt.Errorf("sqlite: failed to marshal work result: %w", err)
	}

	nextState := types.WorkCompleted
	if !result.Success {
		nextState = types.WorkFailed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET state = ?, result = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, nextState, data, nullableString(result.Error), time.Now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record work result: %w", err)
	}
	return requireRowsAffected(res)
}
