package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

const agentColumns = `
	id, role, sub_role, state, error_count, last_error_at,
	last_restart_at, restart_failures, owner_id, version, last_heartbeat_at
`

func scanAgent(scanner interface{ Scan(...interface{}) error }) (*types.Agent, error) {
	var a types.Agent
	var subRole, ownerID sql.NullString
	var lastErrorAt, lastRestartAt sql.NullTime

	err := scanner.Scan(
		&a.ID, &a.Role, &subRole, &a.State, &a.ErrorCount, &lastErrorAt,
		&lastRestartAt, &a.RestartFailures, &ownerID, &a.Version, &a.LastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	if subRole.Valid {
		a.SubRole = subRole.String
	}
	if ownerID.Valid {
		a.OwnerID = ownerID.String
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		a.LastErrorAt = &t
	}
	if lastRestartAt.Valid {
		t := lastRestartAt.Time
		a.LastRestartAt = &t
	}

	return &a, nil
}

// UpsertAgent creates or updates an agent record with optimistic concurrency:
// an insert with version 0 always succeeds; an update against an existing
// row must match the caller's expected version or ErrConflict is returned.
func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil {
		return storage.ErrInvalidInput
	}
	if agent.ID == "" {
		return fmt.Errorf("%w: agent id is required", storage.ErrInvalidInput)
	}

	if agent.LastHeartbeatAt.IsZero() {
		agent.LastHeartbeatAt = time.Now()
	}

	exists, err := s.agentExists(ctx, agent.ID)
	if err != nil {
		return err
	}

	if !exists {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (
				id, role, sub_role, state, error_count, last_error_at,
				last_restart_at, restart_failures, owner_id, version, last_heartbeat_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`,
			agent.ID, agent.Role, nullableString(agent.SubRole), agent.State, agent.ErrorCount,
			nullableTime(agent.LastErrorAt), nullableTime(agent.LastRestartAt), agent.RestartFailures,
			nullableString(agent.OwnerID), agent.LastHeartbeatAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: failed to create agent: %w", err)
		}
		agent.Version = 0
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			role = ?, sub_role = ?, state = ?, error_count = ?, last_error_at = ?,
			last_restart_at = ?, restart_failures = ?, owner_id = ?,
			version = version + 1, last_heartbeat_at = ?
		WHERE id = ? AND version = ?
	`,
		agent.Role, nullableString(agent.SubRole), agent.State, agent.ErrorCount,
		nullableTime(agent.LastErrorAt), nullableTime(agent.LastRestartAt), agent.RestartFailures,
		nullableString(agent.OwnerID), agent.LastHeartbeatAt, agent.ID, agent.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return types.ErrConflict
	}
	agent.Version++
	return nil
}

func (s *MemoryStore) agentExists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("sqlite: failed to check agent existence: %w", err)
	}
	return count > 0, nil
}

// GetAgent retrieves an agent by ID.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: agent id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get agent: %w", err)
	}
	return agent, nil
}

// ListAgents retrieves every known agent, optionally filtered by role
// (ListOptions.CreatedBy, repurposed as a role filter) or state
// (ListOptions.Status).
func (s *MemoryStore) ListAgents(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Agent], error) {
	opts.Normalize()

	query := "SELECT " + agentColumns + " FROM agents"
	var conditions []string
	var args []interface{}

	if opts.Status != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, opts.Status)
	}
	if opts.CreatedBy != "" {
		conditions = append(conditions, "role = ?")
		args = append(args, opts.CreatedBy)
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}
	query += whereClause + " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countQuery := "SELECT COUNT(*) FROM agents" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count agents: %w", err)
	}

	return &storage.PaginatedResult[types.Agent]{
		Items:    agents,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(agents) < total,
	}, nil
}

// RecordHeartbeat updates LastHeartbeatAt for an agent without going through
// the full optimistic-concurrency upsert path.
func (s *MemoryStore) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: agent id is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, "UPDATE agents SET last_heartbeat_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record heartbeat: %w", err)
	}
	return requireRowsAffected(result)
}
