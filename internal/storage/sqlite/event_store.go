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

// AppendEvent persists a single immutable event.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *types.Event) error {
	if event == nil {
		return storage.ErrInvalidInput
	}
	if event.ID == "" || event.Kind == "" {
		return fmt.Errorf("%w: event id and kind are required", storage.ErrInvalidInput)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var payloadJSON []byte
	if event.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal event payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, source, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.Kind, event.Source, nullableBytes(payloadJSON), event.Timestamp)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append event: %w", err)
	}
	return nil
}

// ListEvents retrieves events with pagination, filtered by kind
// (ListOptions.Kind, repurposed since EventKind has no dedicated filter
// field) and by source (ListOptions.CreatedBy) and time range
// (ListOptions.CreatedAfter/CreatedBefore).
func (s *MemoryStore) ListEvents(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Event], error) {
	opts.Normalize()

	query := "SELECT id, kind, source, payload, created_at FROM events"
	var conditions []string
	var args []interface{}

	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.CreatedBy != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, opts.CreatedBy)
	}
	if !opts.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > ?")
		args = append(args, opts.CreatedAfter)
	}
	if !opts.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, opts.CreatedBefore)
	}

	var whereClause string
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}
	query += whereClause + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var e types.Event
		var kind string
		var payloadJSON sql.NullString
		if err := rows.Scan(&e.ID, &kind, &e.Source, &payloadJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan event: %w", err)
		}
		e.Kind = types.EventKind(kind)
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countQuery := "SELECT COUNT(*) FROM events" + whereClause
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count events: %w", err)
	}

	return &storage.PaginatedResult[types.Event]{
		Items:    events,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(events) < total,
	}, nil
}
