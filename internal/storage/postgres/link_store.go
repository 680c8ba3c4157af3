package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// linkReinforceBump is the strength increment applied when CreateLink is
// called against an (from, to, kind) pair that already exists, modeling
// repeated observation of the same relationship as growing confidence.
const linkReinforceBump = 0.05

// CreateLink creates a link, or reinforces an existing (from, to, kind) link
// by bumping strength and refreshing last_reinforced_at.
func (s *MemoryStore) CreateLink(ctx context.Context, link *types.Link) error {
	if link == nil {
		return storage.ErrInvalidInput
	}
	if link.FromID == "" || link.ToID == "" {
		return fmt.Errorf("%w: from_id and to_id are required", storage.ErrInvalidInput)
	}
	if link.FromID == link.ToID {
		return fmt.Errorf("%w: self-links are not permitted", storage.ErrInvalidInput)
	}
	if !types.IsValidLinkKind(link.Kind) {
		return fmt.Errorf("%w: unrecognized link kind %q", storage.ErrInvalidInput, link.Kind)
	}

	now := time.Now()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	if link.LastReinforcedAt.IsZero() {
		link.LastReinforcedAt = now
	}
	strength := types.ClampStrength(link.Strength)
	if strength == 0 {
		strength = 0.5
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_links (from_id, to_id, kind, strength, created_at, last_reinforced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(from_id, to_id, kind) DO UPDATE SET
			strength = LEAST(1.0, memory_links.strength + $7),
			last_reinforced_at = EXCLUDED.last_reinforced_at
	`, link.FromID, link.ToID, link.Kind, strength, link.CreatedAt, link.LastReinforcedAt, linkReinforceBump)
	if err != nil {
		return fmt.Errorf("postgres: failed to create link: %w", err)
	}
	return nil
}

// GetLinks returns outbound links from a memory, optionally filtered by kind.
// An empty kind returns links of every kind.
func (s *MemoryStore) GetLinks(ctx context.Context, fromID string, kind types.LinkKind) ([]*types.Link, error) {
	if fromID == "" {
		return nil, fmt.Errorf("%w: from_id is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT from_id, to_id, kind, strength, created_at, last_reinforced_at
		FROM memory_links WHERE from_id = $1
	`
	args := []interface{}{fromID}
	if kind != "" {
		query += " AND kind = $2"
		args = append(args, kind)
	}
	query += " ORDER BY strength DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []*types.Link
	for rows.Next() {
		var l types.Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Kind, &l.Strength, &l.CreatedAt, &l.LastReinforcedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan link: %w", err)
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

// DeleteLink removes a specific (from, to, kind) link.
func (s *MemoryStore) DeleteLink(ctx context.Context, fromID, toID string, kind types.LinkKind) error {
	if fromID == "" || toID == "" {
		return fmt.Errorf("%w: from_id and to_id are required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM memory_links WHERE from_id = $1 AND to_id = $2 AND kind = $3", fromID, toID, kind)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete link: %w", err)
	}
	return requireRowsAffected(result)
}

// ReinforceLink increases an existing (from, to, kind) link's strength by
// delta, clamped to [0,1], and refreshes last_reinforced_at. This is the
// standalone reinforce_link operation from section 4.1, distinct from
// CreateLink's fixed-bump upsert behavior: callers here supply their own
// delta (e.g. the retrieval path reinforcing links traversed during a hit).
func (s *MemoryStore) ReinforceLink(ctx context.Context, fromID, toID string, kind types.LinkKind, delta float64) error {
	if fromID == "" || toID == "" {
		return fmt.Errorf("%w: from_id and to_id are required", storage.ErrInvalidInput)
	}
	if !types.IsValidLinkKind(kind) {
		return fmt.Errorf("%w: unrecognized link kind %q", storage.ErrInvalidInput, kind)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_links
		SET strength = GREATEST(0.0, LEAST(1.0, strength + $1)),
			last_reinforced_at = $2
		WHERE from_id = $3 AND to_id = $4 AND kind = $5
	`, delta, time.Now(), fromID, toID, kind)
	if err != nil {
		return fmt.Errorf("postgres: failed to reinforce link: %w", err)
	}
	return requireRowsAffected(result)
}

// DecayLinks applies the link-strength decay formula
// (strength_new = strength * (1 - 0.01*days_since_reinforced)) to every link
// not reinforced today. Returns the count of updated rows.
func (s *MemoryStore) DecayLinks(ctx context.Context) (int, error) {
	query := `
		UPDATE memory_links
		SET strength = GREATEST(0.0, strength * (1.0 - 0.01 * (EXTRACT(EPOCH FROM (NOW() - last_reinforced_at)) / 86400.0)))
		WHERE EXTRACT(EPOCH FROM (NOW() - last_reinforced_at)) / 86400.0 >= 1.0
	`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to decay links: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// PruneWeakLinks removes links whose strength has decayed below threshold.
// Supersedes links record permanent supersession history and are exempt
// from pruning regardless of strength.
func (s *MemoryStore) PruneWeakLinks(ctx context.Context, threshold float64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM memory_links WHERE strength < $1 AND kind != $2", threshold, types.LinkSupersedes)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to prune weak links: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	return int(n), nil
}
