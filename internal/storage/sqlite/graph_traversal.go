package sqlite

import (
	"context"
	"fmt"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Ensure *MemoryStore implements storage.GraphProvider at compile time.
var _ storage.GraphProvider = (*MemoryStore)(nil)

// linkRow is an outbound memory_links edge read directly off SQL, independent
// of types.Link so traversal can carry along the opposite endpoint without an
// extra round trip per neighbor.
type linkRow struct {
	toID     string
	kind     types.LinkKind
	strength float64
}

// outboundLinks reads every outbound edge from fromID across all kinds.
func (s *MemoryStore) outboundLinks(ctx context.Context, fromID string) ([]linkRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT to_id, kind, strength FROM memory_links WHERE from_id = ?", fromID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load links for %s: %w", fromID, err)
	}
	defer rows.Close()

	var links []linkRow
	for rows.Next() {
		var l linkRow
		if err := rows.Scan(&l.toID, &l.kind, &l.strength); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// Traverse performs bounded BFS from startID, honoring MaxHops/MaxNodes/
// MaxEdges/Timeout and the optional temporal window in bounds.
func (s *MemoryStore) Traverse(ctx context.Context, startID string, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	bounds.Normalize()

	ctx, cancel := context.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	type queueItem struct {
		id    string
		depth int
	}

	result := &storage.GraphResult{}
	visited := map[string]bool{startID: true}
	queue := []queueItem{{startID, 0}}
	edgeCount := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			result.BoundsReached = append(result.BoundsReached, "timeout")
			break
		}
		if len(result.Nodes) >= bounds.MaxNodes {
			result.BoundsReached = append(result.BoundsReached, "max_nodes")
			break
		}

		current := queue[0]
		queue = queue[1:]

		if current.id != startID {
			result.Nodes = append(result.Nodes, current.id)
		}

		if current.depth >= bounds.MaxHops {
			continue
		}

		links, err := s.outboundLinks(ctx, current.id)
		if err != nil {
			return result, err
		}

		for _, link := range links {
			if edgeCount >= bounds.MaxEdges {
				result.BoundsReached = append(result.BoundsReached, "max_edges")
				return result, nil
			}

			hasTemporal := !bounds.CreatedAfter.IsZero() || !bounds.CreatedBefore.IsZero()
			if hasTemporal {
				mem, err := s.Get(ctx, link.toID)
				if err != nil || !bounds.MatchesTemporalBounds(mem.CreatedAt) {
					continue
				}
			}

			result.Edges = append(result.Edges, storage.GraphEdge{
				From: current.id, To: link.toID, RelationType: string(link.kind), Weight: link.strength,
			})
			edgeCount++

			if !visited[link.toID] {
				visited[link.toID] = true
				queue = append(queue, queueItem{link.toID, current.depth + 1})
			}
		}
	}

	return result, nil
}

// FindPath finds the shortest link path between two memories via BFS,
// respecting bounds. Returns nil if no path exists within the bound.
func (s *MemoryStore) FindPath(ctx context.Context, startID, endID string, bounds storage.GraphBounds) ([]string, error) {
	bounds.Normalize()

	if startID == endID {
		return []string{startID}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	type queueItem struct {
		id   string
		path []string
	}

	visited := map[string]bool{startID: true}
	queue := []queueItem{{startID, []string{startID}}}
	nodesVisited := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: FindPath: %w", storage.ErrGraphBoundsExceeded)
		}

		current := queue[0]
		queue = queue[1:]
		nodesVisited++
		if nodesVisited > bounds.MaxNodes {
			return nil, storage.ErrGraphBoundsExceeded
		}

		if len(current.path)-1 >= bounds.MaxHops {
			continue
		}

		links, err := s.outboundLinks(ctx, current.id)
		if err != nil {
			return nil, err
		}

		for _, link := range links {
			if link.toID == endID {
				return append(append([]string{}, current.path...), link.toID), nil
			}
			if !visited[link.toID] {
				visited[link.toID] = true
				queue = append(queue, queueItem{link.toID, append(append([]string{}, current.path...), link.toID)})
			}
		}
	}

	return nil, nil
}

// GetNeighbors retrieves immediate linked neighbors of a memory, paginated
// per opts.
func (s *MemoryStore) GetNeighbors(ctx context.Context, memoryID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	links, err := s.outboundLinks(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	total := len(links)
	offset := opts.Offset()
	if offset >= total {
		return &storage.PaginatedResult[types.Memory]{PageSize: opts.Limit, Total: total}, nil
	}
	end := offset + opts.Limit
	if end > total {
		end = total
	}

	var memories []types.Memory
	for _, link := range links[offset:end] {
		mem, err := s.Get(ctx, link.toID)
		if err != nil {
			continue
		}
		memories = append(memories, *mem)
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    memories,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  end < total,
	}, nil
}
