package memory

import (
	"context"
	"fmt"
)

// Stats summarizes the engine's contents.
type Stats struct {
	TotalMemories         int            `json:"total_memories"`
	ActiveMemories        int            `json:"active_memories"`
	TierCounts            map[string]int `json:"tier_counts"`
	AvgConfidence         float64        `json:"avg_confidence"`
	AvgImportance         float64        `json:"avg_importance"`
	PreferenceCount       int            `json:"preference_count"`
	EntityCount           int            `json:"entity_count"`
	RelationCount         int            `json:"relation_count"`
	PendingContradictions int            `json:"pending_contradictions"`
}

// Stats computes engine totals. Averages cover active memories only.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{TierCounts: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories); err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(confidence), 0), COALESCE(AVG(current_importance), 0)
		FROM memories WHERE is_active = 1`).Scan(&st.ActiveMemories, &st.AvgConfidence, &st.AvgImportance); err != nil {
		return nil, fmt.Errorf("active memory stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, COUNT(*) FROM memories WHERE is_active = 1 GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		st.TierCounts[tier] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM preferences WHERE is_active = 1`).Scan(&st.PreferenceCount); err != nil {
		return nil, fmt.Errorf("count preferences: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities`).Scan(&st.EntityCount); err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relations`).Scan(&st.RelationCount); err != nil {
		return nil, fmt.Errorf("count relations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contradictions WHERE resolution = ?`, ResolutionPending).Scan(&st.PendingContradictions); err != nil {
		return nil, fmt.Errorf("count contradictions: %w", err)
	}

	return st, nil
}
