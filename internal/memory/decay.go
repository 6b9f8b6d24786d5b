package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// reinforcementWindowDays is how long an access keeps boosting importance.
	reinforcementWindowDays = 7.0
	// reinforcementAccessCap bounds the access count used for reinforcement.
	reinforcementAccessCap = 10
	// materialDelta is the smallest importance change worth a decay-log row.
	materialDelta = 0.01
	// archiveImportanceCeiling and archiveMinAge gate the archival policy:
	// memories below the ceiling and older than the min age are deactivated.
	archiveImportanceCeiling = 1.5
	archiveMinAge            = 90 * 24 * time.Hour
)

// decayUpdate is the outcome of one importance update.
type decayUpdate struct {
	current       float64
	factor        float64
	reinforcement float64
}

// computeDecay applies exponential decay since the last update plus
// access-based reinforcement. Decay compounds across sweeps: each run decays
// the stored current_importance by exp(-lambda * days since the last run),
// which over any sweep schedule composes to base * exp(-lambda * total_days)
// for an unaccessed memory.
func computeDecay(current float64, accessCount int, lastDecayAt time.Time, lastAccessedAt *time.Time, now time.Time, p Params) decayUpdate {
	daysDecay := now.Sub(lastDecayAt).Hours() / 24
	if daysDecay < 0 {
		daysDecay = 0
	}
	factor := math.Exp(-p.DecayRate * daysDecay)
	decayed := current * factor

	reinforcement := 0.0
	if lastAccessedAt != nil {
		daysAccess := now.Sub(*lastAccessedAt).Hours() / 24
		if daysAccess >= 0 && daysAccess < reinforcementWindowDays {
			n := accessCount
			if n > reinforcementAccessCap {
				n = reinforcementAccessCap
			}
			reinforcement = p.ReinforcementBonus * float64(n) * (1 - daysAccess/reinforcementWindowDays)
		}
	}

	updated := decayed + reinforcement
	if updated < p.ImportanceFloor {
		updated = p.ImportanceFloor
	}
	return decayUpdate{current: updated, factor: factor, reinforcement: reinforcement}
}

// RunDecayUpdate applies the decay formula to every active memory in one
// transaction, logging material changes and archiving stale low-importance
// memories. It returns the number of memories whose importance materially
// changed.
func (s *Store) RunDecayUpdate(ctx context.Context) (int, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin decay tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, created_at, current_importance, last_decay_at, access_count, last_accessed_at
		FROM memories WHERE is_active = 1`)
	if err != nil {
		return 0, fmt.Errorf("load active memories: %w", err)
	}

	type pending struct {
		id        string
		createdAt time.Time
		upd       decayUpdate
		old       float64
	}
	var updates []pending
	for rows.Next() {
		var (
			id, createdAt, lastDecayAt string
			current                    float64
			accessCount                int
			lastAccessed               timeNullString
		)
		if err := rows.Scan(&id, &createdAt, &current, &lastDecayAt, &accessCount, &lastAccessed); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan decay row: %w", err)
		}
		upd := computeDecay(current, accessCount, parseTime(lastDecayAt), lastAccessed.ptr(), now, s.params)
		updates = append(updates, pending{id: id, createdAt: parseTime(createdAt), upd: upd, old: current})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	changed := 0
	nowStr := formatTime(now)
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET current_importance = ?, last_decay_at = ? WHERE id = ?`,
			u.upd.current, nowStr, u.id); err != nil {
			return 0, fmt.Errorf("update importance: %w", err)
		}

		if math.Abs(u.upd.current-u.old) >= materialDelta {
			changed++
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO decay_log (memory_id, old_importance, new_importance, decay_factor, reinforcement, run_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				u.id, u.old, u.upd.current, u.upd.factor, u.upd.reinforcement, nowStr); err != nil {
				return 0, fmt.Errorf("append decay log: %w", err)
			}
		}

		if u.upd.current < archiveImportanceCeiling && now.Sub(u.createdAt) > archiveMinAge {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories SET is_active = 0 WHERE id = ?`, u.id); err != nil {
				return 0, fmt.Errorf("archive memory: %w", err)
			}
			s.log.Info().Str("memory_id", u.id).Float64("importance", u.upd.current).
				Msg("archived stale memory")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit decay tx: %w", err)
	}
	return changed, nil
}

// ReinforceMemories bumps access_count and last_accessed_at for the given
// ids in one short transaction. Called after every retrieval.
func (s *Store) ReinforceMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(s.now()))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("reinforce memories: %w", err)
	}
	return nil
}

// RunDecayLoop runs a sweep immediately and then on every tick until ctx is
// canceled. Sweep failures are logged only.
func (s *Store) RunDecayLoop(ctx context.Context, interval time.Duration) {
	sweep := func() {
		n, err := s.RunDecayUpdate(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("decay sweep failed")
			return
		}
		s.log.Info().Int("updated", n).Msg("decay sweep complete")
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}

// DecayLogFor returns the audit trail for a memory, oldest first.
func (s *Store) DecayLogFor(ctx context.Context, memoryID string) ([]DecayLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, old_importance, new_importance, decay_factor, reinforcement, run_at
		FROM decay_log WHERE memory_id = ? ORDER BY id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query decay log: %w", err)
	}
	defer rows.Close()

	var out []DecayLogEntry
	for rows.Next() {
		var e DecayLogEntry
		var runAt string
		if err := rows.Scan(&e.MemoryID, &e.OldImportance, &e.NewImportance, &e.DecayFactor, &e.Reinforcement, &runAt); err != nil {
			return nil, fmt.Errorf("scan decay log: %w", err)
		}
		e.RunAt = parseTime(runAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// timeNullString scans a nullable timestamp column.
type timeNullString struct {
	valid bool
	value string
}

func (t *timeNullString) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.valid = false
	case string:
		t.valid, t.value = v != "", v
	case []byte:
		t.valid, t.value = len(v) > 0, string(v)
	default:
		return fmt.Errorf("unsupported time scan type %T", src)
	}
	return nil
}

func (t *timeNullString) ptr() *time.Time {
	if !t.valid {
		return nil
	}
	parsed := parseTime(t.value)
	return &parsed
}
