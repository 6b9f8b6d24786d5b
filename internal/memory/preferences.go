package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// insertPreference writes a preference row, superseding any active row for
// the same (subject, entity) pair. Preference rows are never updated in
// place: the old row is deactivated with superseded_by pointing at the new
// id.
func (s *Store) insertPreference(ctx context.Context, q querier, p Preference) (string, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Subject == "" {
		p.Subject = "user"
	}

	var priorID string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM preferences
		WHERE is_active = 1 AND subject = ? COLLATE NOCASE AND entity = ? COLLATE NOCASE
		ORDER BY created_at DESC LIMIT 1`, p.Subject, p.Entity).Scan(&priorID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("prior preference lookup: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO preferences (id, subject, entity, valence, strength, context, confidence, memory_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		p.ID, p.Subject, p.Entity, p.Valence, p.Strength, p.Context, p.Confidence,
		nullIfEmpty(p.MemoryID), formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("insert preference: %w", err)
	}

	if priorID != "" {
		if _, err := q.ExecContext(ctx, `
			UPDATE preferences SET is_active = 0, superseded_by = ? WHERE id = ?`,
			p.ID, priorID); err != nil {
			return "", fmt.Errorf("supersede preference: %w", err)
		}
	}
	return p.ID, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// PreferenceFilter narrows GetUserPreferences.
type PreferenceFilter struct {
	Entity  string
	Valence string
}

// GetUserPreferences returns active preferences, optionally filtered by
// entity substring and valence, strongest first.
func (s *Store) GetUserPreferences(ctx context.Context, filter PreferenceFilter) ([]Preference, error) {
	where := []string{"is_active = 1"}
	var args []any
	if filter.Entity != "" {
		where = append(where, "entity LIKE ? COLLATE NOCASE")
		args = append(args, "%"+filter.Entity+"%")
	}
	if filter.Valence != "" {
		where = append(where, "valence = ?")
		args = append(args, filter.Valence)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, entity, valence, strength, context, confidence, memory_id, is_active, superseded_by, created_at
		FROM preferences
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY strength DESC, created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	return scanPreferences(rows)
}

// ListPreferences returns every preference row, including superseded ones.
func (s *Store) ListPreferences(ctx context.Context) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, entity, valence, strength, context, confidence, memory_id, is_active, superseded_by, created_at
		FROM preferences ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	return scanPreferences(rows)
}

func scanPreferences(rows *sql.Rows) ([]Preference, error) {
	var out []Preference
	for rows.Next() {
		var (
			p                      Preference
			memoryID, supersededBy sql.NullString
			isActive               int
			createdAt              string
		)
		if err := rows.Scan(&p.ID, &p.Subject, &p.Entity, &p.Valence, &p.Strength, &p.Context,
			&p.Confidence, &memoryID, &isActive, &supersededBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		p.MemoryID = memoryID.String
		p.SupersededBy = supersededBy.String
		p.IsActive = isActive == 1
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
