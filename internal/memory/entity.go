package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Sources an entity resolution can come from, in decreasing trust order.
const (
	ResolveExplicitLink = "explicit_link"
	ResolveExactMatch   = "exact_match"
	ResolveAliasMatch   = "alias_match"
	ResolveNewEntity    = "new_entity"
	ResolveUnresolved   = "unresolved"
)

// EntityResolution is the outcome of canonicalizing one mention.
type EntityResolution struct {
	Canonical  string  `json:"canonical,omitempty"`
	EntityID   string  `json:"entity_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

var personTitles = []string{"mr ", "mr. ", "mrs ", "mrs. ", "ms ", "ms. ", "dr ", "dr. ", "prof ", "prof. "}

var placeMarkers = []string{"city", "state", "country", "street", "avenue", "road"}

var orgMarkers = []string{"inc", "corp", "llc", "ltd", "company"}

// inferEntityType guesses a type from surface patterns of the mention.
func inferEntityType(mention string) string {
	lower := strings.ToLower(mention)
	for _, t := range personTitles {
		if strings.HasPrefix(lower, t) {
			return EntityPerson
		}
	}
	for _, m := range placeMarkers {
		if strings.Contains(lower, m) {
			return EntityPlace
		}
	}
	for _, m := range orgMarkers {
		if strings.Contains(lower, m) {
			return EntityOrganization
		}
	}
	return EntityUnknown
}

// ResolveEntity canonicalizes a mention outside any write transaction.
// explicitLinks maps mention -> canonical name as supplied by the extractor.
func (s *Store) ResolveEntity(ctx context.Context, mention string, explicitLinks map[string]string) (EntityResolution, error) {
	return s.resolveEntity(ctx, s.db, mention, explicitLinks)
}

// resolveEntity implements the lookup order: explicit link, case-folded
// canonical match, case-folded alias match, new entity for capitalized
// mentions, unresolved otherwise.
func (s *Store) resolveEntity(ctx context.Context, q querier, mention string, explicitLinks map[string]string) (EntityResolution, error) {
	mention = strings.TrimSpace(mention)
	if mention == "" {
		return EntityResolution{Source: ResolveUnresolved}, nil
	}

	if canonical, ok := lookupFold(explicitLinks, mention); ok {
		id, err := s.ensureEntity(ctx, q, canonical, inferEntityType(canonical), 0.95)
		if err != nil {
			return EntityResolution{}, err
		}
		// The surface form becomes an alias of the linked canonical.
		if !strings.EqualFold(mention, canonical) {
			if err := addAlias(ctx, q, id, mention); err != nil {
				return EntityResolution{}, err
			}
		}
		return EntityResolution{Canonical: canonical, EntityID: id, Confidence: 0.95, Source: ResolveExplicitLink}, nil
	}

	var id, canonical string
	err := q.QueryRowContext(ctx, `
		SELECT id, canonical_name FROM entities WHERE canonical_name = ? COLLATE NOCASE`,
		mention).Scan(&id, &canonical)
	if err == nil {
		return EntityResolution{Canonical: canonical, EntityID: id, Confidence: 1.0, Source: ResolveExactMatch}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return EntityResolution{}, fmt.Errorf("canonical lookup: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT e.id, e.canonical_name
		FROM entity_aliases a JOIN entities e ON e.id = a.entity_id
		WHERE a.alias = ? COLLATE NOCASE
		ORDER BY e.id LIMIT 1`, mention).Scan(&id, &canonical)
	if err == nil {
		return EntityResolution{Canonical: canonical, EntityID: id, Confidence: 0.9, Source: ResolveAliasMatch}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return EntityResolution{}, fmt.Errorf("alias lookup: %w", err)
	}

	runes := []rune(mention)
	if len(runes) > 0 && unicode.IsUpper(runes[0]) {
		id, err := s.ensureEntity(ctx, q, mention, inferEntityType(mention), 0.7)
		if err != nil {
			return EntityResolution{}, err
		}
		return EntityResolution{Canonical: mention, EntityID: id, Confidence: 0.7, Source: ResolveNewEntity}, nil
	}

	return EntityResolution{Source: ResolveUnresolved}, nil
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// ensureEntity returns the id of the entity with the given canonical name,
// creating it when absent.
func (s *Store) ensureEntity(ctx context.Context, q querier, canonical, entityType string, confidence float64) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM entities WHERE canonical_name = ? COLLATE NOCASE`, canonical).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("entity lookup: %w", err)
	}

	id = newID()
	now := formatTime(s.now())
	if _, err := q.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_name, entity_type, confidence, confirmed, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, canonical, entityType, confidence, now, now); err != nil {
		return "", fmt.Errorf("create entity: %w", err)
	}
	return id, nil
}

func addAlias(ctx context.Context, q querier, entityID, alias string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_aliases (entity_id, alias) VALUES (?, ?)`, entityID, alias)
	if err != nil {
		return fmt.Errorf("add alias: %w", err)
	}
	return nil
}

// linkEntityMemory unions memoryID into the entity's memory set and refreshes
// last_seen_at.
func (s *Store) linkEntityMemory(ctx context.Context, q querier, entityID, memoryID string) error {
	if _, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_memories (entity_id, memory_id) VALUES (?, ?)`,
		entityID, memoryID); err != nil {
		return fmt.Errorf("link entity memory: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE entities SET last_seen_at = ? WHERE id = ?`,
		formatTime(s.now()), entityID); err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	return nil
}

// MergeEntities folds source into target: aliases union (the source's
// canonical name becomes an alias of the target), memory sets union, and the
// source row is deleted, all in one transaction.
func (s *Store) MergeEntities(ctx context.Context, targetID, sourceID string) error {
	if targetID == sourceID {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	var sourceCanonical string
	if err := tx.QueryRowContext(ctx, `
		SELECT canonical_name FROM entities WHERE id = ?`, sourceID).Scan(&sourceCanonical); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entity %s: %w", sourceID, ErrNotFound)
		}
		return fmt.Errorf("load source entity: %w", err)
	}
	var targetExists int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities WHERE id = ?`, targetID).Scan(&targetExists); err != nil {
		return fmt.Errorf("load target entity: %w", err)
	}
	if targetExists == 0 {
		return fmt.Errorf("entity %s: %w", targetID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_aliases (entity_id, alias)
		SELECT ?, alias FROM entity_aliases WHERE entity_id = ?`, targetID, sourceID); err != nil {
		return fmt.Errorf("union aliases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_aliases (entity_id, alias) VALUES (?, ?)`,
		targetID, sourceCanonical); err != nil {
		return fmt.Errorf("alias source canonical: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_memories (entity_id, memory_id)
		SELECT ?, memory_id FROM entity_memories WHERE entity_id = ?`, targetID, sourceID); err != nil {
		return fmt.Errorf("union memories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, sourceID); err != nil {
		return fmt.Errorf("delete source entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

// GetEntity loads an entity with its aliases and memory ids.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return s.getEntity(ctx, s.db, id)
}

func (s *Store) getEntity(ctx context.Context, q querier, id string) (*Entity, error) {
	var (
		e                     Entity
		confirmed             int
		firstSeenAt, lastSeen string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, canonical_name, entity_type, confidence, confirmed, first_seen_at, last_seen_at
		FROM entities WHERE id = ?`, id).Scan(
		&e.ID, &e.CanonicalName, &e.EntityType, &e.Confidence, &confirmed, &firstSeenAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	e.Confirmed = confirmed == 1
	e.FirstSeenAt = parseTime(firstSeenAt)
	e.LastSeenAt = parseTime(lastSeen)

	rows, err := q.QueryContext(ctx, `
		SELECT alias FROM entity_aliases WHERE entity_id = ? ORDER BY alias`, id)
	if err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return nil, err
		}
		e.Aliases = append(e.Aliases, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `
		SELECT memory_id FROM entity_memories WHERE entity_id = ? ORDER BY memory_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load entity memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		e.MemoryIDs = append(e.MemoryIDs, m)
	}
	return &e, rows.Err()
}

// ListEntities returns all entities ordered by canonical name.
func (s *Store) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM entities ORDER BY canonical_name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.getEntity(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// MemoriesForEntity returns the active memories linked to the entity.
func (s *Store) MemoriesForEntity(ctx context.Context, entityID string) ([]MemoryUnit, error) {
	return queryMemories(ctx, s.db, `
		WHERE is_active = 1 AND id IN (SELECT memory_id FROM entity_memories WHERE entity_id = ?)
		ORDER BY created_at DESC, id DESC`, entityID)
}

// ConfirmEntity marks an entity as user-confirmed.
func (s *Store) ConfirmEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET confirmed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("confirm entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return nil
}
