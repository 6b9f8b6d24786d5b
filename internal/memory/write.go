package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/normanking/recall/internal/belief"
)

// ErrProposalRejected is returned for proposals that cannot become a memory
// (empty summary, should_write false).
var ErrProposalRejected = errors.New("proposal rejected")

// InsertMemoryUnit runs the full write pipeline in a single transaction:
// conflict detection, the memory row itself, supersession side effects,
// pending-contradiction bookkeeping, preference rows, entity resolution and
// linking, explicit relations, and relation auto-discovery. Any error rolls
// the whole turn back. It returns the new memory id.
func (s *Store) InsertMemoryUnit(ctx context.Context, p Proposal) (string, error) {
	if strings.TrimSpace(p.Summary) == "" {
		return "", fmt.Errorf("%w: empty summary", ErrProposalRejected)
	}
	if !p.Tier.IsValid() {
		p.Tier = belief.TierObservedFact
	}
	p.Confidence = belief.Enforce(p.Tier, p.Confidence)
	if p.Importance <= 0 {
		p.Importance = 5
	}
	if p.Importance < 1 {
		p.Importance = 1
	}
	if p.Importance > 10 {
		p.Importance = 10
	}

	// The embedding comes first; a write that cannot be embedded aborts.
	emb, err := s.embedder.Embed(ctx, p.Summary)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin write tx: %w", err)
	}
	defer tx.Rollback()

	conflicts, err := s.detectConflicts(ctx, tx, p, emb)
	if err != nil {
		return "", err
	}

	supersedes := make(map[string]bool, len(p.Supersedes))
	for _, sid := range p.Supersedes {
		supersedes[sid] = true
	}
	var existingWins, pending []Conflict
	for _, c := range conflicts {
		switch c.Resolution.Action {
		case ActionNewWins:
			supersedes[c.ExistingID] = true
		case ActionExistingWins:
			existingWins = append(existingWins, c)
		default:
			pending = append(pending, c)
		}
	}

	supersedesList := make([]string, 0, len(supersedes))
	for sid := range supersedes {
		supersedesList = append(supersedesList, sid)
	}
	sort.Strings(supersedesList)

	id := newID()
	now := s.now()
	nowStr := formatTime(now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, created_at, summary, entities, facts, structured_facts,
			tier, confidence, valid_from, valid_to,
			base_importance, current_importance, last_decay_at,
			access_count, last_accessed_at, embedding, is_active, supersedes,
			source_conversation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, 1, ?, ?)`,
		id, nowStr, p.Summary,
		marshalJSON(p.Entities), marshalJSON(p.Facts), marshalJSON(p.StructuredFacts),
		string(p.Tier), p.Confidence, formatTimePtr(p.ValidFrom), formatTimePtr(p.ValidTo),
		p.Importance, p.Importance, nowStr,
		Float32SliceToBytes(emb), marshalJSON(supersedesList),
		nullIfEmpty(p.SourceConversationID))
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories_fts (mem_id, summary, facts)
		VALUES (?, ?, ?)`, id, p.Summary, strings.Join(p.Facts, " ")); err != nil {
		return "", fmt.Errorf("index memory text: %w", err)
	}
	if err := s.index.IndexMemory(ctx, tx, id, emb); err != nil {
		return "", err
	}

	// Deactivate everything this memory supersedes.
	for _, sid := range supersedesList {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET is_active = 0 WHERE id = ?`, sid); err != nil {
			return "", fmt.Errorf("deactivate superseded: %w", err)
		}
	}

	// Conflicts the existing memory won: the new memory is immediately
	// superseded by it.
	for _, c := range existingWins {
		if err := applySupersession(ctx, tx, c.ExistingID, id); err != nil {
			return "", err
		}
	}

	// Pending contradictions are recorded best-effort now that the new id
	// exists; a bookkeeping failure must not lose the memory itself.
	for _, c := range pending {
		if err := s.recordContradiction(ctx, tx, id, c.ExistingID, c.FieldPath, c.Reason, ResolutionPending, nil); err != nil {
			s.log.Warn().Err(err).Str("memory_id", id).Msg("failed to record contradiction")
		}
	}

	for _, pref := range p.Preferences {
		if _, err := s.insertPreference(ctx, tx, Preference{
			Subject:    "user",
			Entity:     pref.Entity,
			Valence:    pref.Valence,
			Strength:   pref.Strength,
			Context:    pref.Context,
			Confidence: p.Confidence,
			MemoryID:   id,
		}); err != nil {
			return "", err
		}
	}

	links := make(map[string]string, len(p.EntityLinks))
	for _, l := range p.EntityLinks {
		links[l.Mention] = l.Canonical
	}
	for _, mention := range p.Entities {
		res, err := s.resolveEntity(ctx, tx, mention, links)
		if err != nil {
			return "", err
		}
		if res.EntityID == "" {
			continue
		}
		if err := s.linkEntityMemory(ctx, tx, res.EntityID, id); err != nil {
			return "", err
		}
	}

	for _, rid := range p.RelatedTo {
		if _, err := getMemory(ctx, tx, rid); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return "", err
		}
		if err := upsertRelation(ctx, tx, Relation{
			SourceID:      id,
			TargetID:      rid,
			RelationType:  RelationRelatedTo,
			Weight:        0.8,
			Bidirectional: true,
		}); err != nil {
			return "", err
		}
	}

	if err := s.discoverRelations(ctx, tx, id, p.Entities); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit write tx: %w", err)
	}

	s.log.Debug().Str("memory_id", id).Str("tier", string(p.Tier)).
		Int("conflicts", len(conflicts)).Msg("memory stored")
	return id, nil
}

// relationDiscoveryLimit caps how many entity-sharing memories are examined
// after an insert.
const (
	relationDiscoveryLimit   = 10
	relationOverlapThreshold = 0.3
)

// discoverRelations links the new memory to active memories sharing entities
// when the entity-set overlap is strong enough.
func (s *Store) discoverRelations(ctx context.Context, q querier, memoryID string, entities []string) error {
	if len(entities) == 0 {
		return nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.entities
		FROM memories m
		JOIN entity_memories em ON em.memory_id = m.id
		JOIN entity_memories mine ON mine.entity_id = em.entity_id AND mine.memory_id = ?
		WHERE m.is_active = 1 AND m.id != ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, memoryID, memoryID, relationDiscoveryLimit)
	if err != nil {
		return fmt.Errorf("find entity-sharing memories: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id       string
		entities []string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var entJSON string
		if err := rows.Scan(&c.id, &entJSON); err != nil {
			return fmt.Errorf("scan candidate: %w", err)
		}
		_ = unmarshalStrings(entJSON, &c.entities)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range candidates {
		overlap := entityOverlap(entities, c.entities)
		if overlap < relationOverlapThreshold {
			continue
		}
		if err := upsertRelation(ctx, q, Relation{
			SourceID:      memoryID,
			TargetID:      c.id,
			RelationType:  RelationRelatedTo,
			Weight:        overlap,
			Bidirectional: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalStrings(data string, dst *[]string) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}
