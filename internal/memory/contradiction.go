package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Conflict types emitted by detection.
const (
	ConflictIdentity        = "identity_conflict"
	ConflictFact            = "fact_conflict"
	ConflictPotentialUpdate = "potential_update"
)

// StrategyKind tags how a conflict resolution was selected.
type StrategyKind string

const (
	StrategyTemporal      StrategyKind = "temporal"
	StrategyTierHierarchy StrategyKind = "tier_hierarchy"
	StrategyConfidence    StrategyKind = "confidence"
	StrategyCoexist       StrategyKind = "coexist"
	StrategyMerge         StrategyKind = "merge"
)

// ConflictAction says which side supersedes the other, if any. "a" is the
// new memory, "b" the existing one.
type ConflictAction string

const (
	ActionNewWins      ConflictAction = ResolutionASupersedes
	ActionExistingWins ConflictAction = ResolutionBSupersedes
	ActionPending      ConflictAction = ResolutionPending
)

// ConflictResolution is the tagged outcome of strategy selection.
type ConflictResolution struct {
	Strategy StrategyKind   `json:"strategy"`
	Action   ConflictAction `json:"action"`
	Reason   string         `json:"reason"`
}

// Conflict is one detected contradiction between a proposal and an existing
// memory.
type Conflict struct {
	Type       string             `json:"type"`
	ExistingID string             `json:"existing_id"`
	FieldPath  string             `json:"field_path"`
	Similarity float64            `json:"similarity"`
	Reason     string             `json:"reason"`
	Resolution ConflictResolution `json:"resolution"`
}

// ----------------------------------------------------------------------------
// Pass A: identity guard
// ----------------------------------------------------------------------------

// identityPatterns extract a user name from free text, in match order.
var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)user'?s name is (\w+)`),
	regexp.MustCompile(`(?i)\bmy name is (\w+)`),
	regexp.MustCompile(`(?i)\bi am (\w+)\b`),
	regexp.MustCompile(`(?i)\bcall me (\w+)\b`),
	regexp.MustCompile(`(?i)\b(\w+) introduces\b`),
}

var identityStopwords = map[string]bool{
	"user": true, "asking": true, "the": true, "a": true, "an": true,
	"here": true, "there": true,
}

// extractUserName pulls the first plausible user name from the given texts.
func extractUserName(texts ...string) string {
	for _, text := range texts {
		for _, p := range identityPatterns {
			m := p.FindStringSubmatch(text)
			if len(m) < 2 {
				continue
			}
			name := m[1]
			if identityStopwords[strings.ToLower(name)] {
				continue
			}
			return name
		}
	}
	return ""
}

// ----------------------------------------------------------------------------
// Detection
// ----------------------------------------------------------------------------

// DetectConflicts runs both detection passes, plus validation of the
// contradictions the extractor itself asserted, against the live database.
// The write pipeline runs the same logic inside its transaction.
func (s *Store) DetectConflicts(ctx context.Context, p Proposal) ([]Conflict, error) {
	emb, err := s.embedder.Embed(ctx, p.Summary)
	if err != nil {
		return nil, fmt.Errorf("embed proposal summary: %w", err)
	}
	return s.detectConflicts(ctx, s.db, p, emb)
}

func (s *Store) detectConflicts(ctx context.Context, q querier, p Proposal, summaryEmb []float32) ([]Conflict, error) {
	var conflicts []Conflict

	identity, err := s.detectIdentityConflicts(ctx, q, p)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, identity...)

	semantic, err := s.detectSemanticConflicts(ctx, q, p, summaryEmb)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, semantic...)

	asserted, err := s.assertedConflicts(ctx, q, p)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, asserted...)

	return conflicts, nil
}

// detectIdentityConflicts flags a new user name that differs from a
// previously stored one. The newer assertion wins.
func (s *Store) detectIdentityConflicts(ctx context.Context, q querier, p Proposal) ([]Conflict, error) {
	texts := append([]string{p.Summary}, p.Facts...)
	newName := extractUserName(texts...)
	if newName == "" {
		return nil, nil
	}

	recent, err := queryMemories(ctx, q, `
		WHERE is_active = 1
		  AND (summary LIKE '%name is%' OR summary LIKE '%I am %' OR summary LIKE '%introduces%'
		       OR facts LIKE '%name is%' OR facts LIKE '%I am %' OR facts LIKE '%introduces%')
		ORDER BY created_at DESC, id DESC
		LIMIT 5`)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for i := range recent {
		m := &recent[i]
		existing := extractUserName(append([]string{m.Summary}, m.Facts...)...)
		if existing == "" || strings.EqualFold(existing, newName) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Type:       ConflictIdentity,
			ExistingID: m.ID,
			FieldPath:  "identity.name",
			Similarity: 0.95,
			Reason:     fmt.Sprintf("stored user name %q conflicts with new name %q", existing, newName),
			Resolution: ConflictResolution{
				Strategy: StrategyTemporal,
				Action:   ActionNewWins,
				Reason:   "newer identity assertion supersedes the stored one",
			},
		})
	}
	return conflicts, nil
}

// detectSemanticConflicts embeds the proposal summary and examines the most
// similar stored memories for fact conflicts and potential updates.
func (s *Store) detectSemanticConflicts(ctx context.Context, q querier, p Proposal, summaryEmb []float32) ([]Conflict, error) {
	if len(summaryEmb) == 0 {
		return nil, nil
	}

	all, err := queryMemories(ctx, q, `WHERE is_active = 1 AND embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}

	var similar []ScoredItem[*MemoryUnit]
	for i := range all {
		cos := CosineSimilarity(summaryEmb, all[i].Embedding)
		if cos > s.params.ContradictionThreshold {
			similar = append(similar, ScoredItem[*MemoryUnit]{Item: &all[i], Score: cos})
		}
	}
	similar = TopKWithScores(similar, 10)

	var conflicts []Conflict
	for _, cand := range similar {
		m := cand.Item
		cos := cand.Score

		for _, pf := range p.StructuredFacts {
			for _, mf := range m.StructuredFacts {
				if !strings.EqualFold(pf.Subject, mf.Subject) || !strings.EqualFold(pf.Predicate, mf.Predicate) {
					continue
				}
				if strings.EqualFold(pf.Object, mf.Object) {
					continue
				}
				conflicts = append(conflicts, Conflict{
					Type:       ConflictFact,
					ExistingID: m.ID,
					FieldPath:  strings.ToLower(pf.Subject) + "." + strings.ToLower(pf.Predicate),
					Similarity: cos,
					Reason: fmt.Sprintf("fact %s.%s: new object %q vs stored %q",
						pf.Subject, pf.Predicate, pf.Object, mf.Object),
					Resolution: selectResolution(p, m, &pf, &mf),
				})
			}
		}

		if cos > 0.85 && !strings.EqualFold(p.Summary, m.Summary) && entityOverlap(p.Entities, m.Entities) > 0 {
			conflicts = append(conflicts, Conflict{
				Type:       ConflictPotentialUpdate,
				ExistingID: m.ID,
				FieldPath:  "summary",
				Similarity: cos,
				Reason:     fmt.Sprintf("summaries differ on shared entities (similarity %.2f)", cos),
				Resolution: selectResolution(p, m, nil, nil),
			})
		}
	}
	return conflicts, nil
}

// assertedConflicts validates contradictions claimed by the extractor
// itself.
func (s *Store) assertedConflicts(ctx context.Context, q querier, p Proposal) ([]Conflict, error) {
	var conflicts []Conflict
	for _, c := range p.Contradicts {
		m, err := getMemory(ctx, q, c.MemoryID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !m.IsActive {
			continue
		}

		action := ActionNewWins
		strategy := StrategyTierHierarchy
		switch c.SuggestedResolution {
		case ResolutionBSupersedes:
			action = ActionExistingWins
		case ResolutionCoexist, ResolutionPending:
			action, strategy = ActionPending, StrategyCoexist
		}
		conflicts = append(conflicts, Conflict{
			Type:       ConflictFact,
			ExistingID: m.ID,
			FieldPath:  "summary",
			Similarity: 0.9,
			Reason:     c.Reason,
			Resolution: ConflictResolution{Strategy: strategy, Action: action, Reason: "asserted by extractor"},
		})
	}
	return conflicts, nil
}

// selectResolution applies the ordered strategy rules: temporal, tier
// hierarchy, confidence gap, then coexist. The first rule that applies wins.
func selectResolution(p Proposal, m *MemoryUnit, pf, mf *StructuredFact) ConflictResolution {
	if pf != nil && mf != nil && pf.Temporal == TemporalCurrent && mf.Temporal == TemporalPast {
		return ConflictResolution{
			Strategy: StrategyTemporal,
			Action:   ActionNewWins,
			Reason:   "current fact supersedes past fact",
		}
	}

	newPrio, oldPrio := p.Tier.Priority(), m.Tier.Priority()
	if newPrio != oldPrio {
		action := ActionNewWins
		if oldPrio > newPrio {
			action = ActionExistingWins
		}
		return ConflictResolution{
			Strategy: StrategyTierHierarchy,
			Action:   action,
			Reason:   fmt.Sprintf("tier %s (priority %d) vs %s (priority %d)", p.Tier, newPrio, m.Tier, oldPrio),
		}
	}

	if delta := p.Confidence - m.Confidence; math.Abs(delta) > 0.2 {
		action := ActionNewWins
		if delta < 0 {
			action = ActionExistingWins
		}
		return ConflictResolution{
			Strategy: StrategyConfidence,
			Action:   action,
			Reason:   fmt.Sprintf("confidence gap %.2f", delta),
		}
	}

	return ConflictResolution{
		Strategy: StrategyCoexist,
		Action:   ActionPending,
		Reason:   "no decisive rule; both memories stay active",
	}
}

// entityOverlap computes |A∩B| / max(|A|,|B|) over case-folded entity sets.
func entityOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, e := range a {
		setA[strings.ToLower(strings.TrimSpace(e))] = true
	}
	setB := make(map[string]bool, len(b))
	for _, e := range b {
		setB[strings.ToLower(strings.TrimSpace(e))] = true
	}

	shared := 0
	for e := range setA {
		if setB[e] {
			shared++
		}
	}
	maxLen := len(setA)
	if len(setB) > maxLen {
		maxLen = len(setB)
	}
	return float64(shared) / float64(maxLen)
}

// ----------------------------------------------------------------------------
// Supersession and manual resolution
// ----------------------------------------------------------------------------

// applySupersession deactivates the loser and appends its id to the winner's
// supersedes set. Deactivation is one-way; the supersedes array is
// append-only.
func applySupersession(ctx context.Context, q querier, winnerID, loserID string) error {
	var supersedesJSON string
	if err := q.QueryRowContext(ctx, `
		SELECT supersedes FROM memories WHERE id = ?`, winnerID).Scan(&supersedesJSON); err != nil {
		return fmt.Errorf("load winner supersedes: %w", err)
	}

	var supersedes []string
	_ = json.Unmarshal([]byte(supersedesJSON), &supersedes)
	if !containsString(supersedes, loserID) {
		supersedes = append(supersedes, loserID)
		sort.Strings(supersedes)
		if _, err := q.ExecContext(ctx, `
			UPDATE memories SET supersedes = ? WHERE id = ?`,
			marshalJSON(supersedes), winnerID); err != nil {
			return fmt.Errorf("append supersedes: %w", err)
		}
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE memories SET is_active = 0 WHERE id = ?`, loserID); err != nil {
		return fmt.Errorf("deactivate superseded memory: %w", err)
	}
	return nil
}

// PendingContradictions returns unresolved contradiction rows, oldest first.
func (s *Store) PendingContradictions(ctx context.Context) ([]Contradiction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_a, memory_b, field_path, reason, resolution, resolution_note, detected_at, resolved_at
		FROM contradictions WHERE resolution = ? ORDER BY detected_at, id`, ResolutionPending)
	if err != nil {
		return nil, fmt.Errorf("query contradictions: %w", err)
	}
	defer rows.Close()

	var out []Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContradiction(row rowScanner) (*Contradiction, error) {
	var (
		c                Contradiction
		note, resolvedAt sql.NullString
		detectedAt       string
	)
	if err := row.Scan(&c.ID, &c.MemoryA, &c.MemoryB, &c.FieldPath, &c.Reason,
		&c.Resolution, &note, &detectedAt, &resolvedAt); err != nil {
		return nil, fmt.Errorf("scan contradiction: %w", err)
	}
	c.ResolutionNote = note.String
	c.DetectedAt = parseTime(detectedAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}
	return &c, nil
}

// ResolveContradiction applies a manual resolution: a_supersedes and
// b_supersedes perform the supersession side effects, every terminal state
// stamps resolved_at.
func (s *Store) ResolveContradiction(ctx context.Context, id, resolution, note string) error {
	switch resolution {
	case ResolutionASupersedes, ResolutionBSupersedes, ResolutionCoexist, ResolutionMerged, ResolutionUserResolved:
	default:
		return fmt.Errorf("invalid resolution %q", resolution)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, memory_a, memory_b, field_path, reason, resolution, resolution_note, detected_at, resolved_at
		FROM contradictions WHERE id = ?`, id)
	c, err := scanContradiction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("contradiction %s: %w", id, ErrNotFound)
		}
		return err
	}
	if c.Resolution != ResolutionPending {
		return fmt.Errorf("contradiction %s already resolved as %s", id, c.Resolution)
	}

	switch resolution {
	case ResolutionASupersedes:
		if err := applySupersession(ctx, tx, c.MemoryA, c.MemoryB); err != nil {
			return err
		}
	case ResolutionBSupersedes:
		if err := applySupersession(ctx, tx, c.MemoryB, c.MemoryA); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contradictions SET resolution = ?, resolution_note = ?, resolved_at = ? WHERE id = ?`,
		resolution, note, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("update contradiction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve tx: %w", err)
	}
	return nil
}

// recordContradiction inserts a contradiction row. Best-effort callers log
// and continue on failure.
func (s *Store) recordContradiction(ctx context.Context, q querier, memoryA, memoryB, fieldPath, reason, resolution string, resolvedAt *time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO contradictions (id, memory_a, memory_b, field_path, reason, resolution, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), memoryA, memoryB, fieldPath, reason, resolution,
		formatTime(s.now()), formatTimePtr(resolvedAt))
	if err != nil {
		return fmt.Errorf("record contradiction: %w", err)
	}
	return nil
}
