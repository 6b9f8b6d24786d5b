package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Weights of the hybrid base score.
const (
	vectorWeight     = 0.6
	textWeight       = 0.2
	importanceWeight = 0.2

	// bucketScanThreshold is the active-memory count above which candidate
	// generation goes through the approximate bucket index instead of a full
	// scan.
	bucketScanThreshold = 1024

	// ftsCandidateLimit bounds how many text matches join the candidate set.
	ftsCandidateLimit = 100
)

// Activation sources recorded on retrieval results.
const (
	SourceVectorSimilarity = "vector_similarity"
	SourceTextMatch        = "text_match"
	sourceSpreadPrefix     = "spread_"
)

// RetrieveOptions tunes one retrieval. Zero values fall back to the engine
// params.
type RetrieveOptions struct {
	K           int
	Depth       int
	SpreadDecay float64
	// Exclude removes specific ids from consideration; the orchestrator uses
	// it to hide memories written earlier in the same turn.
	Exclude []string
}

// scoredMemory accumulates a memory's score and activation sources during
// retrieval.
type scoredMemory struct {
	mem     *MemoryUnit
	score   float64
	sources []string
}

// Retrieve runs hybrid scoring plus bounded spreading activation and returns
// the top K memories. Results contain only active memories and the ordering
// is deterministic for identical data (score descending, id ascending).
// Callers reinforce the returned ids afterwards.
func (s *Store) Retrieve(ctx context.Context, queryText string, opts RetrieveOptions) ([]RetrievedMemory, error) {
	k := opts.K
	if k <= 0 {
		k = s.params.RetrievalK
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = s.params.SpreadingDepth
	}
	spreadDecay := opts.SpreadDecay
	if spreadDecay <= 0 {
		spreadDecay = s.params.SpreadingDecay
	}

	queryEmb, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	textScores, err := textRankScores(ctx, s.db, queryText, ftsCandidateLimit)
	if err != nil {
		return nil, err
	}

	candidates, err := s.candidateMemories(ctx, queryEmb, textScores, 2*k)
	if err != nil {
		return nil, err
	}

	// Step 1: hybrid base score over the candidates; keep the top 2k.
	scored := make([]ScoredItem[*scoredMemory], 0, len(candidates))
	for i := range candidates {
		m := &candidates[i]
		if excluded[m.ID] {
			continue
		}

		cos := CosineSimilarity(queryEmb, m.Embedding)
		text := textScores[m.ID]
		if cos < s.params.SimilarityThreshold && text == 0 {
			continue
		}

		var sources []string
		if cos >= s.params.SimilarityThreshold {
			sources = append(sources, SourceVectorSimilarity)
		}
		if text > 0 {
			sources = append(sources, SourceTextMatch)
		}

		base := vectorWeight*cos + textWeight*text + importanceWeight*(m.CurrentImportance/10)
		scored = append(scored, ScoredItem[*scoredMemory]{
			Item:  &scoredMemory{mem: m, score: base, sources: sources},
			Score: base,
		})
	}
	top := TopKWithScores(scored, 2*k)

	active := make(map[string]*scoredMemory, len(top))
	frontier := make([]string, 0, len(top))
	for _, it := range top {
		active[it.Item.mem.ID] = it.Item
		frontier = append(frontier, it.Item.mem.ID)
	}

	// Step 2: spreading activation through the relation graph. The factor is
	// squared at each hop so influence attenuates geometrically.
	decay := spreadDecay
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		next, err := s.spreadFrom(ctx, frontier, queryEmb, decay, active, excluded)
		if err != nil {
			return nil, err
		}
		frontier = next
		decay *= decay
	}

	// Step 3: final top-k selection, deterministic order.
	all := make([]*scoredMemory, 0, len(active))
	for _, sm := range active {
		all = append(all, sm)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].mem.ID < all[j].mem.ID
	})
	if len(all) > k {
		all = all[:k]
	}

	out := make([]RetrievedMemory, 0, len(all))
	for _, sm := range all {
		out = append(out, RetrievedMemory{
			Memory:            *sm.mem,
			CombinedScore:     sm.score,
			ActivationSources: sm.sources,
		})
	}
	return out, nil
}

// candidateMemories loads the active memories considered for base scoring.
// Small stores scan everything; larger ones probe the bucket index and merge
// in the text matches, falling back to a full scan when those name fewer than
// minCandidates memories.
func (s *Store) candidateMemories(ctx context.Context, queryEmb []float32, textScores map[string]float64, minCandidates int) ([]MemoryUnit, error) {
	var activeCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE is_active = 1`).Scan(&activeCount); err != nil {
		return nil, fmt.Errorf("count active memories: %w", err)
	}

	if activeCount <= bucketScanThreshold {
		return queryMemories(ctx, s.db, `WHERE is_active = 1`)
	}

	ids, err := s.index.CandidateIDs(ctx, s.db, queryEmb)
	if err != nil {
		return nil, err
	}
	idSet := make(map[string]bool, len(ids)+len(textScores))
	for _, id := range ids {
		idSet[id] = true
	}
	for id := range textScores {
		idSet[id] = true
	}
	if len(idSet) < minCandidates {
		return queryMemories(ctx, s.db, `WHERE is_active = 1`)
	}

	all := make([]string, 0, len(idSet))
	for id := range idSet {
		all = append(all, id)
	}
	sort.Strings(all)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(all)), ",")
	args := make([]any, len(all))
	for i, id := range all {
		args[i] = id
	}
	return queryMemories(ctx, s.db, `WHERE is_active = 1 AND id IN (`+placeholders+`)`, args...)
}

// spreadFrom follows one hop of relations out of the frontier, scoring newly
// reached memories. Scores from multiple paths sum; activation sources
// accumulate per relation type.
func (s *Store) spreadFrom(ctx context.Context, frontier []string, queryEmb []float32, decay float64, active map[string]*scoredMemory, excluded map[string]bool) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(frontier)), ",")
	args := make([]any, 0, len(frontier)*2)
	for _, id := range frontier {
		args = append(args, id)
	}
	for _, id := range frontier {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, relation_type, weight, bidirectional
		FROM relations
		WHERE source_id IN (`+placeholders+`)
		   OR (target_id IN (`+placeholders+`) AND bidirectional = 1)
		ORDER BY source_id, target_id, relation_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("load frontier relations: %w", err)
	}
	defer rows.Close()

	inFrontier := make(map[string]bool, len(frontier))
	for _, id := range frontier {
		inFrontier[id] = true
	}

	// reached holds the memories first scored during this hop. Scores from
	// multiple paths within the hop sum; memories scored in an earlier hop or
	// in the base candidate set are not re-activated.
	reached := make(map[string]*scoredMemory)
	var next []string
	// The relation rows are drained before neighbors are loaded, so the
	// lookups below do not wait on the connection the open rows hold.
	var rels []Relation
	for rows.Next() {
		var r Relation
		var bidi int
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelationType, &r.Weight, &bidi); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		r.Bidirectional = bidi == 1
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, r := range rels {
		neighbor := r.TargetID
		if !inFrontier[r.SourceID] {
			neighbor = r.SourceID
		}
		if inFrontier[neighbor] || excluded[neighbor] {
			continue
		}

		sm, thisHop := reached[neighbor]
		if !thisHop {
			if _, priorHop := active[neighbor]; priorHop {
				continue
			}
			m, err := getMemory(ctx, s.db, neighbor)
			if err != nil || !m.IsActive {
				continue
			}
			sm = &scoredMemory{mem: m}
			reached[neighbor] = sm
			active[neighbor] = sm
			next = append(next, neighbor)
		}

		spread := CosineSimilarity(queryEmb, sm.mem.Embedding) * r.Weight * decay
		sm.score += spread
		sm.sources = appendUnique(sm.sources, sourceSpreadPrefix+r.RelationType)
	}
	return next, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if containsString(list, v) {
		return list
	}
	return append(list, v)
}
