package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/config"
	"github.com/normanking/recall/internal/embedding"
	"github.com/normanking/recall/internal/logging"
)

// ErrNotFound is returned by lookups for ids that do not exist.
var ErrNotFound = errors.New("not found")

// Params are the engine tunables, taken from config.MemoryConfig.
type Params struct {
	DecayRate              float64
	ReinforcementBonus     float64
	ImportanceFloor        float64
	RetrievalK             int
	SimilarityThreshold    float64
	SpreadingDepth         int
	SpreadingDecay         float64
	ContradictionThreshold float64
}

// ParamsFromConfig maps the config section onto engine params.
func ParamsFromConfig(mc config.MemoryConfig) Params {
	return Params{
		DecayRate:              mc.DecayRate,
		ReinforcementBonus:     mc.ReinforcementBonus,
		ImportanceFloor:        mc.ImportanceFloor,
		RetrievalK:             mc.RetrievalK,
		SimilarityThreshold:    mc.SimilarityThreshold,
		SpreadingDepth:         mc.SpreadingDepth,
		SpreadingDecay:         mc.SpreadingDecay,
		ContradictionThreshold: mc.ContradictionThreshold,
	}
}

// querier abstracts *sql.DB and *sql.Tx so read helpers run inside or
// outside the write transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the memory engine over a SQLite database.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
	params   Params
	index    *VectorIndex
	log      zerolog.Logger

	// now is the clock; tests override it to pin decay math.
	now func() time.Time
}

// NewStore creates a Store. The schema must already be migrated.
func NewStore(db *sql.DB, embedder embedding.Embedder, params Params) *Store {
	return &Store{
		db:       db,
		embedder: embedder,
		params:   params,
		index:    NewVectorIndex(db),
		log:      logging.Component("store"),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Params returns the engine tunables.
func (s *Store) Params() Params { return s.params }

// newID returns a fresh ULID string.
func newID() string {
	return ulid.Make().String()
}

// ----------------------------------------------------------------------------
// Time and JSON column helpers
// ----------------------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ----------------------------------------------------------------------------
// Memory row scanning
// ----------------------------------------------------------------------------

const memoryColumns = `id, created_at, summary, entities, facts, structured_facts,
	tier, confidence, valid_from, valid_to,
	base_importance, current_importance, last_decay_at,
	access_count, last_accessed_at, embedding, is_active, supersedes,
	source_conversation_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*MemoryUnit, error) {
	var (
		m                                MemoryUnit
		createdAt, lastDecayAt           string
		entities, facts, structured      string
		validFrom, validTo, lastAccessed sql.NullString
		embBlob                          []byte
		isActive                         int
		supersedes                       string
		sourceConversation               sql.NullString
	)

	err := row.Scan(
		&m.ID, &createdAt, &m.Summary, &entities, &facts, &structured,
		&m.Tier, &m.Confidence, &validFrom, &validTo,
		&m.BaseImportance, &m.CurrentImportance, &lastDecayAt,
		&m.AccessCount, &lastAccessed, &embBlob, &isActive, &supersedes,
		&sourceConversation,
	)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = parseTime(createdAt)
	m.LastDecayAt = parseTime(lastDecayAt)
	m.ValidFrom = parseTimePtr(validFrom)
	m.ValidTo = parseTimePtr(validTo)
	m.LastAccessedAt = parseTimePtr(lastAccessed)
	m.Embedding = BytesToFloat32Slice(embBlob)
	m.IsActive = isActive == 1
	m.SourceConversationID = sourceConversation.String

	_ = json.Unmarshal([]byte(entities), &m.Entities)
	_ = json.Unmarshal([]byte(facts), &m.Facts)
	_ = json.Unmarshal([]byte(structured), &m.StructuredFacts)
	_ = json.Unmarshal([]byte(supersedes), &m.Supersedes)

	return &m, nil
}

func queryMemories(ctx context.Context, q querier, where string, args ...any) ([]MemoryUnit, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryUnit
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Read paths
// ----------------------------------------------------------------------------

// GetMemory returns a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryUnit, error) {
	return getMemory(ctx, s.db, id)
}

func getMemory(ctx context.Context, q querier, id string) (*MemoryUnit, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// ListMemories returns all memories, optionally including inactive ones,
// newest first.
func (s *Store) ListMemories(ctx context.Context, includeInactive bool) ([]MemoryUnit, error) {
	where := `WHERE is_active = 1 ORDER BY created_at DESC, id DESC`
	if includeInactive {
		where = `ORDER BY created_at DESC, id DESC`
	}
	return queryMemories(ctx, s.db, where)
}

// MemoriesByTier returns active memories of the given tier, newest first.
func (s *Store) MemoriesByTier(ctx context.Context, tier string) ([]MemoryUnit, error) {
	return queryMemories(ctx, s.db,
		`WHERE is_active = 1 AND tier = ? ORDER BY created_at DESC, id DESC`, tier)
}

// RelationsFor returns all relations touching the given memory.
func (s *Store) RelationsFor(ctx context.Context, memoryID string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, relation_type, weight, bidirectional
		FROM relations
		WHERE source_id = ? OR target_id = ?
		ORDER BY weight DESC, source_id, target_id`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		var bidi int
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelationType, &r.Weight, &bidi); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		r.Bidirectional = bidi == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// upsertRelation inserts a relation or max-merges the weight of an existing
// one.
func upsertRelation(ctx context.Context, q querier, r Relation) error {
	bidi := 0
	if r.Bidirectional {
		bidi = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO relations (source_id, target_id, relation_type, weight, bidirectional)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type)
		DO UPDATE SET weight = MAX(weight, excluded.weight),
		              bidirectional = MAX(bidirectional, excluded.bidirectional)`,
		r.SourceID, r.TargetID, r.RelationType, r.Weight, bidi)
	if err != nil {
		return fmt.Errorf("upsert relation: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Conversation provenance log
// ----------------------------------------------------------------------------

// LogTurn appends a conversation turn to the provenance log.
func (s *Store) LogTurn(ctx context.Context, conversationID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		newID(), conversationID, role, content, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("log turn: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Full-text helpers
// ----------------------------------------------------------------------------

// ftsQuery turns free text into an OR query of quoted tokens so user input
// can never break the FTS5 MATCH syntax.
func ftsQuery(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// textRankScores returns a normalized [0,1) text-match score per memory id
// for the given query text. bm25 returns more-negative values for better
// matches; the score is mapped through r/(r+1).
func textRankScores(ctx context.Context, q querier, text string, limit int) (map[string]float64, error) {
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT mem_id, bm25(memories_fts) AS rank
		FROM memories_fts
		WHERE memories_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		r := -rank
		if r < 0 {
			r = 0
		}
		scores[id] = r / (r + 1)
	}
	return scores, rows.Err()
}
