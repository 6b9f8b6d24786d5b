// Package memory implements the Recall memory engine: the persistent data
// model, the transactional write pipeline, hybrid graph retrieval, belief
// decay and reinforcement, entity canonicalization, and contradiction
// detection and resolution.
package memory

import (
	"time"

	"github.com/normanking/recall/internal/belief"
)

// Temporal validity markers on a structured fact.
const (
	TemporalCurrent = "current"
	TemporalPast    = "past"
	TemporalFuture  = "future"
	TemporalUnknown = "unknown"
)

// StructuredFact is a (subject, predicate, object) triple with a confidence
// and a temporal marker.
type StructuredFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Temporal   string  `json:"temporal"`
}

// MemoryUnit is the atomic stored belief.
type MemoryUnit struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Summary         string           `json:"summary"`
	Entities        []string         `json:"entities,omitempty"`
	Facts           []string         `json:"facts,omitempty"`
	StructuredFacts []StructuredFact `json:"structured_facts,omitempty"`

	Tier       belief.Tier `json:"tier"`
	Confidence float64     `json:"confidence"`

	ValidFrom *time.Time `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	BaseImportance    float64   `json:"base_importance"`
	CurrentImportance float64   `json:"current_importance"`
	LastDecayAt       time.Time `json:"last_decay_at"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	Embedding []float32 `json:"-"`

	IsActive   bool     `json:"is_active"`
	Supersedes []string `json:"supersedes,omitempty"`

	// SourceConversationID records which conversation produced this memory.
	SourceConversationID string `json:"source_conversation_id,omitempty"`
}

// Valence of a preference.
const (
	ValencePositive = "positive"
	ValenceNegative = "negative"
	ValenceNeutral  = "neutral"
)

// Preference is a first-class like/dislike record. Preference rows are
// immutable on content: an update inserts a new row and deactivates the old
// one with SupersededBy pointing at the replacement.
type Preference struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Entity       string    `json:"entity"`
	Valence      string    `json:"valence"`
	Strength     float64   `json:"strength"`
	Context      string    `json:"context,omitempty"`
	Confidence   float64   `json:"confidence"`
	MemoryID     string    `json:"memory_id,omitempty"`
	IsActive     bool      `json:"is_active"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Entity types inferred from surface patterns.
const (
	EntityPerson       = "person"
	EntityPlace        = "place"
	EntityOrganization = "organization"
	EntityUnknown      = "unknown"
)

// Entity is a canonicalized named thing linked to the memories that mention
// it. Entities and memories cross-reference through a join set; neither owns
// the other.
type Entity struct {
	ID            string    `json:"id"`
	CanonicalName string    `json:"canonical_name"`
	Aliases       []string  `json:"aliases,omitempty"`
	EntityType    string    `json:"entity_type"`
	Confidence    float64   `json:"confidence"`
	Confirmed     bool      `json:"confirmed"`
	MemoryIDs     []string  `json:"memory_ids,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// RelationRelatedTo is the relation type produced by auto-discovery and
// explicit related_to links.
const RelationRelatedTo = "related_to"

// Relation is a directed, weighted edge between two memories, unique on
// (source, target, type). Conflicting inserts max-merge the weight.
type Relation struct {
	SourceID      string  `json:"source_id"`
	TargetID      string  `json:"target_id"`
	RelationType  string  `json:"relation_type"`
	Weight        float64 `json:"weight"`
	Bidirectional bool    `json:"bidirectional"`
}

// Contradiction resolutions.
const (
	ResolutionPending      = "pending"
	ResolutionASupersedes  = "a_supersedes"
	ResolutionBSupersedes  = "b_supersedes"
	ResolutionCoexist      = "coexist"
	ResolutionMerged       = "merged"
	ResolutionUserResolved = "user_resolved"
)

// Contradiction records a detected conflict between two memories. MemoryA is
// the newer side.
type Contradiction struct {
	ID             string     `json:"id"`
	MemoryA        string     `json:"memory_a"`
	MemoryB        string     `json:"memory_b"`
	FieldPath      string     `json:"field_path"`
	Reason         string     `json:"reason"`
	Resolution     string     `json:"resolution"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// DecayLogEntry is an append-only audit record of one decay update.
type DecayLogEntry struct {
	MemoryID      string    `json:"memory_id"`
	OldImportance float64   `json:"old_importance"`
	NewImportance float64   `json:"new_importance"`
	DecayFactor   float64   `json:"decay_factor"`
	Reinforcement float64   `json:"reinforcement"`
	RunAt         time.Time `json:"run_at"`
}

// ProposalPreference is a preference carried by a memory proposal.
type ProposalPreference struct {
	Entity   string  `json:"entity"`
	Valence  string  `json:"valence"`
	Strength float64 `json:"strength"`
	Context  string  `json:"context,omitempty"`
}

// EntityLink is an explicit mention-to-canonical link supplied by the
// extractor.
type EntityLink struct {
	Mention      string `json:"mention"`
	Canonical    string `json:"canonical"`
	Relationship string `json:"relationship,omitempty"`
}

// ProposalContradiction is a contradiction asserted by the extractor itself.
type ProposalContradiction struct {
	MemoryID            string `json:"memory_id"`
	Reason              string `json:"reason"`
	SuggestedResolution string `json:"suggested_resolution,omitempty"`
}

// Proposal is the validated input to the write pipeline: either a sanitized
// deep-extractor payload or an instant-extractor product.
type Proposal struct {
	ShouldWrite     bool                    `json:"should_write"`
	Summary         string                  `json:"summary"`
	Tier            belief.Tier             `json:"tier"`
	Confidence      float64                 `json:"confidence"`
	Entities        []string                `json:"entities,omitempty"`
	Facts           []string                `json:"facts,omitempty"`
	StructuredFacts []StructuredFact        `json:"structured_facts,omitempty"`
	Preferences     []ProposalPreference    `json:"preferences,omitempty"`
	EntityLinks     []EntityLink            `json:"entity_links,omitempty"`
	ValidFrom       *time.Time              `json:"valid_from,omitempty"`
	ValidTo         *time.Time              `json:"valid_to,omitempty"`
	RelatedTo       []string                `json:"related_to,omitempty"`
	Contradicts     []ProposalContradiction `json:"contradicts,omitempty"`
	Importance      float64                 `json:"importance"`
	Supersedes      []string                `json:"supersedes,omitempty"`

	// SourceConversationID stamps provenance; set by the orchestrator.
	SourceConversationID string `json:"-"`
}

// RetrievedMemory is a retrieval result with its combined score and the
// sources that activated it.
type RetrievedMemory struct {
	Memory            MemoryUnit `json:"memory"`
	CombinedScore     float64    `json:"combined_score"`
	ActivationSources []string   `json:"activation_sources"`
}
