// Package belief implements the confidence-tier model of the memory engine.
// Every stored memory carries a tier that bounds its confidence; tiers also
// carry a priority used when two memories contradict each other.
package belief

// Tier is a categorical confidence band on a memory.
type Tier string

const (
	TierAssertedFact     Tier = "asserted_fact"     // User stated it outright
	TierObservedFact     Tier = "observed_fact"     // Inferred from conversation
	TierPreference       Tier = "preference"        // Likes and dislikes
	TierHypothesis       Tier = "hypothesis"        // Hedged or uncertain
	TierTemporaryContext Tier = "temporary_context" // True right now, not durable
)

// Bounds holds the confidence floor and ceiling of a tier.
type Bounds struct {
	Floor   float64
	Ceiling float64
}

var tierBounds = map[Tier]Bounds{
	TierAssertedFact:     {Floor: 0.90, Ceiling: 1.00},
	TierObservedFact:     {Floor: 0.80, Ceiling: 1.00},
	TierPreference:       {Floor: 0.75, Ceiling: 1.00},
	TierHypothesis:       {Floor: 0.30, Ceiling: 0.50},
	TierTemporaryContext: {Floor: 0.40, Ceiling: 1.00},
}

var tierPriority = map[Tier]int{
	TierAssertedFact:     5,
	TierObservedFact:     4,
	TierPreference:       3,
	TierHypothesis:       2,
	TierTemporaryContext: 1,
}

// promotions and demotions name the legal tier transitions.
var promotions = map[Tier]Tier{
	TierObservedFact:     TierAssertedFact,
	TierPreference:       TierAssertedFact,
	TierHypothesis:       TierObservedFact,
	TierTemporaryContext: TierObservedFact,
}

var demotions = map[Tier]Tier{
	TierAssertedFact: TierObservedFact,
	TierObservedFact: TierHypothesis,
	TierPreference:   TierHypothesis,
}

// IsValid reports whether t is a recognized tier.
func (t Tier) IsValid() bool {
	_, ok := tierBounds[t]
	return ok
}

// Bounds returns the confidence bounds of the tier. Unknown tiers get the
// observed_fact bounds, matching the classifier default.
func (t Tier) Bounds() Bounds {
	if b, ok := tierBounds[t]; ok {
		return b
	}
	return tierBounds[TierObservedFact]
}

// Priority returns the resolution priority of the tier (higher wins).
func (t Tier) Priority() int {
	return tierPriority[t]
}

// PromotionTarget returns the tier t may be promoted to, and whether a
// promotion is defined.
func (t Tier) PromotionTarget() (Tier, bool) {
	p, ok := promotions[t]
	return p, ok
}

// DemotionTarget returns the tier t may be demoted to, and whether a demotion
// is defined.
func (t Tier) DemotionTarget() (Tier, bool) {
	d, ok := demotions[t]
	return d, ok
}

// AllTiers returns every tier, highest priority first.
func AllTiers() []Tier {
	return []Tier{
		TierAssertedFact,
		TierObservedFact,
		TierPreference,
		TierHypothesis,
		TierTemporaryContext,
	}
}

// Enforce clamps confidence into the tier's bounds. It is idempotent.
func Enforce(t Tier, confidence float64) float64 {
	b := t.Bounds()
	if confidence < b.Floor {
		return b.Floor
	}
	if confidence > b.Ceiling {
		return b.Ceiling
	}
	return confidence
}
