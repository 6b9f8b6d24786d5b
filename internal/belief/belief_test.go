package belief

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantTier Tier
		wantConf float64
	}{
		{"hedged origin", "I think I'm from Greece", TierHypothesis, 0.45},
		{"maybe", "Maybe I'll move next year", TierHypothesis, 0.45},
		{"temporal", "I'm staying at a hotel right now", TierTemporaryContext, 0.40},
		{"this week", "This week I'm on call", TierTemporaryContext, 0.40},
		{"likes", "I really love hiking", TierPreference, 0.80},
		{"dislikes", "I can't stand traffic", TierPreference, 0.80},
		{"favorite", "My favorite food is souvlaki", TierPreference, 0.80},
		{"name", "My name is Costa", TierAssertedFact, 0.92},
		{"work", "I work at a hospital", TierAssertedFact, 0.92},
		{"born", "I was born in 1990", TierAssertedFact, 0.92},
		{"default", "The meeting went well", TierObservedFact, 0.80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, conf := Classify(tt.text)
			assert.Equal(t, tt.wantTier, tier)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

// Hedging must win over assertion markers when both appear: the family order
// is the tie-break.
func TestClassifyFamilyOrder(t *testing.T) {
	tier, conf := Classify("I think I am a morning person")
	assert.Equal(t, TierHypothesis, tier)
	assert.LessOrEqual(t, conf, 0.50)

	// Temporal beats preference.
	tier, _ = Classify("Right now I really love this album")
	assert.Equal(t, TierTemporaryContext, tier)
}

func TestClassifyDeterminism(t *testing.T) {
	t1, c1 := Classify("I work as a nurse")
	for i := 0; i < 10; i++ {
		t2, c2 := Classify("I work as a nurse")
		require.Equal(t, t1, t2)
		require.Equal(t, c1, c2)
	}
}

func TestEnforceBounds(t *testing.T) {
	tests := []struct {
		tier Tier
		in   float64
		want float64
	}{
		{TierAssertedFact, 0.5, 0.90},
		{TierAssertedFact, 0.95, 0.95},
		{TierAssertedFact, 1.2, 1.00},
		{TierObservedFact, 0.1, 0.80},
		{TierPreference, 0.6, 0.75},
		{TierHypothesis, 0.9, 0.50},
		{TierHypothesis, 0.1, 0.30},
		{TierTemporaryContext, 0.2, 0.40},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Enforce(tt.tier, tt.in), 1e-9, "tier %s in %v", tt.tier, tt.in)
	}
}

func TestEnforceIdempotent(t *testing.T) {
	for _, tier := range AllTiers() {
		for _, c := range []float64{-0.5, 0, 0.3, 0.45, 0.77, 0.92, 1.0, 1.5} {
			once := Enforce(tier, c)
			assert.Equal(t, once, Enforce(tier, once), "tier %s conf %v", tier, c)
		}
	}
}

func TestTierPriorityOrder(t *testing.T) {
	assert.Greater(t, TierAssertedFact.Priority(), TierObservedFact.Priority())
	assert.Greater(t, TierObservedFact.Priority(), TierPreference.Priority())
	assert.Greater(t, TierPreference.Priority(), TierHypothesis.Priority())
	assert.Greater(t, TierHypothesis.Priority(), TierTemporaryContext.Priority())
}

func TestPromotionDemotionTargets(t *testing.T) {
	p, ok := TierHypothesis.PromotionTarget()
	require.True(t, ok)
	assert.Equal(t, TierObservedFact, p)

	_, ok = TierAssertedFact.PromotionTarget()
	assert.False(t, ok)

	d, ok := TierAssertedFact.DemotionTarget()
	require.True(t, ok)
	assert.Equal(t, TierObservedFact, d)

	_, ok = TierHypothesis.DemotionTarget()
	assert.False(t, ok)
}
