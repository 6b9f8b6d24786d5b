package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/internal/belief"
	"github.com/normanking/recall/internal/memory"
)

func TestExtractName(t *testing.T) {
	e := NewInstantExtractor()

	proposals := e.Extract("My name is Costa")
	require.Len(t, proposals, 1)
	p := proposals[0]
	assert.Equal(t, "User's name is Costa.", p.Summary)
	assert.Equal(t, belief.TierAssertedFact, p.Tier)
	assert.Equal(t, 0.95, p.Confidence)
	assert.Equal(t, 8.0, p.Importance)
	require.Len(t, p.StructuredFacts, 1)
	assert.Equal(t, "name", p.StructuredFacts[0].Predicate)
	assert.Equal(t, "Costa", p.StructuredFacts[0].Object)
}

func TestExtractNameVariants(t *testing.T) {
	e := NewInstantExtractor()

	for _, text := range []string{
		"my name is Maria",
		"I am Maria",
		"i'm Maria",
		"call me Maria",
		"this is Maria speaking",
	} {
		proposals := e.Extract(text)
		require.Len(t, proposals, 1, "text %q", text)
		assert.Equal(t, "User's name is Maria.", proposals[0].Summary, "text %q", text)
	}
}

func TestExtractNameRejections(t *testing.T) {
	e := NewInstantExtractor()

	for _, text := range []string{
		"I am Fine",
		"i'm Okay",
		"I am Here",
		"my name is lowercase",
		"what a nice day",
	} {
		assert.Empty(t, e.Extract(text), "text %q", text)
	}
}

func TestExtractPreferencePair(t *testing.T) {
	e := NewInstantExtractor()

	proposals := e.Extract("I love rock music and hate country")
	require.Len(t, proposals, 2)

	pos := proposals[0]
	require.Len(t, pos.Preferences, 1)
	assert.Equal(t, "rock music", pos.Preferences[0].Entity)
	assert.Equal(t, memory.ValencePositive, pos.Preferences[0].Valence)
	assert.GreaterOrEqual(t, pos.Preferences[0].Strength, 0.85)
	assert.Equal(t, belief.TierPreference, pos.Tier)
	assert.Equal(t, 0.85, pos.Confidence)
	assert.Equal(t, 6.0, pos.Importance)

	neg := proposals[1]
	require.Len(t, neg.Preferences, 1)
	assert.Equal(t, "country", neg.Preferences[0].Entity)
	assert.Equal(t, memory.ValenceNegative, neg.Preferences[0].Valence)
	assert.GreaterOrEqual(t, neg.Preferences[0].Strength, 0.7)
}

func TestExtractPreferenceStrengths(t *testing.T) {
	e := NewInstantExtractor()

	tests := []struct {
		text     string
		entity   string
		valence  string
		strength float64
	}{
		{"I really love hiking", "hiking", memory.ValencePositive, 0.9},
		{"I adore jazz", "jazz", memory.ValencePositive, 0.9},
		{"I like green tea", "green tea", memory.ValencePositive, 0.7},
		{"I prefer window seats", "window seats", memory.ValencePositive, 0.7},
		{"I hate traffic", "traffic", memory.ValenceNegative, 0.9},
		{"I can't stand spoilers", "spoilers", memory.ValenceNegative, 0.9},
		{"I don't like cilantro", "cilantro", memory.ValenceNegative, 0.7},
		{"I dislike mornings", "mornings", memory.ValenceNegative, 0.7},
		{"my favorite season is autumn", "autumn", memory.ValencePositive, 0.85},
	}
	for _, tt := range tests {
		proposals := e.Extract(tt.text)
		require.NotEmpty(t, proposals, "text %q", tt.text)
		pref := proposals[0].Preferences[0]
		assert.Equal(t, tt.entity, pref.Entity, "text %q", tt.text)
		assert.Equal(t, tt.valence, pref.Valence, "text %q", tt.text)
		assert.Equal(t, tt.strength, pref.Strength, "text %q", tt.text)
	}
}

func TestExtractPreferenceClauseTruncation(t *testing.T) {
	e := NewInstantExtractor()

	proposals := e.Extract("I love long walks on the beach, especially at sunset!")
	require.NotEmpty(t, proposals)
	assert.Equal(t, "long walks on the beach", proposals[0].Preferences[0].Entity)
}

func TestExtractNameAndPreferenceTogether(t *testing.T) {
	e := NewInstantExtractor()

	proposals := e.Extract("My name is Costa and I love souvlaki")
	require.Len(t, proposals, 2)
	assert.Equal(t, "User's name is Costa.", proposals[0].Summary)
	assert.Equal(t, "souvlaki", proposals[1].Preferences[0].Entity)
}
