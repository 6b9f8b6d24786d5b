package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/internal/belief"
	"github.com/normanking/recall/internal/llm"
	"github.com/normanking/recall/internal/memory"
)

func TestSanitizeProposalFull(t *testing.T) {
	raw := `{
		"should_write": true,
		"summary": "User moved to Lisbon.",
		"tier": "asserted_fact",
		"confidence": 0.95,
		"entities": ["Lisbon"],
		"facts": ["User moved to Lisbon in 2026."],
		"structured_facts": [{"subject": "user", "predicate": "lives_in", "object": "Lisbon", "confidence": 0.95, "temporal": "current"}],
		"preferences": [{"entity": "Lisbon", "valence": "positive", "strength": 0.8}],
		"entity_links": [{"mention": "the city", "canonical": "Lisbon"}],
		"valid_from": "2026-03-01",
		"related_to": ["01ABC"],
		"importance": 7,
		"supersedes": ["01DEF"]
	}`

	p, err := SanitizeProposal([]byte(raw))
	require.NoError(t, err)
	assert.True(t, p.ShouldWrite)
	assert.Equal(t, "User moved to Lisbon.", p.Summary)
	assert.Equal(t, belief.TierAssertedFact, p.Tier)
	assert.Equal(t, 0.95, p.Confidence)
	assert.Equal(t, 7.0, p.Importance)
	assert.Equal(t, []string{"Lisbon"}, p.Entities)
	require.Len(t, p.StructuredFacts, 1)
	assert.Equal(t, memory.TemporalCurrent, p.StructuredFacts[0].Temporal)
	require.Len(t, p.Preferences, 1)
	require.Len(t, p.EntityLinks, 1)
	require.NotNil(t, p.ValidFrom)
	assert.True(t, p.ValidFrom.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"01ABC"}, p.RelatedTo)
	assert.Equal(t, []string{"01DEF"}, p.Supersedes)
}

func TestSanitizeProposalDefaultsAndClamps(t *testing.T) {
	p, err := SanitizeProposal([]byte(`{"summary": "Something happened.", "confidence": 7, "importance": 99}`))
	require.NoError(t, err)
	// Non-empty summary implies should_write when the flag is absent.
	assert.True(t, p.ShouldWrite)
	assert.Equal(t, 1.0, p.Confidence)
	assert.Equal(t, 10.0, p.Importance)
	// Tier left empty; the write pipeline applies the observed_fact default.
	assert.False(t, p.Tier.IsValid())

	p, err = SanitizeProposal([]byte(`{"summary": ""}`))
	require.NoError(t, err)
	assert.False(t, p.ShouldWrite)
	assert.Equal(t, 0.8, p.Confidence)
	assert.Equal(t, 5.0, p.Importance)
}

func TestSanitizeProposalCoercions(t *testing.T) {
	raw := `{
		"summary": "Coerced turn.",
		"tier": "HYPOTHESIS",
		"facts": [{"fact": "object fact"}, {"text": "text fact"}, {"weird": true}, "plain"],
		"entities": [{"name": "Lisbon"}, "Porto"],
		"structured_facts": [
			{"subject": "user", "predicate": "p", "object": "o", "confidence": 3, "temporal": "someday"},
			{"subject": "", "predicate": "p", "object": "o"}
		],
		"preferences": [
			{"entity": "tea", "valence": "positive", "strength": 2},
			{"entity": "", "valence": "positive", "strength": 0.5},
			{"entity": "x", "valence": "sideways", "strength": 0.5}
		]
	}`

	p, err := SanitizeProposal([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, belief.TierHypothesis, p.Tier)
	assert.Equal(t, []string{"object fact", "text fact", `{"weird": true}`, "plain"}, p.Facts)
	assert.Equal(t, []string{"Lisbon", "Porto"}, p.Entities)

	// Malformed structured facts are dropped, valid ones clamped.
	require.Len(t, p.StructuredFacts, 1)
	assert.Equal(t, 1.0, p.StructuredFacts[0].Confidence)
	assert.Equal(t, memory.TemporalUnknown, p.StructuredFacts[0].Temporal)

	// Malformed preferences are dropped, not repaired.
	require.Len(t, p.Preferences, 1)
	assert.Equal(t, "tea", p.Preferences[0].Entity)
	assert.Equal(t, 1.0, p.Preferences[0].Strength)
}

func TestSanitizeProposalStripsFences(t *testing.T) {
	p, err := SanitizeProposal([]byte("```json\n{\"summary\": \"Fenced.\"}\n```"))
	require.NoError(t, err)
	assert.Equal(t, "Fenced.", p.Summary)
}

func TestSanitizeProposalRejectsGarbage(t *testing.T) {
	_, err := SanitizeProposal([]byte("not json at all"))
	assert.Error(t, err)
}

// fakeProvider scripts successive Chat responses.
type fakeProvider struct {
	responses []string
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp := f.responses[f.calls]
	f.calls++
	return &llm.ChatResponse{Content: resp}, nil
}

func (f *fakeProvider) Name() string                       { return "fake" }
func (f *fakeProvider) Available(ctx context.Context) bool { return true }

func TestDeepExtractorRetriesOnce(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		"sorry, here is your JSON: {",
		`{"summary": "User plays chess.", "tier": "observed_fact"}`,
	}}
	e := NewDeepExtractor(provider)

	p, err := e.Run(context.Background(), "I play chess", "nice", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, "User plays chess.", p.Summary)
}

func TestDeepExtractorSurfacesParseError(t *testing.T) {
	provider := &fakeProvider{responses: []string{"garbage", "more garbage"}}
	e := NewDeepExtractor(provider)

	_, err := e.Run(context.Background(), "hello", "hi", nil)
	assert.ErrorIs(t, err, ErrExtractorParse)
	assert.Equal(t, 2, provider.calls)
}
