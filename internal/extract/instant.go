// Package extract turns user utterances into memory proposals: a regex
// fast path that runs before the response stream starts, and a deep adapter
// that asks an external model for a structured proposal after the turn ends.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/recall/internal/belief"
	"github.com/normanking/recall/internal/memory"
)

// Confidence and importance carried by instant extractions.
const (
	instantNameConfidence = 0.95
	instantNameImportance = 8
	instantPrefConfidence = 0.85
	instantPrefImportance = 6
)

// namePatterns capture a capitalized name after a self-introduction marker.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:(?i)my name is) ([A-Z][a-z]+)`),
	regexp.MustCompile(`(?:(?i)i am) ([A-Z][a-z]+)`),
	regexp.MustCompile(`(?:(?i)i'm) ([A-Z][a-z]+)`),
	regexp.MustCompile(`(?:(?i)call me) ([A-Z][a-z]+)`),
	regexp.MustCompile(`(?:(?i)this is) ([A-Z][a-z]+) (?:(?i)speaking|here)`),
}

// nameRejects are capitalized words that follow the markers without being
// names ("I am Fine").
var nameRejects = map[string]bool{
	"here": true, "there": true, "fine": true, "good": true, "great": true, "okay": true,
}

// preferencePattern pairs a surface pattern with the valence and strength it
// implies. Order matters: stronger verbs match first.
type preferencePattern struct {
	re       *regexp.Regexp
	valence  string
	strength float64
}

var preferencePatterns = []preferencePattern{
	{regexp.MustCompile(`(?i)\bi (?:really )?(?:love|adore) (.+)`), memory.ValencePositive, 0.9},
	{regexp.MustCompile(`(?i)\bi (?:like|enjoy|prefer) (.+)`), memory.ValencePositive, 0.7},
	{regexp.MustCompile(`(?i)\bi (?:really )?(?:hate|despise|can't stand) (.+)`), memory.ValenceNegative, 0.9},
	{regexp.MustCompile(`(?i)\bi (?:don't like|dislike) (.+)`), memory.ValenceNegative, 0.7},
	{regexp.MustCompile(`(?i)\bmy favorite (?:\w+ )?(?:is|are) (.+)`), memory.ValencePositive, 0.85},
}

// negativeClausePatterns pick up a trailing dislike in an utterance whose
// first preference match was positive ("I love rock music and hate country").
var negativeClausePatterns = []preferencePattern{
	{regexp.MustCompile(`(?i)\b(?:hate|despise|can't stand) (.+)`), memory.ValenceNegative, 0.9},
	{regexp.MustCompile(`(?i)\b(?:don't like|dislike) (.+)`), memory.ValenceNegative, 0.7},
}

// InstantExtractor produces memory proposals from the raw user text without
// any model call. Its writes commit before the turn's retrieval runs.
type InstantExtractor struct{}

// NewInstantExtractor creates the regex fast-path extractor.
func NewInstantExtractor() *InstantExtractor {
	return &InstantExtractor{}
}

// Extract returns zero or more proposals for the utterance: at most one name
// capture plus one proposal per detected preference.
func (e *InstantExtractor) Extract(text string) []memory.Proposal {
	var out []memory.Proposal
	if p := extractName(text); p != nil {
		out = append(out, *p)
	}
	out = append(out, extractPreferences(text)...)
	return out
}

func extractName(text string) *memory.Proposal {
	for _, re := range namePatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		name := m[1]
		if nameRejects[strings.ToLower(name)] {
			continue
		}
		return &memory.Proposal{
			ShouldWrite: true,
			Summary:     fmt.Sprintf("User's name is %s.", name),
			Tier:        belief.TierAssertedFact,
			Confidence:  instantNameConfidence,
			Importance:  instantNameImportance,
			Entities:    []string{name},
			Facts:       []string{fmt.Sprintf("User's name is %s.", name)},
			StructuredFacts: []memory.StructuredFact{{
				Subject:    "user",
				Predicate:  "name",
				Object:     name,
				Confidence: instantNameConfidence,
				Temporal:   memory.TemporalCurrent,
			}},
		}
	}
	return nil
}

func extractPreferences(text string) []memory.Proposal {
	var out []memory.Proposal

	for _, pp := range preferencePatterns {
		m := pp.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		entity := trimPreferenceEntity(m[1])
		if entity == "" {
			continue
		}
		out = append(out, preferenceProposal(entity, pp.valence, pp.strength))

		// A positive first clause can still carry a dislike later in the
		// utterance ("I love rock music and hate country").
		if pp.valence == memory.ValencePositive {
			if neg := extractNegativeClause(m[1]); neg != nil {
				out = append(out, *neg)
			}
		}
		break
	}
	return out
}

func extractNegativeClause(text string) *memory.Proposal {
	for _, pp := range negativeClausePatterns {
		m := pp.re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		entity := trimPreferenceEntity(m[1])
		if entity == "" {
			continue
		}
		p := preferenceProposal(entity, pp.valence, pp.strength)
		return &p
	}
	return nil
}

// trimPreferenceEntity reduces the captured tail to its first clause.
func trimPreferenceEntity(raw string) string {
	s := raw
	if i := strings.Index(strings.ToLower(s), " and "); i >= 0 {
		s = s[:i]
	}
	for _, sep := range []string{",", ".", "!", "?", ";"} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func preferenceProposal(entity, valence string, strength float64) memory.Proposal {
	verb := "likes"
	if valence == memory.ValenceNegative {
		verb = "dislikes"
	}
	return memory.Proposal{
		ShouldWrite: true,
		Summary:     fmt.Sprintf("User %s %s.", verb, entity),
		Tier:        belief.TierPreference,
		Confidence:  instantPrefConfidence,
		Importance:  instantPrefImportance,
		Entities:    []string{entity},
		Preferences: []memory.ProposalPreference{{
			Entity:   entity,
			Valence:  valence,
			Strength: strength,
		}},
	}
}
