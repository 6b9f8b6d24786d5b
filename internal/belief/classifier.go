package belief

import "regexp"

// patternFamily is an ordered group of surface patterns that maps an
// utterance onto a tier with a default confidence. Families are evaluated in
// order; the first matching family wins.
type patternFamily struct {
	tier       Tier
	confidence float64
	patterns   []*regexp.Regexp
}

// The family order encodes the tie-break: hedging beats temporal beats
// preference beats assertion.
var families = []patternFamily{
	{
		tier:       TierHypothesis,
		confidence: 0.45,
		patterns: compile(
			`(?i)\bi think\b`,
			`(?i)\bmaybe\b`,
			`(?i)\bprobably\b`,
			`(?i)\bmight\b`,
			`(?i)\bnot sure\b`,
			`(?i)\bi guess\b`,
			`(?i)\bperhaps\b`,
			`(?i)\bseems like\b`,
		),
	},
	{
		tier:       TierTemporaryContext,
		confidence: 0.40,
		patterns: compile(
			`(?i)\bright now\b`,
			`(?i)\bcurrently\b`,
			`(?i)\bat the moment\b`,
			`(?i)\btoday\b`,
			`(?i)\bthis week\b`,
			`(?i)\btemporarily\b`,
		),
	},
	{
		tier:       TierPreference,
		confidence: 0.80,
		patterns: compile(
			`(?i)\bi (really )?(like|love|enjoy|prefer)\b`,
			`(?i)\bi (hate|dislike|don't like|can't stand)\b`,
			`(?i)\bmy favorite\b`,
			`(?i)\bi'?m (not )?a fan of\b`,
		),
	},
	{
		tier:       TierAssertedFact,
		confidence: 0.92,
		patterns: compile(
			`(?i)\bi am\b`,
			`(?i)\bmy name is\b`,
			`(?i)\bi have\b`,
			`(?i)\bi work (at|for|as)\b`,
			`(?i)\bi live in\b`,
			`(?i)\bi'?m from\b`,
			`(?i)\bi was born\b`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Classify maps an utterance to a (tier, confidence) pair using the ordered
// pattern families. Utterances matching no family default to observed_fact.
// Classification is deterministic for identical input.
func Classify(text string) (Tier, float64) {
	for _, f := range families {
		for _, p := range f.patterns {
			if p.MatchString(text) {
				return f.tier, f.confidence
			}
		}
	}
	return TierObservedFact, 0.80
}
