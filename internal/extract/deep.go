package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/belief"
	"github.com/normanking/recall/internal/llm"
	"github.com/normanking/recall/internal/logging"
	"github.com/normanking/recall/internal/memory"
)

// ErrExtractorParse is returned when the extractor's output cannot be parsed
// after the retry. Deep extraction failures never fail the turn.
var ErrExtractorParse = errors.New("extractor returned unparseable output")

// extractorTemperature keeps the extractor deterministic.
const extractorTemperature = 0.1

// extractorSystemPrompt defines the memory proposal schema the model must
// emit.
const extractorSystemPrompt = `You analyze one finished conversation turn and extract durable information about the user as a JSON object. Respond with JSON only, matching this schema:

{
  "should_write": bool,            // false when the turn contains nothing worth remembering
  "summary": string,               // one short sentence stating the new information
  "tier": "asserted_fact" | "observed_fact" | "preference" | "hypothesis" | "temporary_context",
  "confidence": number,            // 0..1
  "entities": [string],            // named things mentioned
  "facts": [string],               // plain-language facts
  "structured_facts": [{"subject": string, "predicate": string, "object": string, "confidence": number, "temporal": "current"|"past"|"future"|"unknown"}],
  "preferences": [{"entity": string, "valence": "positive"|"negative"|"neutral", "strength": number, "context": string}],
  "entity_links": [{"mention": string, "canonical": string, "relationship": string}],
  "valid_from": string,            // ISO date, optional
  "valid_to": string,              // ISO date, optional
  "related_to": [string],          // ids of retrieved memories this relates to
  "contradicts": [{"memory_id": string, "reason": string, "suggested_resolution": string}],
  "importance": number,            // 1..10
  "supersedes": [string]           // ids of retrieved memories this replaces
}

Only extract information about the user. Use hedged tiers for hedged statements. Do not invent facts.`

// DeepExtractor calls the external extraction model and sanitizes its output
// into a memory proposal.
type DeepExtractor struct {
	provider llm.Provider
	log      zerolog.Logger
}

// NewDeepExtractor wraps the given provider.
func NewDeepExtractor(provider llm.Provider) *DeepExtractor {
	return &DeepExtractor{
		provider: provider,
		log:      logging.Component("extract"),
	}
}

// Run asks the extractor for a proposal covering the finished turn. The
// retrieved memories give the model ids to reference in related_to,
// supersedes, and contradicts.
func (e *DeepExtractor) Run(ctx context.Context, userText, assistantReply string, retrieved []memory.RetrievedMemory) (*memory.Proposal, error) {
	var sb strings.Builder
	sb.WriteString("USER SAID:\n")
	sb.WriteString(userText)
	sb.WriteString("\n\nASSISTANT REPLIED:\n")
	sb.WriteString(assistantReply)
	if len(retrieved) > 0 {
		sb.WriteString("\n\nMEMORIES RETRIEVED THIS TURN:\n")
		for _, r := range retrieved {
			fmt.Fprintf(&sb, "- id=%s [%s] %s\n", r.Memory.ID, r.Memory.Tier, r.Memory.Summary)
		}
	}

	req := &llm.ChatRequest{
		SystemPrompt: extractorSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  extractorTemperature,
		JSONOnly:     true,
	}

	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("extractor call: %w", err)
	}

	proposal, err := SanitizeProposal([]byte(resp.Content))
	if err == nil {
		return proposal, nil
	}
	e.log.Warn().Err(err).Msg("extractor output unparseable, retrying")

	// One retry with a stricter reminder; a second failure surfaces as a
	// non-fatal extraction error.
	req.Messages = append(req.Messages,
		llm.Message{Role: "assistant", Content: resp.Content},
		llm.Message{Role: "user", Content: "That was not valid JSON. Respond with a single JSON object only, no prose, no markdown."})
	resp, err = e.provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("extractor retry: %w", err)
	}
	proposal, err = SanitizeProposal([]byte(resp.Content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractorParse, err)
	}
	return proposal, nil
}

// SanitizeProposal parses untrusted extractor output into a proposal,
// applying per-field defaults, coercions, and clamps. Raw model output never
// reaches storage without passing through here.
func SanitizeProposal(data []byte) (*memory.Proposal, error) {
	payload := stripFences(data)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}

	p := &memory.Proposal{
		Confidence: 0.8,
		Importance: 5,
	}

	p.Summary = coerceString(raw["summary"])

	if tier := coerceString(raw["tier"]); tier != "" {
		p.Tier = beliefTier(tier)
	}

	if v, ok := raw["confidence"]; ok {
		if f, err := coerceFloat(v); err == nil {
			p.Confidence = clamp(f, 0, 1)
		}
	}
	if v, ok := raw["importance"]; ok {
		if f, err := coerceFloat(v); err == nil {
			p.Importance = clamp(f, 1, 10)
		}
	}

	if v, ok := raw["should_write"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			p.ShouldWrite = b
		} else {
			p.ShouldWrite = p.Summary != ""
		}
	} else {
		p.ShouldWrite = p.Summary != ""
	}

	p.Entities = coerceStringList(raw["entities"])
	p.Facts = coerceStringList(raw["facts"])
	p.RelatedTo = coerceStringList(raw["related_to"])
	p.Supersedes = coerceStringList(raw["supersedes"])

	if v, ok := raw["structured_facts"]; ok {
		var facts []memory.StructuredFact
		if err := json.Unmarshal(v, &facts); err == nil {
			for _, f := range facts {
				if f.Subject == "" || f.Predicate == "" {
					continue
				}
				f.Confidence = clamp(f.Confidence, 0, 1)
				switch f.Temporal {
				case memory.TemporalCurrent, memory.TemporalPast, memory.TemporalFuture:
				default:
					f.Temporal = memory.TemporalUnknown
				}
				p.StructuredFacts = append(p.StructuredFacts, f)
			}
		}
	}

	if v, ok := raw["preferences"]; ok {
		var prefs []memory.ProposalPreference
		if err := json.Unmarshal(v, &prefs); err == nil {
			for _, pref := range prefs {
				// Malformed preferences are dropped, not repaired.
				if pref.Entity == "" {
					continue
				}
				switch pref.Valence {
				case memory.ValencePositive, memory.ValenceNegative, memory.ValenceNeutral:
				default:
					continue
				}
				pref.Strength = clamp(pref.Strength, 0, 1)
				p.Preferences = append(p.Preferences, pref)
			}
		}
	}

	if v, ok := raw["entity_links"]; ok {
		var links []memory.EntityLink
		if err := json.Unmarshal(v, &links); err == nil {
			for _, l := range links {
				if l.Mention == "" || l.Canonical == "" {
					continue
				}
				p.EntityLinks = append(p.EntityLinks, l)
			}
		}
	}

	if v, ok := raw["contradicts"]; ok {
		var cs []memory.ProposalContradiction
		if err := json.Unmarshal(v, &cs); err == nil {
			for _, c := range cs {
				if c.MemoryID == "" {
					continue
				}
				p.Contradicts = append(p.Contradicts, c)
			}
		}
	}

	p.ValidFrom = coerceDate(raw["valid_from"])
	p.ValidTo = coerceDate(raw["valid_to"])

	return p, nil
}

// stripFences removes a surrounding markdown code fence, which extractor
// models add despite instructions.
func stripFences(data []byte) []byte {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return []byte(strings.TrimSpace(s))
}

func beliefTier(s string) belief.Tier {
	t := belief.Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return ""
	}
	return t
}

// coerceString accepts a plain string or stringifies any other JSON value.
func coerceString(v json.RawMessage) string {
	if v == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// coerceStringList accepts strings or objects carrying a fact/text/content
// field; anything else is kept as its JSON encoding.
func coerceStringList(v json.RawMessage) []string {
	if v == nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil
	}

	var out []string
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err == nil {
			found := false
			for _, key := range []string{"fact", "text", "content", "name"} {
				if val, ok := obj[key].(string); ok && val != "" {
					out = append(out, val)
					found = true
					break
				}
			}
			if found {
				continue
			}
		}
		out = append(out, string(item))
	}
	return out
}

func coerceFloat(v json.RawMessage) (float64, error) {
	if strings.TrimSpace(string(v)) == "null" {
		return 0, fmt.Errorf("null number")
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		var parsed float64
		if _, err := fmt.Sscanf(s, "%g", &parsed); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("not a number: %s", v)
}

func coerceDate(v json.RawMessage) *time.Time {
	s := coerceString(v)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
