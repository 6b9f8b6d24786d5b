package orchestrator

import (
	"fmt"
	"strings"

	"github.com/normanking/recall/internal/memory"
)

// responderSystemPrompt instructs the response generator to use memories
// naturally rather than reciting them.
const responderSystemPrompt = `You are a helpful assistant with a long-term memory of this user. The user prompt begins with a MEMORY CONTEXT block listing what you have learned about them, each line tagged with a belief tier and confidence. Use the memories naturally in conversation; never recite the block or mention that a memory system exists. Hedge anything tagged hypothesis or carrying low confidence ("if I remember right..."). Prefer asserted facts over observed ones when they disagree.`

// BuildUserPrompt renders the retrieved memories and preferences into the
// MEMORY CONTEXT block followed by the user's message.
func BuildUserPrompt(message string, memories []memory.RetrievedMemory, prefs []memory.Preference) string {
	var sb strings.Builder
	sb.WriteString("MEMORY CONTEXT:\n")
	sb.WriteString(renderContext(memories, prefs))
	sb.WriteString("\n\nUSER: ")
	sb.WriteString(message)
	return sb.String()
}

func renderContext(memories []memory.RetrievedMemory, prefs []memory.Preference) string {
	if len(memories) == 0 && len(prefs) == 0 {
		return "(no stored memories yet)"
	}

	var lines []string
	for _, r := range memories {
		m := r.Memory
		line := fmt.Sprintf("[%s][%.1f] %s", m.Tier, m.Confidence, m.Summary)
		switch {
		case m.ValidFrom != nil && m.ValidTo != nil:
			line += fmt.Sprintf(" (was true %s to %s)",
				m.ValidFrom.Format("2006-01-02"), m.ValidTo.Format("2006-01-02"))
		case m.ValidFrom != nil:
			line += fmt.Sprintf(" (since %s)", m.ValidFrom.Format("2006-01-02"))
		}
		lines = append(lines, line)
		if len(m.Facts) > 0 {
			lines = append(lines, "  Facts: "+strings.Join(m.Facts, "; "))
		}
	}

	var likes, dislikes []string
	for _, p := range prefs {
		switch p.Valence {
		case memory.ValencePositive:
			likes = append(likes, p.Entity)
		case memory.ValenceNegative:
			dislikes = append(dislikes, p.Entity)
		}
	}
	if len(likes) > 0 {
		lines = append(lines, "Likes: "+strings.Join(likes, ", "))
	}
	if len(dislikes) > 0 {
		lines = append(lines, "Dislikes: "+strings.Join(dislikes, ", "))
	}

	return strings.Join(lines, "\n")
}
