package responder

import (
	"strings"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persona"
)

// buildSystemPrompt composes the system prompt from the operator's static
// prompt and the persona profile. The full persona context is sent on
// every call; nothing is cached across replies.
func buildSystemPrompt(static string, profile *persona.Profile) string {
	var b strings.Builder

	b.WriteString("You are replying to WhatsApp messages on behalf of the account owner. ")
	b.WriteString("Write exactly as they would: match their tone, phrasing and message length. ")
	b.WriteString("Never mention being an AI or assistant.\n")

	if static = strings.TrimSpace(static); static != "" {
		b.WriteString("\n")
		b.WriteString(static)
		b.WriteString("\n")
	}

	if profile != nil {
		if profile.Summary != "" {
			b.WriteString("\nWriting style: ")
			b.WriteString(profile.Summary)
			b.WriteString("\n")
		}
		if len(profile.Guidelines) > 0 {
			b.WriteString("\nGuidelines:\n")
			for _, g := range profile.Guidelines {
				b.WriteString("- ")
				b.WriteString(g)
				b.WriteString("\n")
			}
		}
		if len(profile.Examples) > 0 {
			b.WriteString("\nExamples of how the owner writes:\n")
			for _, ex := range profile.Examples {
				if ex.User != "" {
					b.WriteString("Them: ")
					b.WriteString(ex.User)
					b.WriteString("\n")
				}
				b.WriteString("You: ")
				b.WriteString(ex.Reply)
				b.WriteString("\n")
			}
		}
	}

	return strings.TrimSpace(b.String())
}
