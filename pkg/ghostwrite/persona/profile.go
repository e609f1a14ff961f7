// Package persona – profile.go maps reply statistics to the natural
// language summary and guidelines that condition the LLM.
package persona

import (
	"fmt"
	"strings"
)

// BuildProfile derives a Profile from extracted replies and examples.
// It never fails: empty or missing input degrades to the bootstrap profile.
func BuildProfile(in ProfileInput) *Profile {
	stats := ComputeReplyStats(in.Replies)
	if stats.Count == 0 {
		return BootstrapProfile()
	}

	examples := in.Examples
	if len(examples) == 0 {
		examples = StandaloneExamples(in.Replies, in.ExampleLimit)
	}

	source := in.Source
	if source == "" {
		source = SourceUniversal
	}

	return &Profile{
		Source:     source,
		Summary:    composeSummary(stats),
		Guidelines: composeGuidelines(stats),
		Examples:   examples,
	}
}

// composeSummary renders the statistics as one descriptive paragraph.
func composeSummary(s ReplyStats) string {
	var parts []string

	switch {
	case s.AvgWords <= 10:
		parts = append(parts, "writes crisp replies, usually just a few words")
	case s.AvgWords <= 25:
		parts = append(parts, "writes medium-length replies of a sentence or two")
	default:
		parts = append(parts, "writes longer, detailed replies")
	}

	switch {
	case s.EmojiRatio >= 0.6:
		parts = append(parts, "uses emojis in most messages")
	case s.EmojiRatio >= 0.25:
		parts = append(parts, "uses emojis now and then")
	case s.EmojiRatio > 0:
		parts = append(parts, "rarely uses emojis")
	default:
		parts = append(parts, "does not use emojis")
	}

	if s.QuestionRatio >= 0.3 {
		parts = append(parts, "often asks questions back")
	}
	if s.ExclaimRatio >= 0.3 {
		parts = append(parts, "sounds upbeat, with frequent exclamations")
	}
	if s.SlangRatio >= 0.2 {
		parts = append(parts, "talks casually with slang")
	}
	if s.GratitudeRatio >= 0.2 {
		parts = append(parts, "thanks people often")
	}
	if s.GreetingRatio >= 0.3 {
		parts = append(parts, "tends to open with a greeting")
	}

	summary := fmt.Sprintf("This person %s.", strings.Join(parts, "; "))
	if len(s.TopEmoji) > 0 {
		summary += fmt.Sprintf(" Favorite emojis: %s.", strings.Join(s.TopEmoji, " "))
	}
	return summary
}

// composeGuidelines renders the statistics as imperative style rules.
func composeGuidelines(s ReplyStats) []string {
	var g []string

	switch {
	case s.AvgWords <= 10:
		g = append(g, fmt.Sprintf("Keep replies very short, around %d words.", int(s.AvgWords+0.5)))
	case s.AvgWords <= 25:
		g = append(g, "Keep replies to one or two sentences.")
	default:
		g = append(g, "Longer, explanatory replies are fine when the topic needs it.")
	}

	switch {
	case s.EmojiRatio >= 0.6:
		g = append(g, "Use emojis freely, as this person does in most messages.")
		if len(s.TopEmoji) > 0 {
			g = append(g, fmt.Sprintf("Prefer these emojis: %s.", strings.Join(s.TopEmoji, " ")))
		}
	case s.EmojiRatio >= 0.25:
		g = append(g, "Use an emoji occasionally, not in every message.")
	default:
		g = append(g, "Avoid emojis almost entirely.")
	}

	if s.SlangRatio >= 0.2 {
		g = append(g, "Write casually; contractions and light slang are in character.")
	} else {
		g = append(g, "Keep the wording plain and natural, without heavy slang.")
	}

	if s.QuestionRatio >= 0.3 {
		g = append(g, "Where it fits, ask a short question back.")
	}
	if s.ExclaimRatio >= 0.3 {
		g = append(g, "Exclamation marks are in character; use them when enthusiastic.")
	} else if s.ExclaimRatio < 0.05 {
		g = append(g, "Avoid exclamation marks.")
	}
	if s.GreetingRatio >= 0.3 {
		g = append(g, "Open with a brief greeting when starting a new exchange.")
	}

	g = append(g, "Never reveal that replies are generated; always write in first person as this human.")
	return g
}
