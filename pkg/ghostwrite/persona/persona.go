// Package persona derives a writing-style profile from an operator's
// historical chat messages. The profile (summary + guidelines + examples)
// is injected into LLM requests so generated replies sound like the human
// they stand in for.
//
// Profiles are computed fresh on every request from the persisted message
// corpus. Nothing here is cached or learned: the classifier is a fixed set
// of statistical thresholds, which keeps it reproducible and testable.
package persona

import "strings"

// ProfileSource identifies which corpus a profile was derived from.
type ProfileSource string

const (
	// SourceContact means the profile came from messages exchanged with
	// one specific contact.
	SourceContact ProfileSource = "contact"

	// SourceUniversal means the profile came from the operator's pooled
	// outgoing messages across all contacts.
	SourceUniversal ProfileSource = "universal"

	// SourceBootstrap is the fixed fallback used when no history exists.
	SourceBootstrap ProfileSource = "bootstrap"
)

// Message provenance prefixes. Persisted messages carry exactly one of
// these so the extractor can tell who authored each line. AI-generated
// replies are stored for record keeping but never feed style learning.
const (
	PrefixUser  = "[user] "
	PrefixHuman = "[me] "
	PrefixAI    = "[ai] "
)

// Example is a single style example: what the other side said (possibly
// several turns joined with " / ") and how the operator replied. User may
// be empty for reply-only examples.
type Example struct {
	User  string `json:"user,omitempty"`
	Reply string `json:"reply"`
}

// Profile is the derived style guide handed to the LLM.
type Profile struct {
	Source     ProfileSource `json:"source"`
	Summary    string        `json:"summary"`
	Guidelines []string      `json:"guidelines"`
	Examples   []Example     `json:"examples"`
}

// ContactData is the raw material extracted from one contact's message log.
type ContactData struct {
	// Replies holds the operator's own reply texts, oldest first.
	Replies []string

	// Examples holds paired user/reply examples, oldest first.
	Examples []Example
}

// ProfileInput carries everything BuildProfile needs.
type ProfileInput struct {
	Source       ProfileSource
	Replies      []string
	Examples     []Example
	ExampleLimit int
}

// bootstrapGuidelines is the fixed guideline set used when no history
// exists yet for a session.
var bootstrapGuidelines = []string{
	"Keep a calm, professional tone.",
	"Answer directly and stay on topic.",
	"Keep replies short unless the question needs detail.",
	"Do not use emojis unless the other person does first.",
	"Never mention being an assistant or an AI.",
}

// BootstrapProfile returns the fixed fallback profile.
func BootstrapProfile() *Profile {
	return &Profile{
		Source:     SourceBootstrap,
		Summary:    "No message history is available yet. Write like a polite, attentive person having a normal one-on-one chat.",
		Guidelines: append([]string(nil), bootstrapGuidelines...),
	}
}

// cleanText trims whitespace and collapses internal newlines so one
// historical message occupies one logical line in prompts.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(s), " ")
}
