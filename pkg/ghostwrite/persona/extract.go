// Package persona – extract.go turns a prefixed message log into reply
// strings and paired style examples.
package persona

import "strings"

const (
	// maxReplies is how many of the operator's most recent replies feed
	// the statistics window.
	maxReplies = 200

	// minScanWindow is the smallest slice of history worth scanning.
	minScanWindow = 60

	// maxJoinedUserTurns caps how many consecutive user messages are
	// joined into one example's user side.
	maxJoinedUserTurns = 3
)

// ExtractContactData scans the most recent messages of a contact's
// persisted log and produces the operator's reply strings plus paired
// examples. Messages are expected to carry a provenance prefix; anything
// that is neither user- nor human-tagged (AI replies, unlabeled noise) is
// skipped so the model only ever learns from genuine human authorship.
//
// Consecutive user messages immediately preceding a human reply form the
// example's user side (up to the last 3, joined with " / "). A human reply
// with no preceding user message becomes a reply-only example.
func ExtractContactData(messages []string, exampleLimit int) ContactData {
	if exampleLimit <= 0 {
		exampleLimit = 3
	}

	window := exampleLimit * 6
	if window < minScanWindow {
		window = minScanWindow
	}
	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}

	var (
		replies  []string
		examples []Example
		pending  []string // consecutive user turns awaiting a reply
	)

	for _, raw := range messages {
		switch {
		case strings.HasPrefix(raw, PrefixUser):
			if text := cleanText(strings.TrimPrefix(raw, PrefixUser)); text != "" {
				pending = append(pending, text)
			}

		case strings.HasPrefix(raw, PrefixHuman):
			text := cleanText(strings.TrimPrefix(raw, PrefixHuman))
			if text == "" {
				pending = nil
				continue
			}
			replies = append(replies, text)

			ex := Example{Reply: text}
			if len(pending) > 0 {
				turns := pending
				if len(turns) > maxJoinedUserTurns {
					turns = turns[len(turns)-maxJoinedUserTurns:]
				}
				ex.User = strings.Join(turns, " / ")
			}
			examples = append(examples, ex)
			pending = nil

		default:
			// AI-generated or unlabeled. A reply from the bot still ends
			// the user's turn run, otherwise stale user messages would
			// attach to a much later human reply.
			pending = nil
		}
	}

	if len(replies) > maxReplies {
		replies = replies[len(replies)-maxReplies:]
	}
	if len(examples) > exampleLimit {
		examples = examples[len(examples)-exampleLimit:]
	}

	return ContactData{Replies: replies, Examples: examples}
}

// StandaloneExamples wraps the last limit cleaned replies as reply-only
// examples. Used for corpora with no paired context (universal corpus and
// the bootstrap path).
func StandaloneExamples(replies []string, limit int) []Example {
	if limit <= 0 || len(replies) == 0 {
		return nil
	}

	cleaned := make([]string, 0, len(replies))
	for _, r := range replies {
		if text := cleanText(r); text != "" {
			cleaned = append(cleaned, text)
		}
	}
	if len(cleaned) > limit {
		cleaned = cleaned[len(cleaned)-limit:]
	}

	examples := make([]Example, 0, len(cleaned))
	for _, r := range cleaned {
		examples = append(examples, Example{Reply: r})
	}
	return examples
}
