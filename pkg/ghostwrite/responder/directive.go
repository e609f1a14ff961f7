package responder

import (
	"fmt"
	"strings"
)

// explainHints mark a !me remainder as an explanation request even
// without a quoted message. Only a leading hint counts: questions that
// merely mention these words ("what does EOD mean?") are answered, not
// explained.
var explainHints = []string{"explain", "meaning"}

// utilityDirective detects a leading !me token and builds the directive
// that replaces the final user turn sent to the model. Returns "" when
// the message is not a utility command.
func utilityDirective(text, quoted string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower != "!me" && !strings.HasPrefix(lower, "!me ") {
		return ""
	}
	remainder := strings.TrimSpace(strings.TrimSpace(text)[len("!me"):])
	quoted = strings.TrimSpace(quoted)

	if quoted != "" {
		directive := fmt.Sprintf("Explain the following message in simple, clear terms: %q", quoted)
		if remainder != "" {
			directive += " " + remainder
		}
		return directive
	}
	if remainder == "" {
		return ""
	}
	if wantsExplanation(remainder) {
		return "Explain in simple, clear terms: " + remainder
	}
	return "Answer the following directly and helpfully: " + remainder
}

func wantsExplanation(text string) bool {
	lower := strings.ToLower(text)
	for _, hint := range explainHints {
		if strings.HasPrefix(lower, hint) {
			return true
		}
	}
	return false
}
