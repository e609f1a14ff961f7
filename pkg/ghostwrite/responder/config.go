package responder

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/history"
)

// Match types for custom reply rules.
const (
	MatchContains   = "contains"
	MatchExact      = "exact"
	MatchStartsWith = "startsWith"
	MatchRegex      = "regex"
)

// Rule is a canned trigger/response pair evaluated before the LLM.
type Rule struct {
	Trigger   string `json:"trigger"`
	Response  string `json:"response"`
	MatchType string `json:"matchType"`

	re *regexp.Regexp
}

// Matches tests the rule against a message. Regex rules run against the
// original-case text; the other types compare case-insensitively.
func (r *Rule) Matches(text string) bool {
	if r.Trigger == "" {
		return false
	}
	switch r.MatchType {
	case MatchExact:
		return strings.EqualFold(strings.TrimSpace(text), r.Trigger)
	case MatchStartsWith:
		return strings.HasPrefix(strings.ToLower(text), strings.ToLower(r.Trigger))
	case MatchRegex:
		if r.re == nil {
			return false
		}
		return r.re.MatchString(text)
	default:
		return strings.Contains(strings.ToLower(text), strings.ToLower(r.Trigger))
	}
}

// VoiceConfig holds the voice reply settings.
type VoiceConfig struct {
	Enabled  bool   `json:"enabled"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`

	// TranscriptionKey gates the voice path. Without it voice notes are
	// ignored like any other media.
	TranscriptionKey string `json:"transcriptionKey,omitempty"`
}

// Config is the per-session AI configuration. It is replaced wholesale on
// update and sanitized before use.
type Config struct {
	APIKey        string      `json:"apiKey,omitempty"`
	BaseURL       string      `json:"baseUrl,omitempty"`
	Model         string      `json:"model,omitempty"`
	SystemPrompt  string      `json:"systemPrompt,omitempty"`
	AutoReply     bool        `json:"autoReply"`
	ContextWindow int         `json:"contextWindow"`
	CustomReplies []Rule      `json:"customReplies,omitempty"`
	Voice         VoiceConfig `json:"voice"`
}

// DefaultConfig returns an unconfigured session config.
func DefaultConfig() *Config {
	return &Config{
		AutoReply:     true,
		ContextWindow: history.DefaultWindow,
	}
}

// Sanitize clamps the context window and pre-compiles regex rules. An
// invalid pattern never rejects the whole config: the rule degrades to a
// contains match with a warning.
func (c *Config) Sanitize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.ContextWindow = history.ClampWindow(c.ContextWindow)

	for i := range c.CustomReplies {
		rule := &c.CustomReplies[i]
		rule.Trigger = strings.TrimSpace(rule.Trigger)
		if rule.MatchType != MatchRegex {
			continue
		}
		re, err := regexp.Compile("(?i)" + rule.Trigger)
		if err != nil {
			logger.Warn("invalid regex rule, degrading to contains",
				"trigger", rule.Trigger, "error", err)
			rule.MatchType = MatchContains
			continue
		}
		rule.re = re
	}
}

// HasCredentials reports whether the LLM gate is satisfied.
func (c *Config) HasCredentials() bool {
	return c.APIKey != "" && c.Model != ""
}

// VoiceActive reports whether the voice path can run.
func (c *Config) VoiceActive() bool {
	return c.Voice.Enabled && c.Voice.TranscriptionKey != ""
}
