// Package persona – stats.go computes the reply statistics that drive the
// rule-based style classifier.
package persona

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// ReplyStats summarizes the operator's recent replies.
type ReplyStats struct {
	Count          int
	AvgWords       float64
	AvgChars       float64
	EmojiRatio     float64 // share of replies containing at least one emoji
	EmojiPerMsg    float64 // average emoji count per reply
	TopEmoji       []string
	QuestionRatio  float64
	ExclaimRatio   float64
	SlangRatio     float64
	GratitudeRatio float64
	GreetingRatio  float64
}

var (
	emojiPattern = regexp.MustCompile(`[\x{1F1E6}-\x{1F1FF}\x{1F300}-\x{1F5FF}\x{1F600}-\x{1F64F}\x{1F680}-\x{1F6FF}\x{1F900}-\x{1F9FF}\x{1FA70}-\x{1FAFF}\x{2600}-\x{27BF}\x{2B00}-\x{2BFF}]`)

	slangPattern = regexp.MustCompile(`(?i)\b(lol|lmao|rofl|omg|btw|tbh|idk|imo|haha+|hehe+|ya|yep|yeah|nah|gonna|wanna|gotta|bro|dude|yo)\b`)

	gratitudePattern = regexp.MustCompile(`(?i)\b(thanks|thank you|thx|ty|much appreciated|appreciate it)\b`)

	greetingPattern = regexp.MustCompile(`(?i)^(hi|hii+|hey|heyy+|hello|howdy|yo|good (morning|afternoon|evening)|morning|evening)\b`)
)

// ComputeReplyStats builds ReplyStats over up to the last 200 replies.
// An empty input yields a zero-count stats value.
func ComputeReplyStats(replies []string) ReplyStats {
	if len(replies) > maxReplies {
		replies = replies[len(replies)-maxReplies:]
	}

	var stats ReplyStats
	emojiCounts := make(map[string]int)

	var totalWords, totalChars, totalEmoji int
	var withEmoji, withQuestion, withExclaim, withSlang, withThanks, withGreeting int

	for _, raw := range replies {
		text := cleanText(raw)
		if text == "" {
			continue
		}
		stats.Count++

		totalWords += len(strings.Fields(text))
		totalChars += utf8.RuneCountInString(text)

		if found := emojiPattern.FindAllString(text, -1); len(found) > 0 {
			withEmoji++
			totalEmoji += len(found)
			for _, e := range found {
				emojiCounts[e]++
			}
		}
		if strings.Contains(text, "?") {
			withQuestion++
		}
		if strings.Contains(text, "!") {
			withExclaim++
		}
		if slangPattern.MatchString(text) {
			withSlang++
		}
		if gratitudePattern.MatchString(text) {
			withThanks++
		}
		if greetingPattern.MatchString(text) {
			withGreeting++
		}
	}

	if stats.Count == 0 {
		return stats
	}

	n := float64(stats.Count)
	stats.AvgWords = float64(totalWords) / n
	stats.AvgChars = float64(totalChars) / n
	stats.EmojiRatio = float64(withEmoji) / n
	stats.EmojiPerMsg = float64(totalEmoji) / n
	stats.QuestionRatio = float64(withQuestion) / n
	stats.ExclaimRatio = float64(withExclaim) / n
	stats.SlangRatio = float64(withSlang) / n
	stats.GratitudeRatio = float64(withThanks) / n
	stats.GreetingRatio = float64(withGreeting) / n
	stats.TopEmoji = topEmoji(emojiCounts, 3)

	return stats
}

// topEmoji returns the n most frequent emoji, ties broken by codepoint for
// deterministic output.
func topEmoji(counts map[string]int, n int) []string {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
