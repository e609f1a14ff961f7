package responder

import "strings"

const (
	// shortReplyLimit: replies at or under this length go out whole.
	shortReplyLimit = 60

	// fragmentLimit bounds each fragment when packing long sentences.
	fragmentLimit = 80
)

// Fragment splits a reply into message-sized pieces that read like
// natural typing. Short replies stay whole; longer ones split at sentence
// boundaries, then clause separators, then word boundaries. Only an
// unsplittable long word can exceed the fragment limit.
func Fragment(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= shortReplyLimit {
		return []string{text}
	}

	var frags []string
	for _, sentence := range splitSentences(text) {
		if len(sentence) <= fragmentLimit {
			frags = append(frags, sentence)
			continue
		}
		for _, clause := range splitClauses(sentence) {
			if len(clause) <= fragmentLimit {
				frags = append(frags, clause)
				continue
			}
			frags = append(frags, packWords(clause)...)
		}
	}
	return frags
}

// splitSentences breaks text at ./!/? terminators, keeping the
// punctuation with its sentence. Runs of terminators ("?!", "...") stay
// together.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if !isTerminator(runes[i]) {
			continue
		}
		// Absorb the rest of the terminator run.
		for i+1 < len(runes) && isTerminator(runes[i+1]) {
			i++
			cur.WriteRune(runes[i])
		}
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// splitClauses breaks a long sentence at clause separators.
func splitClauses(sentence string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range sentence {
		cur.WriteRune(r)
		if !isClauseSep(r) {
			continue
		}
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func isClauseSep(r rune) bool {
	switch r {
	case ':', ';', ',', '-', '\n':
		return true
	}
	return false
}

// packWords greedily fills fragments up to the limit at word boundaries.
// A single word longer than the limit becomes its own fragment.
func packWords(text string) []string {
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() == 0 {
			cur.WriteString(word)
			continue
		}
		if cur.Len()+1+len(word) > fragmentLimit {
			out = append(out, cur.String())
			cur.Reset()
			cur.WriteString(word)
			continue
		}
		cur.WriteByte(' ')
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
