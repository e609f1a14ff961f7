package responder

import (
	"strings"
	"testing"
)

func TestFragment(t *testing.T) {
	t.Run("short replies stay whole", func(t *testing.T) {
		got := Fragment("sure, sounds good!")
		if len(got) != 1 || got[0] != "sure, sounds good!" {
			t.Fatalf("Fragment() = %v", got)
		}
	})

	t.Run("empty input yields nothing", func(t *testing.T) {
		if got := Fragment("   "); got != nil {
			t.Fatalf("Fragment() = %v, want nil", got)
		}
	})

	t.Run("splits at sentence boundaries", func(t *testing.T) {
		text := "I checked the schedule and tomorrow works. Let me know what time suits you best!"
		got := Fragment(text)
		want := []string{
			"I checked the schedule and tomorrow works.",
			"Let me know what time suits you best!",
		}
		if len(got) != len(want) {
			t.Fatalf("Fragment() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("fragment %d = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("terminator runs stay together", func(t *testing.T) {
		got := Fragment("Wait, are you serious right now?! That changes absolutely everything we planned...")
		if len(got) < 2 {
			t.Fatalf("Fragment() = %v, want at least 2 fragments", got)
		}
		if !strings.HasSuffix(got[0], "?!") {
			t.Errorf("first fragment = %q, want ?! kept together", got[0])
		}
	})

	t.Run("long sentence splits at clauses", func(t *testing.T) {
		text := "We need to cover three things before Friday: the venue booking, the catering order and also the invitations for everyone on the second list"
		got := Fragment(text)
		if len(got) < 2 {
			t.Fatalf("Fragment() = %v, want clause split", got)
		}
		for i, f := range got {
			if len(f) > fragmentLimit {
				t.Errorf("fragment %d length %d exceeds limit: %q", i, len(f), f)
			}
		}
	})

	t.Run("unpunctuated text packs at word boundaries", func(t *testing.T) {
		text := strings.Repeat("word ", 50)
		got := Fragment(text)
		if len(got) < 2 {
			t.Fatalf("Fragment() = %v, want multiple fragments", got)
		}
		for i, f := range got {
			if len(f) > fragmentLimit {
				t.Errorf("fragment %d length %d exceeds limit", i, len(f))
			}
		}
	})

	t.Run("single long word is its own fragment", func(t *testing.T) {
		long := strings.Repeat("a", 120)
		got := Fragment("start " + long)
		found := false
		for _, f := range got {
			if f == long {
				found = true
			}
		}
		if !found {
			t.Fatalf("Fragment() = %v, want unsplit long word", got)
		}
	})

	t.Run("concatenation preserves content", func(t *testing.T) {
		texts := []string{
			"First point here. Second point there! Third question maybe? And a trailing thought",
			"one long list: apples, oranges, pears, grapes, melons, cherries, plums and more fruit after that",
			strings.Repeat("lorem ipsum dolor ", 20),
		}
		for _, text := range texts {
			got := Fragment(text)
			joined := strings.Join(strings.Fields(strings.Join(got, " ")), " ")
			orig := strings.Join(strings.Fields(text), " ")
			if joined != orig {
				t.Errorf("content lost:\n orig: %q\n join: %q", orig, joined)
			}
		}
	})
}
