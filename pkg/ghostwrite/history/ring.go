// Package history implements the per-session conversational memory: a
// bounded per-chat message buffer with LRU eviction across chats. It is a
// context cache for the reply pipeline only; the durable message log in
// the store is the source of truth for persona learning.
package history

import (
	"sync"
	"time"
)

const (
	// MinWindow and MaxWindow bound the configurable context window.
	MinWindow = 10
	MaxWindow = 1000

	// DefaultWindow is used when the configured value is invalid.
	DefaultWindow = 50

	// maxChatsPerSession caps how many chats a session keeps in memory
	// at once. Exceeding it evicts the least recently touched chat.
	maxChatsPerSession = 50
)

// Role tags who produced a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one conversational turn.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ClampWindow normalizes a configured context window. Values at or below
// zero are invalid and fall back to the default; everything else is
// clamped into [MinWindow, MaxWindow].
func ClampWindow(v int) int {
	if v <= 0 {
		return DefaultWindow
	}
	if v < MinWindow {
		return MinWindow
	}
	if v > MaxWindow {
		return MaxWindow
	}
	return v
}

type chatLog struct {
	entries      []Entry
	lastAccessed time.Time
}

// Ring holds the bounded per-chat buffers of one session.
type Ring struct {
	mu     sync.Mutex
	chats  map[string]*chatLog
	window int

	// now is swappable for tests.
	now func() time.Time
}

// NewRing creates a ring with the given (clamped) context window.
func NewRing(window int) *Ring {
	return &Ring{
		chats:  make(map[string]*chatLog),
		window: ClampWindow(window),
		now:    time.Now,
	}
}

// Window returns the current clamped context window.
func (r *Ring) Window() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window
}

// SetWindow updates the context window and immediately truncates any chat
// exceeding the new limit.
func (r *Ring) SetWindow(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = ClampWindow(v)
	for _, c := range r.chats {
		if len(c.entries) > r.window {
			c.entries = c.entries[len(c.entries)-r.window:]
		}
	}
}

// Append pushes an entry onto a chat's buffer, trims it to the window, and
// evicts the globally oldest chat while the per-session cap is exceeded.
func (r *Ring) Append(chatID string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[chatID]
	if !ok {
		c = &chatLog{}
		r.chats[chatID] = c
	}

	c.entries = append(c.entries, e)
	c.lastAccessed = r.now()

	if len(c.entries) > r.window {
		c.entries = c.entries[len(c.entries)-r.window:]
	}

	// One eviction at a time keeps allocations small even if the cap was
	// somehow overshot by more than one.
	for len(r.chats) > maxChatsPerSession {
		r.evictOldestLocked(chatID)
	}
}

// Get returns the last N entries of a chat (N = override when positive,
// otherwise the configured window) and touches the chat's last access time.
func (r *Ring) Get(chatID string, windowOverride int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[chatID]
	if !ok {
		return nil
	}
	c.lastAccessed = r.now()

	n := r.window
	if windowOverride > 0 {
		n = ClampWindow(windowOverride)
	}

	entries := c.entries
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Len returns the stored entry count for a chat without touching it.
func (r *Ring) Len(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chats[chatID]; ok {
		return len(c.entries)
	}
	return 0
}

// Chats returns how many chats are currently buffered.
func (r *Ring) Chats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

// SweepIdle removes chats whose last access is older than maxAge and
// returns how many were dropped. The session manager runs this hourly.
func (r *Ring) SweepIdle(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, c := range r.chats {
		if c.lastAccessed.Before(cutoff) {
			delete(r.chats, id)
			removed++
		}
	}
	return removed
}

// evictOldestLocked drops the single least recently accessed chat,
// never the one currently being written.
func (r *Ring) evictOldestLocked(keep string) {
	var oldestID string
	var oldest time.Time
	for id, c := range r.chats {
		if id == keep {
			continue
		}
		if oldestID == "" || c.lastAccessed.Before(oldest) {
			oldestID = id
			oldest = c.lastAccessed
		}
	}
	if oldestID != "" {
		delete(r.chats, oldestID)
	}
}
