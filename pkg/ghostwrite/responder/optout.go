package responder

import (
	"sync"
	"time"
)

// stopTTL is how long a per-chat stop lasts before it expires on its own.
const stopTTL = 24 * time.Hour

// StopList tracks per-chat and global auto-reply suppression. Per-chat
// stops expire after 24 hours and are cleared lazily on the next check.
type StopList struct {
	mu     sync.Mutex
	global bool
	chats  map[string]time.Time
	now    func() time.Time
}

// NewStopList creates an empty stop list.
func NewStopList() *StopList {
	return &StopList{
		chats: make(map[string]time.Time),
		now:   time.Now,
	}
}

// StopChat suppresses replies for one chat for the stop TTL.
func (s *StopList) StopChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = s.now()
}

// StartChat lifts a per-chat stop.
func (s *StopList) StartChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}

// StopAll suppresses replies for every chat in the session.
func (s *StopList) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = true
}

// StartAll lifts the global stop.
func (s *StopList) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = false
}

// GlobalStopped reports whether the global stop is active.
func (s *StopList) GlobalStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// ChatStopped reports whether a chat is currently suppressed. An expired
// stop entry is removed here.
func (s *StopList) ChatStopped(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stoppedAt, ok := s.chats[chatID]
	if !ok {
		return false
	}
	if s.now().Sub(stoppedAt) > stopTTL {
		delete(s.chats, chatID)
		return false
	}
	return true
}
