// Package persist buffers chat traffic in memory and flushes it to
// durable storage in batches. Buffering keeps the hot message path off
// the database; the queue survives storage hiccups by re-merging failed
// batches and sheds load when memory pressure builds.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persona"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

const (
	// maxTextLen clamps stored message bodies.
	maxTextLen = 4000

	// perContactCap bounds a single contact buffer. Overflow drops the
	// oldest entries first.
	perContactCap = 2000

	// globalCap bounds the queue across all sessions. Reaching it forces
	// a synchronous flush before the caller returns.
	globalCap = 10000

	// flushThreshold triggers an early flush for a contact whose buffer
	// already holds a full retention window.
	flushThreshold = 1000

	// emergencyVictims is how many of the largest buffers get halved when
	// a forced flush fails at the global cap.
	emergencyVictims = 3
)

// Sink is the durable side of the queue.
type Sink interface {
	AppendContactMessages(ctx context.Context, code, contact string, texts []string) error
	AppendUniversalReplies(ctx context.Context, code string, texts []string) error
}

// Entry is one buffered message.
type Entry struct {
	Text      string
	FromMe    bool
	AI        bool
	Timestamp time.Time
}

type bufKey struct {
	code    string
	contact string
}

type flight struct {
	done chan struct{}
	err  error
}

// Queue accumulates entries per (session, contact) pair.
type Queue struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[bufKey][]Entry
	total   int
	flight  *flight
}

// New creates an empty queue writing to sink.
func New(sink Sink, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sink:    sink,
		logger:  logger.With("component", "persist"),
		buffers: make(map[bufKey][]Entry),
	}
}

// Enqueue buffers one message. Entries for group or broadcast chats,
// empty identifiers, or blank bodies are dropped. Bodies longer than the
// storage clamp are truncated.
func (q *Queue) Enqueue(ctx context.Context, code, contact string, e Entry) {
	if code == "" || contact == "" {
		return
	}
	if !transport.IsPersonalChat(contact) {
		return
	}
	e.Text = strings.TrimSpace(e.Text)
	if e.Text == "" {
		return
	}
	if len(e.Text) > maxTextLen {
		// Back off to a rune boundary so the clamp never stores a split
		// multi-byte character.
		cut := maxTextLen
		for cut > 0 && !utf8.RuneStart(e.Text[cut]) {
			cut--
		}
		e.Text = e.Text[:cut]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	key := bufKey{code: code, contact: contact}

	q.mu.Lock()
	buf := append(q.buffers[key], e)
	q.total++
	if len(buf) > perContactCap {
		drop := len(buf) - perContactCap
		buf = buf[drop:]
		q.total -= drop
	}
	q.buffers[key] = buf
	contactFull := len(buf) >= flushThreshold
	globalFull := q.total >= globalCap
	q.mu.Unlock()

	switch {
	case globalFull:
		if err := q.Flush(ctx); err != nil {
			q.logger.Error("forced flush failed, shedding oldest entries", "error", err)
			q.emergencyShed()
		}
	case contactFull:
		go func() {
			if err := q.Flush(context.Background()); err != nil {
				q.logger.Warn("threshold flush failed", "error", err)
			}
		}()
	}
}

// Flush persists every buffered entry. Concurrent callers share a single
// in-flight flush and all receive its result.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flight != nil {
		f := q.flight
		q.mu.Unlock()
		<-f.done
		return f.err
	}
	f := &flight{done: make(chan struct{})}
	q.flight = f
	taken := q.takeLocked(func(bufKey) bool { return true })
	q.mu.Unlock()

	err := q.persist(ctx, taken)

	q.mu.Lock()
	q.flight = nil
	q.mu.Unlock()

	f.err = err
	close(f.done)
	return err
}

// FlushSession persists only one session's buffers. Used when a session
// shuts down; it does not join the shared flush.
func (q *Queue) FlushSession(ctx context.Context, code string) error {
	q.mu.Lock()
	taken := q.takeLocked(func(k bufKey) bool { return k.code == code })
	q.mu.Unlock()
	return q.persist(ctx, taken)
}

// Len reports the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// takeLocked removes and returns the buffers matching the filter. Caller
// holds the lock.
func (q *Queue) takeLocked(match func(bufKey) bool) map[bufKey][]Entry {
	taken := make(map[bufKey][]Entry)
	for key, buf := range q.buffers {
		if match(key) {
			taken[key] = buf
			delete(q.buffers, key)
			q.total -= len(buf)
		}
	}
	return taken
}

// persist writes the taken buffers to the sink. Failed batches are merged
// back in front of anything buffered since, so replay order holds.
func (q *Queue) persist(ctx context.Context, taken map[bufKey][]Entry) error {
	var errs []error
	for key, buf := range taken {
		if err := q.persistBatch(ctx, key, buf); err != nil {
			errs = append(errs, fmt.Errorf("flush %s/%s: %w", key.code, key.contact, err))
			q.requeue(key, buf)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (q *Queue) persistBatch(ctx context.Context, key bufKey, buf []Entry) error {
	texts := make([]string, 0, len(buf))
	var universal []string
	for _, e := range buf {
		texts = append(texts, labelFor(e)+e.Text)
		if e.FromMe && !e.AI {
			universal = append(universal, e.Text)
		}
	}
	if err := q.sink.AppendContactMessages(ctx, key.code, key.contact, texts); err != nil {
		return err
	}
	if len(universal) > 0 {
		if err := q.sink.AppendUniversalReplies(ctx, key.code, universal); err != nil {
			return err
		}
	}
	q.logger.Debug("flushed batch", "code", key.code, "contact", key.contact, "messages", len(texts))
	return nil
}

func (q *Queue) requeue(key bufKey, failed []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := append(failed, q.buffers[key]...)
	if len(merged) > perContactCap {
		merged = merged[len(merged)-perContactCap:]
	}
	q.total += len(merged) - len(q.buffers[key])
	q.buffers[key] = merged
}

// emergencyShed halves the largest buffers after a forced flush failed at
// the global cap. Losing old history beats unbounded growth.
func (q *Queue) emergencyShed() {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]bufKey, 0, len(q.buffers))
	for key := range q.buffers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return len(q.buffers[keys[i]]) > len(q.buffers[keys[j]])
	})

	victims := emergencyVictims
	if victims > len(keys) {
		victims = len(keys)
	}
	for _, key := range keys[:victims] {
		buf := q.buffers[key]
		drop := len(buf) / 2
		if drop == 0 {
			continue
		}
		q.buffers[key] = buf[drop:]
		q.total -= drop
		q.logger.Warn("dropped oldest buffered messages",
			"code", key.code, "contact", key.contact, "dropped", drop)
	}
}

func labelFor(e Entry) string {
	switch {
	case e.FromMe && e.AI:
		return persona.PrefixAI
	case e.FromMe:
		return persona.PrefixHuman
	default:
		return persona.PrefixUser
	}
}
