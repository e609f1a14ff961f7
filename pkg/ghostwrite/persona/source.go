// Package persona – source.go resolves which corpus backs a profile.
package persona

import (
	"context"
	"log/slog"
)

const (
	// contactMinMessages is how many persisted messages a contact needs
	// before their own log is considered representative enough. Matches
	// the store's per-contact retention cap, so in practice the contact
	// source activates once the log is full.
	contactMinMessages = 1000

	// contactMinExamples is the minimum number of extractable paired
	// examples for the contact source.
	contactMinExamples = 3

	// DefaultExampleLimit is how many style examples a profile carries
	// unless configured otherwise.
	DefaultExampleLimit = 5
)

// Corpus is the slice of the document store the persona source reads.
type Corpus interface {
	// ContactMessages returns a contact's persisted message log with
	// provenance prefixes, oldest first.
	ContactMessages(ctx context.Context, sessionCode, contactID string) ([]string, error)

	// ContactMessageCount returns the size of a contact's log.
	ContactMessageCount(ctx context.Context, sessionCode, contactID string) (int, error)

	// UniversalReplies returns the session-wide pool of the operator's
	// own outgoing texts, oldest first.
	UniversalReplies(ctx context.Context, sessionCode string) ([]string, error)
}

// Source loads a persona profile for a contact. The reply pipeline depends
// on this abstraction so profile resolution stays lazy: nothing is read
// until a reply actually needs generating.
type Source interface {
	Load(ctx context.Context, contactID string) (*Profile, error)
}

// StoreSource resolves profiles from the document store, preferring the
// contact's own history, then the universal corpus, then bootstrap.
type StoreSource struct {
	code         string
	corpus       Corpus
	exampleLimit int
	logger       *slog.Logger
}

// NewStoreSource builds a per-session profile source.
func NewStoreSource(sessionCode string, corpus Corpus, exampleLimit int, logger *slog.Logger) *StoreSource {
	if exampleLimit <= 0 {
		exampleLimit = DefaultExampleLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSource{
		code:         sessionCode,
		corpus:       corpus,
		exampleLimit: exampleLimit,
		logger:       logger.With("component", "persona"),
	}
}

// Load never returns a nil profile on a nil error. Store failures degrade
// down the chain rather than failing the reply.
func (s *StoreSource) Load(ctx context.Context, contactID string) (*Profile, error) {
	if contactID != "" {
		count, err := s.corpus.ContactMessageCount(ctx, s.code, contactID)
		if err != nil {
			s.logger.Warn("contact message count failed", "contact", contactID, "error", err)
		} else if count >= contactMinMessages {
			messages, err := s.corpus.ContactMessages(ctx, s.code, contactID)
			if err != nil {
				s.logger.Warn("contact messages load failed", "contact", contactID, "error", err)
			} else {
				data := ExtractContactData(messages, s.exampleLimit)
				if len(data.Replies) > 0 && len(data.Examples) >= contactMinExamples {
					return BuildProfile(ProfileInput{
						Source:       SourceContact,
						Replies:      data.Replies,
						Examples:     data.Examples,
						ExampleLimit: s.exampleLimit,
					}), nil
				}
			}
		}
	}

	replies, err := s.corpus.UniversalReplies(ctx, s.code)
	if err != nil {
		s.logger.Warn("universal corpus load failed", "error", err)
		return BootstrapProfile(), nil
	}
	if len(replies) == 0 {
		return BootstrapProfile(), nil
	}

	return BuildProfile(ProfileInput{
		Source:       SourceUniversal,
		Replies:      replies,
		Examples:     StandaloneExamples(replies, s.exampleLimit),
		ExampleLimit: s.exampleLimit,
	}), nil
}
