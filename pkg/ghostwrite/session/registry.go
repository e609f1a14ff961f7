package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persist"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/responder"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/store"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

// Registry errors.
var (
	ErrUnauthorized = errors.New("session: code not authorized")
	ErrNotFound     = errors.New("session: not found")
)

// defaultIdleCeiling destroys sessions that never authenticated.
const defaultIdleCeiling = 30 * time.Minute

// Registry holds all live sessions, one per authorized code. It owns
// creation, lookup, teardown and the health sweep; nothing else reaches
// the session map.
type Registry struct {
	factory    transport.Factory
	store      store.Store
	queue      *persist.Queue
	authorized map[string]bool
	logger     *slog.Logger

	// IdleCeiling bounds how long an unauthenticated session may linger.
	IdleCeiling time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. codes is the authorization list;
// an empty list authorizes nothing.
func NewRegistry(factory transport.Factory, st store.Store, queue *persist.Queue, codes []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	authorized := make(map[string]bool, len(codes))
	for _, c := range codes {
		authorized[c] = true
	}
	return &Registry{
		factory:     factory,
		store:       st,
		queue:       queue,
		authorized:  authorized,
		logger:      logger.With("component", "registry"),
		IdleCeiling: defaultIdleCeiling,
		sessions:    make(map[string]*Session),
	}
}

// Start creates and connects the session for a code, or returns the
// existing one.
func (g *Registry) Start(ctx context.Context, code string) (*Session, error) {
	if !g.authorized[code] {
		return nil, ErrUnauthorized
	}

	g.mu.Lock()
	if existing, ok := g.sessions[code]; ok && !existing.Destroyed() {
		g.mu.Unlock()
		return existing, nil
	}
	g.mu.Unlock()

	client, err := g.factory.NewClient(code)
	if err != nil {
		return nil, fmt.Errorf("creating transport client: %w", err)
	}
	s := newSession(g, code, client, g.queue, g.logger)
	s.ApplyConfig(g.loadConfig(ctx, code))

	g.mu.Lock()
	g.sessions[code] = s
	g.mu.Unlock()

	if err := s.connect(); err != nil {
		g.mu.Lock()
		delete(g.sessions, code)
		g.mu.Unlock()
		return nil, fmt.Errorf("connecting session: %w", err)
	}
	g.logger.Info("session started", "code", code)
	return s, nil
}

// Get returns a live session.
func (g *Registry) Get(code string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[code]
	if !ok || s.Destroyed() {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all live sessions.
func (g *Registry) List() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		if !s.Destroyed() {
			out = append(out, s)
		}
	}
	return out
}

// Destroy flushes buffered messages and tears the session down. With
// logout the account is unlinked from the device.
func (g *Registry) Destroy(ctx context.Context, code string, logout bool) error {
	g.mu.Lock()
	s, ok := g.sessions[code]
	if ok {
		delete(g.sessions, code)
	}
	g.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := g.queue.FlushSession(ctx, code); err != nil {
		g.logger.Warn("flush on destroy failed", "code", code, "error", err)
	}
	s.close(ctx, logout)
	g.logger.Info("session destroyed", "code", code, "logout", logout)
	return nil
}

// Recreate tears a session down and immediately starts a fresh one, used
// when another device takes over the stream.
func (g *Registry) Recreate(ctx context.Context, code string) {
	if err := g.Destroy(ctx, code, false); err != nil && !errors.Is(err, ErrNotFound) {
		g.logger.Warn("destroy during recreate failed", "code", code, "error", err)
	}
	if _, err := g.Start(ctx, code); err != nil {
		g.logger.Error("recreate failed", "code", code, "error", err)
	}
}

// HealthSweep drops sessions that are destroyed but still present and
// sessions that never authenticated within the idle ceiling.
func (g *Registry) HealthSweep(ctx context.Context) {
	ceiling := g.IdleCeiling
	if ceiling <= 0 {
		ceiling = defaultIdleCeiling
	}

	g.mu.Lock()
	var stale []string
	for code, s := range g.sessions {
		switch {
		case s.Destroyed():
			stale = append(stale, code)
		case !s.EverReady() && time.Since(s.CreatedAt) > ceiling:
			stale = append(stale, code)
		}
	}
	g.mu.Unlock()

	for _, code := range stale {
		g.logger.Info("health sweep removing session", "code", code)
		if err := g.Destroy(ctx, code, false); err != nil && !errors.Is(err, ErrNotFound) {
			g.logger.Warn("health sweep destroy failed", "code", code, "error", err)
		}
	}
}

// Shutdown flushes everything and closes all sessions.
func (g *Registry) Shutdown(ctx context.Context) {
	if err := g.queue.Flush(ctx); err != nil {
		g.logger.Warn("final flush failed", "error", err)
	}
	for _, s := range g.List() {
		s.close(ctx, false)
	}
	g.logger.Info("all sessions closed")
}

// UpdateConfig persists and applies a session's AI config.
func (g *Registry) UpdateConfig(ctx context.Context, code string, cfg *responder.Config) error {
	s, err := g.Get(code)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := g.store.SaveConfig(ctx, code, raw); err != nil {
		return err
	}
	s.ApplyConfig(cfg)
	return nil
}

// loadConfig reads the stored config, falling back to the default.
func (g *Registry) loadConfig(ctx context.Context, code string) *responder.Config {
	raw, err := g.store.LoadConfig(ctx, code)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("loading stored config failed", "code", code, "error", err)
		}
		return responder.DefaultConfig()
	}
	var cfg responder.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		g.logger.Warn("stored config corrupt, using default", "code", code, "error", err)
		return responder.DefaultConfig()
	}
	return &cfg
}
