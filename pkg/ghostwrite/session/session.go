// Package session owns the per-tenant connection lifecycle: connect,
// ready, disconnect with single-shot reconnect, conflict recovery and
// unpair teardown. Each session dispatches its inbound events into its
// reply pipeline.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/history"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/llm"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persist"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persona"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/responder"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/speech"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateUnpaired     State = "unpaired"
	StateConflict     State = "conflict"
)

// reconnectDelay is the fixed wait before the single pending reconnect.
const reconnectDelay = 10 * time.Second

// Session is one authenticated tenant and its transport client.
type Session struct {
	Code      string
	CreatedAt time.Time

	client    transport.Client
	caps      transport.Capabilities
	ring      *history.Ring
	responder *responder.Responder
	registry  *Registry
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	everReady      bool
	ownID          string
	destroyed      bool
	reconnectTimer *time.Timer
	reconnects     int
	lastEventAt    time.Time
}

// Health is a snapshot of the session's connection history.
type Health struct {
	Reconnects  int       `json:"reconnects"`
	LastEventAt time.Time `json:"lastEventAt,omitzero"`
}

// newSession wires a session; the registry connects it afterwards.
func newSession(reg *Registry, code string, client transport.Client, queue *persist.Queue, logger *slog.Logger) *Session {
	ring := history.NewRing(history.DefaultWindow)
	s := &Session{
		Code:      code,
		CreatedAt: time.Now(),
		client:    client,
		caps:      transport.DetectCapabilities(client),
		ring:      ring,
		registry:  reg,
		logger:    logger.With("component", "session", "code", code),
		state:     StateDisconnected,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.responder = responder.New(responder.Deps{
		Code:      code,
		Client:    client,
		Ring:      ring,
		Queue:     queue,
		Personas:  persona.NewStoreSource(code, reg.store, persona.DefaultExampleLimit, logger),
		OwnID:     s.OwnID,
		StartedAt: s.CreatedAt,
		Logger:    logger,
	})
	return s
}

// connect starts the transport and the event loop. The transport is
// bound to the session's own context: callers (HTTP handlers in
// particular) outlive their contexts long before QR pairing completes.
func (s *Session) connect() error {
	s.setState(StateConnecting)
	if err := s.client.Connect(s.ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	go s.eventLoop()
	return nil
}

func (s *Session) eventLoop() {
	messages := s.client.Messages()
	events := s.client.ConnectionEvents()
	for messages != nil || events != nil {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			// Replies may block on the LLM; concurrent same-chat replies
			// are serialized by the responder's in-flight guard.
			go s.responder.HandleMessage(s.ctx, msg)
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleConnectionEvent(evt)
		}
	}
}

func (s *Session) handleConnectionEvent(evt transport.ConnectionEvent) {
	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	switch evt.State {
	case transport.StateConnected:
		s.mu.Lock()
		s.state = StateReady
		s.everReady = true
		if s.ownID == "" {
			s.ownID = s.client.OwnID()
		}
		s.clearReconnectLocked()
		s.mu.Unlock()
		s.logger.Info("session ready", "own_id", s.OwnID())

	case transport.StateDisconnected:
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		s.state = StateReconnecting
		// Exactly one pending reconnect; a newer disconnect replaces any
		// older pending timer.
		s.clearReconnectLocked()
		s.reconnectTimer = time.AfterFunc(reconnectDelay, s.reconnect)
		s.reconnects++
		s.mu.Unlock()
		s.logger.Warn("disconnected, reconnect scheduled", "delay", reconnectDelay)

	case transport.StateUnpaired:
		s.mu.Lock()
		ready := s.everReady
		s.state = StateUnpaired
		s.mu.Unlock()
		if !ready {
			// Expected during initial QR pairing; not a logout.
			s.logger.Info("unpaired before first ready, ignoring")
			return
		}
		s.logger.Error("session unpaired, destroying", "reason", evt.Reason)
		go s.registry.Destroy(context.Background(), s.Code, false)

	case transport.StateConflict:
		s.setState(StateConflict)
		s.logger.Error("session conflict, recreating")
		go s.registry.Recreate(context.Background(), s.Code)
	}
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	s.logger.Info("reconnecting")
	if err := s.client.Connect(s.ctx); err != nil {
		s.logger.Error("reconnect failed", "error", err)
		s.mu.Lock()
		if !s.destroyed {
			s.clearReconnectLocked()
			s.reconnectTimer = time.AfterFunc(reconnectDelay, s.reconnect)
		}
		s.mu.Unlock()
	}
}

func (s *Session) clearReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// close tears the session down. With logout the account is unlinked.
func (s *Session) close(ctx context.Context, logout bool) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.clearReconnectLocked()
	s.mu.Unlock()

	s.cancel()
	if logout {
		if err := s.client.Logout(ctx); err != nil {
			s.logger.Warn("logout failed", "error", err)
		}
	}
	if err := s.client.Disconnect(); err != nil {
		s.logger.Warn("disconnect failed", "error", err)
	}
}

// ---------- accessors ----------

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session is connected and authenticated.
func (s *Session) Ready() bool { return s.State() == StateReady }

// Health returns the session's connection history snapshot.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{Reconnects: s.reconnects, LastEventAt: s.lastEventAt}
}

// EverReady reports whether the session has authenticated at least once.
func (s *Session) EverReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everReady
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// OwnID returns the authenticated number once known.
func (s *Session) OwnID() string {
	s.mu.Lock()
	if s.ownID != "" {
		id := s.ownID
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()
	return s.client.OwnID()
}

// Ring exposes the chat history ring for maintenance sweeps.
func (s *Session) Ring() *history.Ring { return s.ring }

// Responder exposes the reply pipeline for config and persona surfaces.
func (s *Session) Responder() *responder.Responder { return s.responder }

// Client exposes the transport for sending and QR polling.
func (s *Session) Client() transport.Client { return s.client }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ApplyConfig sanitizes and installs a new AI config, rebuilding the LLM
// and speech clients to match the new credentials.
func (s *Session) ApplyConfig(cfg *responder.Config) {
	if cfg == nil {
		cfg = responder.DefaultConfig()
	}
	s.responder.SetConfig(cfg)

	if cfg.HasCredentials() {
		s.responder.SetCompleter(llm.NewClient(llm.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		}, s.logger))
	} else {
		s.responder.SetCompleter(nil)
	}

	if cfg.Voice.TranscriptionKey != "" {
		sc := speech.NewClient(speech.Config{
			APIKey:   cfg.Voice.TranscriptionKey,
			Language: cfg.Voice.Language,
			Voice:    voiceFor(cfg.Voice.Gender),
		}, s.logger)
		s.responder.SetSpeech(sc, sc)
	} else {
		s.responder.SetSpeech(nil, nil)
	}
}

// voiceFor picks a synthesis voice matching the configured gender.
func voiceFor(gender string) string {
	switch gender {
	case "male":
		return "onyx"
	case "female":
		return "nova"
	default:
		return ""
	}
}
