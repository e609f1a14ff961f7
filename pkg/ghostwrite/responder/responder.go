// Package responder implements the per-message reply pipeline: command
// interception, opt-out checks, voice transcription, custom-rule
// matching, persona-conditioned generation and fragmented delivery.
//
// Every inbound message produces at most one outbound action. The stages
// run in strict order and each can short-circuit the rest.
package responder

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/history"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/llm"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persist"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persona"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

const (
	// clockSkewTolerance forgives small clock drift when dropping
	// messages that predate the session start.
	clockSkewTolerance = 30 * time.Second

	// maxVoiceAge gates voice notes; media older than this has usually
	// expired on the platform's servers.
	maxVoiceAge = 24 * time.Hour

	// minAudioSize marks smaller downloads as likely corrupt.
	minAudioSize = 100

	// downloadAttempts bounds media download retries.
	downloadAttempts = 3

	// fragmentPace is the delay between fragment sends.
	fragmentPace = 1500 * time.Millisecond
)

// User-facing replies. Kept short and specific; silence is reserved for
// filtered paths.
const (
	msgStopChat      = "🤖 Auto replies disabled for this chat for 24 hours."
	msgStartChat     = "🤖 Auto replies enabled for this chat."
	msgStopAll       = "🤖 Auto replies disabled for all chats."
	msgStartAll      = "🤖 Auto replies enabled for all chats."
	msgNoReply       = "Sorry, I couldn't come up with a reply right now. Could you try again?"
	msgOverloaded    = "I'm getting too many requests right now. Give me a minute and try again."
	msgBadRequest    = "I couldn't process that message. Could you rephrase it?"
	msgGenericError  = "Something went wrong on my side. Please try again."
	msgNotConfigured = "AI replies aren't configured for this session yet."
	msgVoiceTooOld   = "That voice note is too old for me to fetch. Could you send it again?"
	msgVoiceDownload = "I couldn't download that voice note. Could you send it again?"
	msgVoiceCorrupt  = "That voice note looks too short or corrupted. Could you send it again?"
	msgVoiceNoSpeech = "I couldn't make out any speech in that voice note."
)

// Completer drafts reply text from a conversation.
type Completer interface {
	Complete(ctx context.Context, system string, turns []llm.Turn) (string, error)
}

// Transcriber converts voice audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer converts reply text to voice audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}

// Recorder buffers messages for durable persistence.
type Recorder interface {
	Enqueue(ctx context.Context, code, contact string, e persist.Entry)
}

// Deps wires a responder to its session's collaborators.
type Deps struct {
	Code        string
	Client      transport.Client
	Ring        *history.Ring
	Queue       Recorder
	Personas    persona.Source
	Completer   Completer
	Transcriber Transcriber
	Synthesizer Synthesizer

	// OwnID returns the session's authenticated number once known.
	OwnID func() string

	// StartedAt anchors the clock-skew filter.
	StartedAt time.Time

	Logger *slog.Logger
}

// Responder runs the reply pipeline for one session.
type Responder struct {
	code     string
	client   transport.Client
	caps     transport.Capabilities
	ring     *history.Ring
	queue    Recorder
	personas persona.Source
	ownID    func() string
	logger   *slog.Logger

	startedAt time.Time

	mu          sync.RWMutex
	cfg         *Config
	completer   Completer
	transcriber Transcriber
	synthesizer Synthesizer

	stops *StopList

	// inflight guards against concurrent replies to the same chat.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	pace  time.Duration
}

// New creates a responder. The config starts as the unconfigured default;
// call SetConfig once the session's stored config is loaded.
func New(deps Deps) *Responder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ownID := deps.OwnID
	if ownID == nil {
		ownID = func() string { return "" }
	}
	r := &Responder{
		code:        deps.Code,
		client:      deps.Client,
		ring:        deps.Ring,
		queue:       deps.Queue,
		personas:    deps.Personas,
		completer:   deps.Completer,
		transcriber: deps.Transcriber,
		synthesizer: deps.Synthesizer,
		ownID:       ownID,
		startedAt:   deps.StartedAt,
		logger:      logger.With("component", "responder", "code", deps.Code),
		cfg:         DefaultConfig(),
		stops:       NewStopList(),
		inflight:    make(map[string]struct{}),
		now:         time.Now,
		pace:        fragmentPace,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
	if deps.Client != nil {
		r.caps = transport.DetectCapabilities(deps.Client)
	}
	return r
}

// SetConfig replaces the session config wholesale. The new context window
// takes effect immediately, truncating oversized chat histories.
func (r *Responder) SetConfig(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Sanitize(r.logger)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.ring.SetWindow(cfg.ContextWindow)
}

// Config returns the current config.
func (r *Responder) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetCompleter swaps the LLM client, typically after a config update
// changed credentials or model.
func (r *Responder) SetCompleter(c Completer) {
	r.mu.Lock()
	r.completer = c
	r.mu.Unlock()
}

// SetSpeech swaps the audio clients.
func (r *Responder) SetSpeech(t Transcriber, s Synthesizer) {
	r.mu.Lock()
	r.transcriber = t
	r.synthesizer = s
	r.mu.Unlock()
}

// Stops exposes the opt-out state for status reporting.
func (r *Responder) Stops() *StopList { return r.stops }

// HandleMessage runs the pipeline for one inbound message. It never
// returns an error: every failure path either notifies the user or is
// logged, and must not take down the session's event loop.
func (r *Responder) HandleMessage(ctx context.Context, msg *transport.Message) {
	if msg == nil || msg.ChatID == "" {
		return
	}
	// Stage 1: only personal chats get replies.
	if !transport.IsPersonalChat(msg.ChatID) {
		return
	}
	// Stage 2: drop history replayed from before the session started.
	if !r.startedAt.IsZero() && !msg.Timestamp.IsZero() &&
		msg.Timestamp.Before(r.startedAt.Add(-clockSkewTolerance)) {
		return
	}
	// Stage 3: control commands short-circuit everything.
	if r.handleCommand(ctx, msg) {
		return
	}
	// Stage 4: the operator's own messages feed persona learning but
	// never trigger a reply.
	if msg.FromMe {
		if text := strings.TrimSpace(msg.Text); text != "" {
			r.ring.Append(msg.ChatID, history.Entry{
				Role: history.RoleAssistant, Text: text, Timestamp: msg.Timestamp,
			})
			r.queue.Enqueue(ctx, r.code, msg.ChatID, persist.Entry{
				Text: text, FromMe: true, Timestamp: msg.Timestamp,
			})
		}
		return
	}
	// Stage 5: opt-out filters are deliberately silent.
	if r.stops.GlobalStopped() && !r.isOwner(msg) {
		return
	}
	if r.stops.ChatStopped(msg.ChatID) {
		return
	}

	cfg := r.Config()

	// Stage 6: text extraction or the voice path.
	text, ok := r.acquireInput(ctx, msg, cfg)
	if !ok {
		return
	}

	// Stage 7: a leading !me rewrites the final turn into a directive.
	directive := utilityDirective(text, msg.QuotedText)

	// Stage 8: record the inbound message.
	r.ring.Append(msg.ChatID, history.Entry{
		Role: history.RoleUser, Text: text, Timestamp: msg.Timestamp,
	})
	r.queue.Enqueue(ctx, r.code, msg.ChatID, persist.Entry{
		Text: text, Timestamp: msg.Timestamp,
	})
	// Processed messages are marked read; replying flips the chat back
	// to unread so the owner still notices the exchange.
	r.markRead(ctx, msg)

	// Stage 9: custom rules, in configured order, first match wins.
	if directive == "" && r.matchRules(ctx, msg, cfg, text) {
		return
	}

	// Stage 10: credential and enable gates.
	r.mu.RLock()
	completer := r.completer
	r.mu.RUnlock()
	if !cfg.HasCredentials() || completer == nil {
		if directive != "" {
			r.notify(ctx, msg.ChatID, msgNotConfigured)
		}
		return
	}
	if !cfg.AutoReply && directive == "" {
		return
	}

	// One reply per chat at a time; a concurrent second message is
	// recorded above but does not race a second completion.
	if !r.acquireChat(msg.ChatID) {
		r.logger.Debug("reply already in flight, skipping", "chat", msg.ChatID)
		return
	}
	defer r.releaseChat(msg.ChatID)

	// Stages 11 and 12.
	r.generateAndDeliver(ctx, msg, cfg, completer, directive)
}

// ---------- Stage 3: commands ----------

func (r *Responder) handleCommand(ctx context.Context, msg *transport.Message) bool {
	cmd := strings.ToLower(strings.TrimSpace(msg.Text))
	switch cmd {
	case "!stop":
		r.stops.StopChat(msg.ChatID)
		r.notify(ctx, msg.ChatID, msgStopChat)
	case "!start":
		r.stops.StartChat(msg.ChatID)
		r.notify(ctx, msg.ChatID, msgStartChat)
	case "!stopall":
		if !r.isOwner(msg) {
			return true // swallowed, owner-only
		}
		r.stops.StopAll()
		r.notify(ctx, msg.ChatID, msgStopAll)
	case "!startall":
		if !r.isOwner(msg) {
			return true
		}
		r.stops.StartAll()
		r.notify(ctx, msg.ChatID, msgStartAll)
	default:
		return false
	}
	return true
}

func (r *Responder) isOwner(msg *transport.Message) bool {
	if msg.FromMe {
		return true
	}
	own := digitsOf(r.ownID())
	return own != "" && digitsOf(msg.Sender) == own
}

func digitsOf(s string) string {
	return strings.Map(func(c rune) rune {
		if c >= '0' && c <= '9' {
			return c
		}
		return -1
	}, s)
}

// ---------- Stage 6: input acquisition ----------

func (r *Responder) acquireInput(ctx context.Context, msg *transport.Message, cfg *Config) (string, bool) {
	if msg.Voice == nil {
		text := strings.TrimSpace(msg.Text)
		return text, text != ""
	}

	r.mu.RLock()
	transcriber := r.transcriber
	r.mu.RUnlock()
	if !cfg.VoiceActive() || transcriber == nil || !r.caps.DownloadMedia {
		return "", false
	}

	if !msg.Timestamp.IsZero() && r.now().Sub(msg.Timestamp) > maxVoiceAge {
		r.notify(ctx, msg.ChatID, msgVoiceTooOld)
		return "", false
	}

	audio, err := r.downloadVoice(ctx, msg)
	if err != nil {
		r.logger.Warn("voice download failed", "chat", msg.ChatID, "error", err)
		r.notify(ctx, msg.ChatID, msgVoiceDownload)
		return "", false
	}
	audio = stripDataURI(audio)
	if len(audio) < minAudioSize {
		r.notify(ctx, msg.ChatID, msgVoiceCorrupt)
		return "", false
	}

	text, err := transcriber.Transcribe(ctx, audio, "voice.ogg")
	if err != nil {
		r.logger.Warn("transcription failed", "chat", msg.ChatID, "error", err)
		r.notify(ctx, msg.ChatID, msgVoiceNoSpeech)
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		r.notify(ctx, msg.ChatID, msgVoiceNoSpeech)
		return "", false
	}
	return strings.TrimSpace(text), true
}

func (r *Responder) downloadVoice(ctx context.Context, msg *transport.Message) ([]byte, error) {
	dl := r.client.(transport.MediaDownloader)
	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		if attempt > 1 {
			r.sleep(ctx, time.Duration(attempt-1)*time.Second)
		}
		audio, err := dl.DownloadMedia(ctx, msg)
		if err == nil {
			return audio, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// stripDataURI removes a data-URI envelope if the transport handed us one
// instead of raw bytes.
func stripDataURI(audio []byte) []byte {
	if !bytes.HasPrefix(audio, []byte("data:")) {
		return audio
	}
	if i := bytes.IndexByte(audio, ','); i >= 0 {
		return audio[i+1:]
	}
	return audio
}

// ---------- Stage 9: custom rules ----------

func (r *Responder) matchRules(ctx context.Context, msg *transport.Message, cfg *Config, text string) bool {
	for i := range cfg.CustomReplies {
		rule := &cfg.CustomReplies[i]
		if !rule.Matches(text) {
			continue
		}
		r.logger.Debug("custom rule matched", "chat", msg.ChatID, "trigger", rule.Trigger)
		if err := r.deliverText(ctx, msg.ChatID, rule.Response, cfg); err != nil {
			r.logger.Warn("custom reply send failed", "chat", msg.ChatID, "error", err)
			return true
		}
		r.ring.Append(msg.ChatID, history.Entry{
			Role: history.RoleAssistant, Text: rule.Response, Timestamp: r.now(),
		})
		r.queue.Enqueue(ctx, r.code, msg.ChatID, persist.Entry{
			Text: rule.Response, FromMe: true, Timestamp: r.now(),
		})
		r.markUnread(ctx, msg.ChatID)
		return true
	}
	return false
}

// ---------- Stages 11 and 12 ----------

func (r *Responder) generateAndDeliver(ctx context.Context, msg *transport.Message, cfg *Config, completer Completer, directive string) {
	entries := r.ring.Get(msg.ChatID, cfg.ContextWindow)
	turns := make([]llm.Turn, 0, len(entries))
	for _, e := range entries {
		role := llm.RoleUser
		if e.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: e.Text})
	}
	if directive != "" && len(turns) > 0 {
		turns[len(turns)-1] = llm.Turn{Role: llm.RoleUser, Content: directive}
	}

	// Persona is loaded only now, never earlier: cheaper paths above must
	// not pay for corpus reads.
	profile, err := r.personas.Load(ctx, msg.ChatID)
	if err != nil || profile == nil {
		profile = persona.BootstrapProfile()
	}
	system := buildSystemPrompt(cfg.SystemPrompt, profile)

	r.sendTyping(ctx, msg.ChatID)

	reply, err := completer.Complete(ctx, system, turns)
	if err != nil {
		r.logger.Error("completion failed", "chat", msg.ChatID,
			"kind", llm.KindOf(err).String(), "error", err)
		r.notify(ctx, msg.ChatID, errorMessage(err))
		return
	}
	if reply == "" {
		r.notify(ctx, msg.ChatID, msgNoReply)
		return
	}

	frags := Fragment(reply)
	for i, frag := range frags {
		if i > 0 {
			r.sleep(ctx, r.pace)
		}
		if err := r.deliverText(ctx, msg.ChatID, frag, cfg); err != nil {
			r.logger.Warn("fragment send failed", "chat", msg.ChatID, "fragment", i, "error", err)
			return
		}
	}

	r.ring.Append(msg.ChatID, history.Entry{
		Role: history.RoleAssistant, Text: reply, Timestamp: r.now(),
	})
	r.queue.Enqueue(ctx, r.code, msg.ChatID, persist.Entry{
		Text: reply, FromMe: true, AI: true, Timestamp: r.now(),
	})
	r.markUnread(ctx, msg.ChatID)
}

// errorMessage maps a completion failure to a user-facing apology.
func errorMessage(err error) string {
	switch llm.KindOf(err) {
	case llm.ErrorRateLimit, llm.ErrorOverloaded:
		return msgOverloaded
	case llm.ErrorBadRequest:
		return msgBadRequest
	default:
		return msgGenericError
	}
}

// deliverText sends one piece of text, as voice when voice mode is fully
// active, falling back to plain text if synthesis fails.
func (r *Responder) deliverText(ctx context.Context, chatID, text string, cfg *Config) error {
	r.mu.RLock()
	synth := r.synthesizer
	r.mu.RUnlock()

	if cfg.VoiceActive() && synth != nil && r.caps.SendVoice {
		audio, mime, err := synth.Synthesize(ctx, text)
		if err == nil {
			return r.client.(transport.VoiceSender).SendVoice(ctx, chatID, audio, mime)
		}
		r.logger.Warn("synthesis failed, sending text", "chat", chatID, "error", err)
	}
	return r.client.SendText(ctx, chatID, text)
}

// notify best-effort sends a status message; failures are logged only.
func (r *Responder) notify(ctx context.Context, chatID, text string) {
	if err := r.client.SendText(ctx, chatID, text); err != nil {
		r.logger.Warn("notification send failed", "chat", chatID, "error", err)
		return
	}
	r.markUnread(ctx, chatID)
}

func (r *Responder) markRead(ctx context.Context, msg *transport.Message) {
	if !r.caps.MarkUnread || msg.ID == "" {
		return
	}
	if err := r.client.(transport.Marker).MarkRead(ctx, msg.ChatID, []string{msg.ID}); err != nil {
		r.logger.Debug("mark read failed", "chat", msg.ChatID, "error", err)
	}
}

func (r *Responder) markUnread(ctx context.Context, chatID string) {
	if !r.caps.MarkUnread {
		return
	}
	if err := r.client.(transport.Marker).MarkUnread(ctx, chatID); err != nil {
		r.logger.Debug("mark unread failed", "chat", chatID, "error", err)
	}
}

func (r *Responder) sendTyping(ctx context.Context, chatID string) {
	if !r.caps.Typing {
		return
	}
	if err := r.client.(transport.Typer).SendTyping(ctx, chatID); err != nil {
		r.logger.Debug("typing indicator failed", "chat", chatID, "error", err)
	}
}

// ---------- In-flight guard ----------

func (r *Responder) acquireChat(chatID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, busy := r.inflight[chatID]; busy {
		return false
	}
	r.inflight[chatID] = struct{}{}
	return true
}

func (r *Responder) releaseChat(chatID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, chatID)
}
