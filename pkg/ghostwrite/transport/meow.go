// Package transport – meow.go implements Client over whatsmeow, the
// native Go WhatsApp Web library. Each tenant gets its own credential
// database; QR login runs in the background and streams to observers so
// the control surface can poll it.
//
// Reconnection is deliberately NOT handled here. The adapter only reports
// lifecycle transitions; the session state machine owns recovery policy.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for credential stores.
)

// MeowConfig configures the whatsmeow transport.
type MeowConfig struct {
	// SessionsDir holds one credential database per tenant code.
	SessionsDir string `yaml:"sessions_dir"`

	// DeviceName shows up in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`
}

// DefaultMeowConfig returns sensible defaults.
func DefaultMeowConfig() MeowConfig {
	return MeowConfig{
		SessionsDir: "./data/sessions",
		DeviceName:  "Ghostwrite",
	}
}

// MeowFactory creates whatsmeow clients, one per tenant.
type MeowFactory struct {
	cfg    MeowConfig
	logger *slog.Logger
}

// NewMeowFactory builds the factory.
func NewMeowFactory(cfg MeowConfig, logger *slog.Logger) *MeowFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = "./data/sessions"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Ghostwrite"
	}
	return &MeowFactory{cfg: cfg, logger: logger}
}

// NewClient creates the client for a tenant code.
func (f *MeowFactory) NewClient(code string) (Client, error) {
	if code == "" {
		return nil, fmt.Errorf("transport: empty tenant code")
	}
	if err := os.MkdirAll(f.cfg.SessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &Meow{
		cfg:        f.cfg,
		code:       code,
		dbPath:     filepath.Join(f.cfg.SessionsDir, code+".db"),
		logger:     f.logger.With("component", "transport", "code", code),
		messages:   make(chan *Message, 256),
		connEvents: make(chan ConnectionEvent, 32),
	}, nil
}

// Meow is the whatsmeow-backed Client for one tenant.
type Meow struct {
	cfg    MeowConfig
	code   string
	dbPath string
	logger *slog.Logger

	client *whatsmeow.Client

	messages   chan *Message
	connEvents chan ConnectionEvent

	connected atomic.Bool
	ownID     atomic.Value // string

	// initMu guards one-time client construction; reconnects reuse the
	// same client so its event handler stays attached.
	initMu sync.Mutex

	// closed guards the channels against send-after-close.
	closed atomic.Bool

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex
	lastQR        *QREvent

	ctx    context.Context
	cancel context.CancelFunc
}

// Connect initializes the credential store on first use and connects.
// With no linked account the QR flow starts in the background and Connect
// returns nil. Subsequent calls (the session's reconnect path) reuse the
// same underlying client so its registered event handler survives.
func (m *Meow) Connect(ctx context.Context) error {
	m.initMu.Lock()
	if m.client == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)

		container, err := sqlstore.New(m.ctx, "sqlite3",
			fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", m.dbPath),
			waLog.Noop)
		if err != nil {
			m.initMu.Unlock()
			return fmt.Errorf("creating credential store: %w", err)
		}

		device, err := m.getDevice(m.ctx, container)
		if err != nil {
			m.initMu.Unlock()
			return fmt.Errorf("getting device: %w", err)
		}

		wstore.SetOSInfo(m.cfg.DeviceName, [3]uint32{1, 0, 0})

		m.client = whatsmeow.NewClient(device, waLog.Noop)
		m.client.AddEventHandler(m.handleEvent)
	}
	client := m.client
	m.initMu.Unlock()

	if client.Store.ID == nil {
		m.logger.Info("no linked account, starting QR login")
		go func() {
			if err := m.loginWithQR(m.ctx); err != nil {
				m.logger.Warn("QR login pending", "error", err)
			}
		}()
		return nil
	}

	if client.IsConnected() {
		return nil
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Disconnect closes the connection without unlinking.
func (m *Meow) Disconnect() error {
	m.connected.Store(false)
	if m.cancel != nil {
		m.cancel()
	}
	if m.client != nil {
		m.client.Disconnect()
	}
	if m.closed.CompareAndSwap(false, true) {
		close(m.messages)
		close(m.connEvents)
	}
	m.logger.Info("transport disconnected")
	return nil
}

// Logout unlinks the account and clears credentials.
func (m *Meow) Logout(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	m.connected.Store(false)

	lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.client.Logout(lctx); err != nil {
		m.logger.Warn("logout error, forcing cleanup", "error", err)
		m.client.Disconnect()
		if m.client.Store != nil {
			if delErr := m.client.Store.Delete(lctx); delErr != nil {
				m.logger.Warn("failed to delete credential store", "error", delErr)
			}
		}
	}
	return nil
}

// SendText delivers a plain text message.
func (m *Meow) SendText(ctx context.Context, chatID, text string) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	_, err = m.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendVoice uploads audio and sends it as a push-to-talk voice note.
func (m *Meow) SendVoice(ctx context.Context, chatID string, audio []byte, mimeType string) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	if mimeType == "" {
		mimeType = "audio/ogg; codecs=opus"
	}

	up, err := m.client.Upload(ctx, audio, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("uploading audio: %w", err)
	}

	_, err = m.client.SendMessage(ctx, jid, &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("sending voice note: %w", err)
	}
	return nil
}

// DownloadMedia fetches and decrypts an inbound message's audio payload.
func (m *Meow) DownloadMedia(ctx context.Context, msg *Message) ([]byte, error) {
	audio, ok := msg.raw.(*waE2E.AudioMessage)
	if !ok || audio == nil {
		return nil, ErrNoMedia
	}
	data, err := m.client.Download(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	return data, nil
}

// MarkRead marks messages as read.
func (m *Meow) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if !m.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return m.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// MarkUnread flags a chat unread so the operator notices bot activity.
func (m *Meow) MarkUnread(ctx context.Context, chatID string) error {
	if !m.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	// No last-message key: the unread marker applies to the chat as a
	// whole, which is all the operator needs to notice bot activity.
	return m.client.SendAppState(ctx, appstate.BuildMarkChatAsRead(jid, false, time.Time{}, nil))
}

// SendTyping shows a typing indicator.
func (m *Meow) SendTyping(ctx context.Context, chatID string) error {
	if !m.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	return m.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Messages returns the inbound message stream.
func (m *Meow) Messages() <-chan *Message { return m.messages }

// ConnectionEvents returns the lifecycle event stream.
func (m *Meow) ConnectionEvents() <-chan ConnectionEvent { return m.connEvents }

// OwnID returns the authenticated phone number once known.
func (m *Meow) OwnID() string {
	if v, ok := m.ownID.Load().(string); ok {
		return v
	}
	return ""
}

// IsConnected reports the live connection state.
func (m *Meow) IsConnected() bool { return m.connected.Load() }

// ---------- QR login ----------

// SubscribeQR registers an observer channel; a cached last QR is replayed
// so late-joining pollers do not miss the current code.
func (m *Meow) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	m.qrObserversMu.Lock()
	m.qrObservers = append(m.qrObservers, ch)
	if m.lastQR != nil {
		select {
		case ch <- *m.lastQR:
		default:
		}
	}
	m.qrObserversMu.Unlock()

	return ch, func() {
		m.qrObserversMu.Lock()
		defer m.qrObserversMu.Unlock()
		for i, obs := range m.qrObservers {
			if obs == ch {
				m.qrObservers = append(m.qrObservers[:i], m.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// LastQR returns the cached current QR code, if any.
func (m *Meow) LastQR() *QREvent {
	m.qrObserversMu.Lock()
	defer m.qrObserversMu.Unlock()
	if m.lastQR == nil {
		return nil
	}
	evt := *m.lastQR
	return &evt
}

func (m *Meow) notifyQR(evt QREvent) {
	m.qrObserversMu.Lock()
	defer m.qrObserversMu.Unlock()

	if evt.Type == "code" {
		e := evt
		m.lastQR = &e
	} else {
		m.lastQR = nil
	}

	for _, ch := range m.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

func (m *Meow) loginWithQR(ctx context.Context) error {
	qrChan, err := m.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				m.logger.Info("QR code ready")
				m.notifyQR(QREvent{
					Type:    "code",
					Code:    evt.Code,
					Message: "Scan the QR code with WhatsApp to link your device",
				})
			case "success":
				m.logger.Info("QR login successful")
				m.notifyQR(QREvent{Type: "success", Message: "Device linked"})
				return nil
			case "timeout":
				m.logger.Warn("QR code expired")
				m.notifyQR(QREvent{Type: "timeout", Message: "QR code expired, restart the session to retry"})
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					m.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// ---------- Events ----------

func (m *Meow) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		m.handleMessageEvt(evt)

	case *events.Connected:
		m.connected.Store(true)
		if m.client.Store.ID != nil {
			m.ownID.Store(m.client.Store.ID.User)
		}
		m.logger.Info("connected", "own_id", m.OwnID())
		m.emitConnEvent(ConnectionEvent{State: StateConnected, Timestamp: time.Now()})

	case *events.Disconnected:
		m.connected.Store(false)
		m.logger.Warn("disconnected")
		m.emitConnEvent(ConnectionEvent{State: StateDisconnected, Reason: "connection_lost", Timestamp: time.Now()})

	case *events.LoggedOut:
		m.connected.Store(false)
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		m.logger.Error("logged out", "reason", reason)
		m.emitConnEvent(ConnectionEvent{State: StateUnpaired, Reason: reason, Timestamp: time.Now()})

	case *events.StreamReplaced:
		m.connected.Store(false)
		m.logger.Error("stream replaced, another device took over")
		m.emitConnEvent(ConnectionEvent{State: StateConflict, Reason: "stream_replaced", Timestamp: time.Now()})

	case *events.PairSuccess:
		m.logger.Info("device paired", "jid", evt.ID)
	}
}

// handleMessageEvt normalizes a whatsmeow message event. Messages from the
// operator's own account are emitted too (with FromMe set): the pipeline
// records them for style learning.
func (m *Meow) handleMessageEvt(evt *events.Message) {
	msg := &Message{
		ID:         string(evt.Info.ID),
		ChatID:     m.resolveJID(evt.Info.Chat),
		Sender:     m.resolveJID(evt.Info.Sender),
		SenderName: evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	}

	waMsg := evt.Message
	if waMsg == nil {
		return
	}

	switch {
	case waMsg.Conversation != nil:
		msg.Text = waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		ext := waMsg.ExtendedTextMessage
		msg.Text = ext.GetText()
		if ctxInfo := ext.GetContextInfo(); ctxInfo != nil {
			if quoted := ctxInfo.QuotedMessage; quoted != nil {
				msg.QuotedText = quotedText(quoted)
			}
		}

	case waMsg.AudioMessage != nil:
		audio := waMsg.AudioMessage
		if !audio.GetPTT() {
			return // plain audio files are not voice notes
		}
		msg.Voice = &VoiceInfo{
			MimeType: audio.GetMimetype(),
			Seconds:  audio.GetSeconds(),
		}
		msg.raw = audio

	default:
		// Other media types never reach the reply pipeline.
		return
	}

	m.emitMessage(msg)
}

// resolveJID maps LID-format identities back to phone JIDs where possible
// and returns the canonical string form.
func (m *Meow) resolveJID(jid types.JID) string {
	if jid.Server == "lid" && m.client != nil && m.client.Store != nil {
		if alt, err := m.client.Store.GetAltJID(m.ctx, jid); err == nil && !alt.IsEmpty() {
			return alt.String()
		}
	}
	return jid.String()
}

func (m *Meow) emitMessage(msg *Message) {
	if m.closed.Load() {
		return
	}
	select {
	case m.messages <- msg:
	case <-m.ctx.Done():
	default:
		m.logger.Warn("message channel full, dropping message", "chat", msg.ChatID)
	}
}

func (m *Meow) emitConnEvent(evt ConnectionEvent) {
	if m.closed.Load() {
		return
	}
	select {
	case m.connEvents <- evt:
	default:
		m.logger.Warn("connection event channel full, dropping event", "state", evt.State)
	}
}

func (m *Meow) getDevice(ctx context.Context, container *sqlstore.Container) (*wstore.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func quotedText(quoted *waE2E.Message) string {
	if quoted.Conversation != nil {
		return quoted.GetConversation()
	}
	if ext := quoted.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if audio := quoted.AudioMessage; audio != nil && audio.GetPTT() {
		return "[voice note]"
	}
	return "[message]"
}

// parseJID accepts bare phone numbers or full JIDs.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
