// Package transport defines the chat-transport boundary the rest of the
// system consumes, and ships a whatsmeow-backed implementation. The core
// depends only on the Client interface plus a Capabilities record resolved
// once at session creation, never on runtime method probing.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ConnectionState is the normalized connection lifecycle signal.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"

	// StateUnpaired means the account was unlinked from this device.
	// After a session has been ready once, this is terminal.
	StateUnpaired ConnectionState = "unpaired"

	// StateConflict means another client took over the stream.
	StateConflict ConnectionState = "conflict"
)

// ConnectionEvent is emitted on every lifecycle transition.
type ConnectionEvent struct {
	State     ConnectionState
	Reason    string
	Timestamp time.Time
}

// VoiceInfo describes a voice-note attachment on an incoming message.
type VoiceInfo struct {
	MimeType string
	Seconds  uint32
}

// Message is a normalized inbound chat message.
type Message struct {
	ID         string
	ChatID     string
	Sender     string // bare phone digits when resolvable
	SenderName string
	Text       string
	FromMe     bool
	Timestamp  time.Time
	QuotedText string
	Voice      *VoiceInfo

	// raw holds the platform payload needed for media download.
	raw any
}

// HasMedia reports whether the message carries any non-text payload.
func (m *Message) HasMedia() bool { return m.Voice != nil }

// QREvent mirrors the login QR stream for the control surface.
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client is the required transport surface. One client belongs to exactly
// one session and is owned by it.
type Client interface {
	// Connect establishes the platform connection. For an unlinked
	// account the QR login flow runs in the background.
	Connect(ctx context.Context) error

	// Disconnect closes the connection without unlinking the account.
	Disconnect() error

	// Logout unlinks the account and clears stored credentials.
	Logout(ctx context.Context) error

	// SendText delivers a plain text message.
	SendText(ctx context.Context, chatID, text string) error

	// Messages emits normalized inbound messages, including the
	// operator's own outgoing ones (needed for style learning).
	Messages() <-chan *Message

	// ConnectionEvents emits lifecycle transitions.
	ConnectionEvents() <-chan ConnectionEvent

	// OwnID returns the authenticated account's bare phone number, or
	// empty until known.
	OwnID() string

	// IsConnected reports the live connection state.
	IsConnected() bool
}

// Optional capability surfaces, type-asserted once at session creation.

// VoiceSender sends audio as a voice note.
type VoiceSender interface {
	SendVoice(ctx context.Context, chatID string, audio []byte, mimeType string) error
}

// MediaDownloader fetches and decrypts an inbound message's media.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)
}

// Marker flips chat read state.
type Marker interface {
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
	MarkUnread(ctx context.Context, chatID string) error
}

// Typer shows a typing indicator.
type Typer interface {
	SendTyping(ctx context.Context, chatID string) error
}

// QRStreamer exposes the login QR flow for polling.
type QRStreamer interface {
	SubscribeQR() (chan QREvent, func())
	LastQR() *QREvent
}

// Capabilities records which optional surfaces a client supports.
type Capabilities struct {
	SendVoice     bool
	DownloadMedia bool
	MarkUnread    bool
	Typing        bool
	QR            bool
}

// DetectCapabilities resolves a client's optional surfaces once.
func DetectCapabilities(c Client) Capabilities {
	var caps Capabilities
	_, caps.SendVoice = c.(VoiceSender)
	_, caps.DownloadMedia = c.(MediaDownloader)
	_, caps.MarkUnread = c.(Marker)
	_, caps.Typing = c.(Typer)
	_, caps.QR = c.(QRStreamer)
	return caps
}

// Factory creates one client per tenant code. Injected into the session
// registry so tests can substitute a fake transport.
type Factory interface {
	NewClient(code string) (Client, error)
}

// Errors.
var (
	ErrNotConnected = fmt.Errorf("transport: not connected")
	ErrNoMedia      = fmt.Errorf("transport: message has no media")
)

// IsPersonalChat reports whether a chat id belongs to a one-on-one
// conversation. Groups, broadcast lists, status updates, and newsletter
// channels are never auto-replied to or persisted.
func IsPersonalChat(chatID string) bool {
	if chatID == "" {
		return false
	}
	switch {
	case strings.HasSuffix(chatID, "@g.us"),
		strings.HasSuffix(chatID, "@broadcast"),
		strings.HasSuffix(chatID, "@newsletter"),
		strings.HasPrefix(chatID, "status@"):
		return false
	}
	return true
}
