package responder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/history"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/llm"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persist"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persona"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

const testChat = "5511888000111@s.whatsapp.net"

// ---------- fakes ----------

type sentMsg struct {
	chat string
	text string
}

type fakeClient struct {
	mu       sync.Mutex
	sent     []sentMsg
	voice    []sentMsg
	media    []byte
	mediaErr error
	unread   []string
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Disconnect() error             { return nil }
func (f *fakeClient) Logout(context.Context) error  { return nil }
func (f *fakeClient) OwnID() string                 { return "5511999000222" }
func (f *fakeClient) IsConnected() bool             { return true }
func (f *fakeClient) Messages() <-chan *transport.Message {
	return nil
}
func (f *fakeClient) ConnectionEvents() <-chan transport.ConnectionEvent {
	return nil
}
func (f *fakeClient) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{chat: chatID, text: text})
	return nil
}
func (f *fakeClient) SendVoice(_ context.Context, chatID string, audio []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voice = append(f.voice, sentMsg{chat: chatID, text: string(audio)})
	return nil
}
func (f *fakeClient) DownloadMedia(context.Context, *transport.Message) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media, f.mediaErr
}
func (f *fakeClient) MarkRead(context.Context, string, []string) error { return nil }
func (f *fakeClient) MarkUnread(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = append(f.unread, chatID)
	return nil
}

func (f *fakeClient) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []struct {
		system string
		turns  []llm.Turn
	}
	started chan struct{}
	release chan struct{}
}

func (f *fakeCompleter) Complete(_ context.Context, system string, turns []llm.Turn) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, struct {
		system string
		turns  []llm.Turn
	}{system, append([]llm.Turn(nil), turns...)})
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.reply, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []persist.Entry
}

func (f *fakeQueue) Enqueue(_ context.Context, _, _ string, e persist.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

type fakeSource struct {
	profile *persona.Profile
}

func (f *fakeSource) Load(context.Context, string) (*persona.Profile, error) {
	if f.profile != nil {
		return f.profile, nil
	}
	return persona.BootstrapProfile(), nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

func newTestResponder(client *fakeClient, completer Completer) (*Responder, *fakeQueue) {
	queue := &fakeQueue{}
	r := New(Deps{
		Code:      "alpha",
		Client:    client,
		Ring:      history.NewRing(history.DefaultWindow),
		Queue:     queue,
		Personas:  &fakeSource{},
		Completer: completer,
		OwnID:     client.OwnID,
	})
	r.sleep = func(context.Context, time.Duration) {}
	r.SetConfig(&Config{
		APIKey: "k", Model: "m", AutoReply: true, ContextWindow: history.DefaultWindow,
	})
	return r, queue
}

func inbound(text string) *transport.Message {
	return &transport.Message{
		ID: "m1", ChatID: testChat, Sender: "5511888000111@s.whatsapp.net",
		Text: text, Timestamp: time.Now(),
	}
}

// ---------- pipeline scenarios ----------

func TestFirstContactBootstrapReply(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "hey! how's it going?"}
	r, queue := newTestResponder(client, completer)
	ctx := context.Background()

	r.HandleMessage(ctx, inbound("hi"))

	if completer.callCount() != 1 {
		t.Fatalf("completer calls = %d, want 1", completer.callCount())
	}
	call := completer.calls[0]
	if len(call.turns) != 1 || call.turns[0].Role != llm.RoleUser || call.turns[0].Content != "hi" {
		t.Fatalf("turns = %+v, want single user turn", call.turns)
	}
	if !strings.Contains(call.system, "calm") {
		t.Errorf("system prompt missing bootstrap persona: %q", call.system)
	}
	if got := client.sentTexts(); len(got) != 1 || got[0] != "hey! how's it going?" {
		t.Fatalf("sent = %v, want single fragment reply", got)
	}
	if got := r.ring.Len(testChat); got != 2 {
		t.Fatalf("history entries = %d, want 2", got)
	}
	// User message persisted plain, reply persisted as AI-generated.
	if len(queue.entries) != 2 {
		t.Fatalf("persisted entries = %d, want 2", len(queue.entries))
	}
	if queue.entries[0].AI || queue.entries[0].FromMe {
		t.Error("inbound entry mislabeled")
	}
	if !queue.entries[1].AI || !queue.entries[1].FromMe {
		t.Error("reply entry not labeled AI-generated")
	}
}

func TestStopCommand(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "should not appear"}
	r, _ := newTestResponder(client, completer)
	ctx := context.Background()

	r.HandleMessage(ctx, inbound("!stop"))

	if got := client.sentTexts(); len(got) != 1 || got[0] != msgStopChat {
		t.Fatalf("sent = %v, want stop confirmation", got)
	}

	r.HandleMessage(ctx, inbound("are you there?"))
	if completer.callCount() != 0 {
		t.Fatal("LLM called while chat stopped")
	}
	if got := client.sentTexts(); len(got) != 1 {
		t.Fatalf("sent = %v, want no reply after stop", got)
	}

	r.HandleMessage(ctx, inbound("!start"))
	r.HandleMessage(ctx, inbound("hello again"))
	if completer.callCount() != 1 {
		t.Fatalf("completer calls = %d, want 1 after restart", completer.callCount())
	}
}

func TestStopExpiry(t *testing.T) {
	stops := NewStopList()
	base := time.Now()
	now := base
	stops.now = func() time.Time { return now }

	stops.StopChat(testChat)
	if !stops.ChatStopped(testChat) {
		t.Fatal("chat not stopped immediately after StopChat")
	}
	now = base.Add(stopTTL)
	if !stops.ChatStopped(testChat) {
		t.Fatal("stop expired too early")
	}
	now = base.Add(stopTTL + time.Millisecond)
	if stops.ChatStopped(testChat) {
		t.Fatal("stop still active past TTL")
	}
	if _, ok := stops.chats[testChat]; ok {
		t.Fatal("expired stop entry not cleared")
	}
}

func TestGlobalStopOwnerOnly(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "yo"}
	r, _ := newTestResponder(client, completer)
	ctx := context.Background()

	// Non-owner !stopall is swallowed silently.
	r.HandleMessage(ctx, inbound("!stopall"))
	if r.stops.GlobalStopped() {
		t.Fatal("non-owner enabled global stop")
	}
	if got := client.sentTexts(); len(got) != 0 {
		t.Fatalf("sent = %v, want silence", got)
	}

	// Owner (self-sent) succeeds.
	ownerMsg := inbound("!stopall")
	ownerMsg.FromMe = true
	r.HandleMessage(ctx, ownerMsg)
	if !r.stops.GlobalStopped() {
		t.Fatal("owner !stopall did not take effect")
	}

	r.HandleMessage(ctx, inbound("anyone home?"))
	if completer.callCount() != 0 {
		t.Fatal("LLM called during global stop")
	}
}

func TestCustomRuleBeatsLLM(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "llm reply"}
	r, queue := newTestResponder(client, completer)
	cfg := r.Config()
	cfg.CustomReplies = []Rule{
		{Trigger: "price", Response: "$10", MatchType: MatchContains},
		{Trigger: "price list", Response: "$20", MatchType: MatchContains},
	}
	r.SetConfig(cfg)
	ctx := context.Background()

	r.HandleMessage(ctx, inbound("what's the Price?"))

	if completer.callCount() != 0 {
		t.Fatal("LLM invoked despite matching rule")
	}
	if got := client.sentTexts(); len(got) != 1 || got[0] != "$10" {
		t.Fatalf("sent = %v, want first matching rule response", got)
	}
	// Canned replies persist as human-authored, not AI.
	last := queue.entries[len(queue.entries)-1]
	if last.AI || !last.FromMe {
		t.Errorf("rule reply entry = %+v, want FromMe non-AI", last)
	}
}

func TestRuleMatchSemantics(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		text string
		want bool
	}{
		{"exact match ignores case", Rule{Trigger: "Hours", MatchType: MatchExact}, "hours", true},
		{"exact rejects superstring", Rule{Trigger: "hours", MatchType: MatchExact}, "opening hours", false},
		{"startsWith prefix", Rule{Trigger: "hey", MatchType: MatchStartsWith}, "Hey there", true},
		{"startsWith rejects middle", Rule{Trigger: "hey", MatchType: MatchStartsWith}, "oh hey", false},
		{"contains default", Rule{Trigger: "menu", MatchType: ""}, "send the MENU please", true},
		{"empty trigger never matches", Rule{Trigger: "", MatchType: MatchContains}, "anything", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Matches(tc.text); got != tc.want {
				t.Errorf("Matches(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}

	t.Run("regex runs on original case", func(t *testing.T) {
		cfg := &Config{CustomReplies: []Rule{{Trigger: "^ord[ée]r", MatchType: MatchRegex}}}
		cfg.Sanitize(nil)
		if !cfg.CustomReplies[0].Matches("Ordér #42") {
			t.Error("regex rule did not match")
		}
	})

	t.Run("invalid regex degrades to contains", func(t *testing.T) {
		cfg := &Config{CustomReplies: []Rule{{Trigger: "(unclosed", MatchType: MatchRegex}}}
		cfg.Sanitize(nil)
		if cfg.CustomReplies[0].MatchType != MatchContains {
			t.Fatalf("MatchType = %q, want degraded to contains", cfg.CustomReplies[0].MatchType)
		}
		if !cfg.CustomReplies[0].Matches("this (unclosed thing") {
			t.Error("degraded rule did not match as contains")
		}
	})
}

func TestVoiceCorruptBuffer(t *testing.T) {
	client := &fakeClient{media: []byte(strings.Repeat("x", 50))}
	completer := &fakeCompleter{reply: "nope"}
	r, _ := newTestResponder(client, completer)
	r.SetSpeech(&fakeTranscriber{text: "ignored"}, nil)
	cfg := r.Config()
	cfg.Voice = VoiceConfig{Enabled: true, TranscriptionKey: "tk"}
	r.SetConfig(cfg)
	ctx := context.Background()

	msg := inbound("")
	msg.Voice = &transport.VoiceInfo{MimeType: "audio/ogg", Seconds: 3}
	r.HandleMessage(ctx, msg)

	if completer.callCount() != 0 {
		t.Fatal("LLM called for corrupt voice note")
	}
	got := client.sentTexts()
	if len(got) != 1 || got[0] != msgVoiceCorrupt {
		t.Fatalf("sent = %v, want corrupt-audio notice", got)
	}
}

func TestVoiceTranscriptionFeedsPipeline(t *testing.T) {
	client := &fakeClient{media: []byte(strings.Repeat("x", 500))}
	completer := &fakeCompleter{reply: "got it, see you at 8"}
	r, queue := newTestResponder(client, completer)
	r.SetSpeech(&fakeTranscriber{text: "dinner at eight?"}, nil)
	cfg := r.Config()
	cfg.Voice = VoiceConfig{Enabled: true, TranscriptionKey: "tk"}
	r.SetConfig(cfg)
	ctx := context.Background()

	msg := inbound("")
	msg.Voice = &transport.VoiceInfo{MimeType: "audio/ogg", Seconds: 4}
	r.HandleMessage(ctx, msg)

	if completer.callCount() != 1 {
		t.Fatalf("completer calls = %d, want 1", completer.callCount())
	}
	// Transcript, not audio, is what gets persisted.
	if queue.entries[0].Text != "dinner at eight?" {
		t.Fatalf("persisted = %q, want transcript", queue.entries[0].Text)
	}
}

func TestSelfSentLearnsWithoutReply(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "nope"}
	r, queue := newTestResponder(client, completer)
	ctx := context.Background()

	msg := inbound("on my way, 10 min")
	msg.FromMe = true
	r.HandleMessage(ctx, msg)

	if completer.callCount() != 0 {
		t.Fatal("LLM called for self-sent message")
	}
	if len(client.sentTexts()) != 0 {
		t.Fatal("reply sent to self-sent message")
	}
	if len(queue.entries) != 1 || !queue.entries[0].FromMe || queue.entries[0].AI {
		t.Fatalf("persisted = %+v, want one FromMe non-AI entry", queue.entries)
	}
}

func TestUtilityDirective(t *testing.T) {
	t.Run("detection", func(t *testing.T) {
		cases := []struct {
			name   string
			text   string
			quoted string
			want   string
		}{
			{"plain message", "hello", "", ""},
			{"bare token no quote", "!me", "", ""},
			{"question mode", "!me is tomorrow a holiday?", "", "Answer the following directly and helpfully: is tomorrow a holiday?"},
			{"explain hint", "!me explain this contract clause", "", "Explain in simple, clear terms: explain this contract clause"},
			{"question mentioning explain word", "!me what does EOD mean?", "", "Answer the following directly and helpfully: what does EOD mean?"},
			{"meaning hint", "!me meaning of NDA", "", "Explain in simple, clear terms: meaning of NDA"},
			{"quoted message", "!me", "we need the NDA signed by EOD", `Explain the following message in simple, clear terms: "we need the NDA signed by EOD"`},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if got := utilityDirective(tc.text, tc.quoted); got != tc.want {
					t.Errorf("utilityDirective() = %q, want %q", got, tc.want)
				}
			})
		}
	})

	t.Run("bypasses rules and autoreply gate", func(t *testing.T) {
		client := &fakeClient{}
		completer := &fakeCompleter{reply: "it means they want it signed today"}
		r, _ := newTestResponder(client, completer)
		cfg := r.Config()
		cfg.AutoReply = false
		cfg.CustomReplies = []Rule{{Trigger: "me", Response: "canned", MatchType: MatchContains}}
		r.SetConfig(cfg)

		r.HandleMessage(context.Background(), inbound("!me what does EOD mean?"))

		if completer.callCount() != 1 {
			t.Fatalf("completer calls = %d, want 1", completer.callCount())
		}
		turns := completer.calls[0].turns
		last := turns[len(turns)-1]
		if !strings.HasPrefix(last.Content, "Answer the following") {
			t.Fatalf("final turn = %q, want rewritten directive", last.Content)
		}
	})

	t.Run("missing credentials notifies instead of silence", func(t *testing.T) {
		client := &fakeClient{}
		r, _ := newTestResponder(client, &fakeCompleter{})
		cfg := r.Config()
		cfg.APIKey = ""
		r.SetConfig(cfg)

		r.HandleMessage(context.Background(), inbound("!me what is this?"))

		got := client.sentTexts()
		if len(got) != 1 || got[0] != msgNotConfigured {
			t.Fatalf("sent = %v, want configuration notice", got)
		}
	})
}

func TestLLMFailureApologies(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"empty reply apologizes", "", nil, msgNoReply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{}
			r, _ := newTestResponder(client, &fakeCompleter{reply: tc.reply, err: tc.err})
			r.HandleMessage(context.Background(), inbound("hey"))
			got := client.sentTexts()
			if len(got) != 1 || got[0] != tc.want {
				t.Fatalf("sent = %v, want %q", got, tc.want)
			}
		})
	}
}

func TestInFlightGuard(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{
		reply:   "slow reply",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r, _ := newTestResponder(client, completer)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		r.HandleMessage(ctx, inbound("first"))
		close(done)
	}()
	<-completer.started

	// Second message for the same chat while the first reply is pending.
	r.HandleMessage(ctx, inbound("second"))
	if completer.callCount() != 1 {
		t.Fatalf("completer calls = %d, want 1 (second skipped)", completer.callCount())
	}
	// The second message still entered history.
	if got := r.ring.Len(testChat); got != 2 {
		t.Fatalf("history entries = %d, want both recorded", got)
	}

	close(completer.release)
	<-done
}

func TestGroupChatsDropped(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "x"}
	r, queue := newTestResponder(client, completer)

	msg := inbound("hello group")
	msg.ChatID = "12345-67890@g.us"
	r.HandleMessage(context.Background(), msg)

	if completer.callCount() != 0 || len(client.sentTexts()) != 0 || len(queue.entries) != 0 {
		t.Fatal("group chat message was processed")
	}
}

func TestClockSkewFilter(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "x"}
	queue := &fakeQueue{}
	started := time.Now()
	r := New(Deps{
		Code: "alpha", Client: client, Ring: history.NewRing(50),
		Queue: queue, Personas: &fakeSource{}, Completer: completer,
		OwnID: client.OwnID, StartedAt: started,
	})
	r.sleep = func(context.Context, time.Duration) {}
	r.SetConfig(&Config{APIKey: "k", Model: "m", AutoReply: true})
	ctx := context.Background()

	stale := inbound("old news")
	stale.Timestamp = started.Add(-time.Minute)
	r.HandleMessage(ctx, stale)
	if completer.callCount() != 0 {
		t.Fatal("stale message triggered a reply")
	}

	fresh := inbound("current")
	fresh.Timestamp = started.Add(-10 * time.Second) // within tolerance
	r.HandleMessage(ctx, fresh)
	if completer.callCount() != 1 {
		t.Fatal("message within skew tolerance was dropped")
	}
}

func TestLongReplyFragmentedInOrder(t *testing.T) {
	client := &fakeClient{}
	reply := "First we confirm the venue for Saturday. Then I will send the invite list over. Does that work for you?"
	r, _ := newTestResponder(client, &fakeCompleter{reply: reply})

	r.HandleMessage(context.Background(), inbound("plan?"))

	got := client.sentTexts()
	if len(got) < 3 {
		t.Fatalf("sent %d fragments, want 3: %v", len(got), got)
	}
	joined := strings.Join(got, " ")
	if joined != reply {
		t.Fatalf("fragments out of order or lossy:\n got %q\nwant %q", joined, reply)
	}
}

func TestHistoryWindowBoundsLLMContext(t *testing.T) {
	client := &fakeClient{}
	completer := &fakeCompleter{reply: "ok"}
	r, _ := newTestResponder(client, completer)
	cfg := r.Config()
	cfg.ContextWindow = 10
	r.SetConfig(cfg)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		r.ring.Append(testChat, history.Entry{
			Role: history.RoleUser, Text: fmt.Sprintf("m%d", i), Timestamp: time.Now(),
		})
	}
	r.HandleMessage(ctx, inbound("latest"))

	turns := completer.calls[0].turns
	if len(turns) != 10 {
		t.Fatalf("turns = %d, want clamped window 10", len(turns))
	}
	if turns[len(turns)-1].Content != "latest" {
		t.Fatalf("final turn = %q, want the inbound message", turns[len(turns)-1].Content)
	}
}
