package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("parses json transcript", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("bad multipart form: %v", err)
			}
			if got := r.FormValue("model"); got != "whisper-1" {
				t.Errorf("model = %q, want whisper-1", got)
			}
			w.Write([]byte(`{"text":"  oi, tudo bem?  "}`))
		}))
		defer srv.Close()

		c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
		got, err := c.Transcribe(ctx, []byte("fake-ogg"), "voice.ogg")
		if err != nil {
			t.Fatalf("Transcribe() error: %v", err)
		}
		if got != "oi, tudo bem?" {
			t.Fatalf("Transcribe() = %q", got)
		}
	})

	t.Run("no speech gives empty transcript", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"text":""}`))
		}))
		defer srv.Close()

		c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
		got, err := c.Transcribe(ctx, []byte("silence"), "")
		if err != nil {
			t.Fatalf("Transcribe() error: %v", err)
		}
		if got != "" {
			t.Fatalf("Transcribe() = %q, want empty", got)
		}
	})

	t.Run("empty audio is an error", func(t *testing.T) {
		c := NewClient(Config{BaseURL: "http://localhost:0"}, nil)
		if _, err := c.Transcribe(ctx, nil, ""); err == nil {
			t.Fatal("Transcribe() succeeded with empty audio")
		}
	})

	t.Run("api error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"unsupported format"}}`))
		}))
		defer srv.Close()

		c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
		if _, err := c.Transcribe(ctx, []byte("x"), ""); err == nil {
			t.Fatal("Transcribe() succeeded, want error")
		}
	})
}

func TestSynthesize(t *testing.T) {
	ctx := context.Background()

	t.Run("returns opus audio", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("opus-bytes"))
		}))
		defer srv.Close()

		c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
		audio, mime, err := c.Synthesize(ctx, "hello there")
		if err != nil {
			t.Fatalf("Synthesize() error: %v", err)
		}
		if string(audio) != "opus-bytes" {
			t.Fatalf("audio = %q", audio)
		}
		if mime != "audio/ogg; codecs=opus" {
			t.Fatalf("mime = %q", mime)
		}
	})

	t.Run("empty text is an error", func(t *testing.T) {
		c := NewClient(Config{BaseURL: "http://localhost:0"}, nil)
		if _, _, err := c.Synthesize(ctx, "   "); err == nil {
			t.Fatal("Synthesize() succeeded with empty text")
		}
	})
}
