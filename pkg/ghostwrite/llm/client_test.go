package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string) *Client {
	c := NewClient(Config{
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, nil)
	c.retryDelay = time.Millisecond
	return c
}

func completionJSON(text string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": text}, "finish_reason": "stop"},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("returns reply text", func(t *testing.T) {
		var gotReq chatRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotReq)
			w.Write([]byte(completionJSON("hey, all good!")))
		}))
		defer srv.Close()

		c := testClient(srv.URL)
		got, err := c.Complete(ctx, "act natural", []Turn{{Role: RoleUser, Content: "you there?"}})
		if err != nil {
			t.Fatalf("Complete() error: %v", err)
		}
		if got != "hey, all good!" {
			t.Fatalf("Complete() = %q", got)
		}
		if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != RoleSystem {
			t.Fatalf("request messages = %+v, want system prompt first", gotReq.Messages)
		}
	})

	t.Run("empty choices is not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		got, err := testClient(srv.URL).Complete(ctx, "", []Turn{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("Complete() error: %v", err)
		}
		if got != "" {
			t.Fatalf("Complete() = %q, want empty", got)
		}
	})

	t.Run("retries overloaded then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(529)
				w.Write([]byte(`{"error":{"message":"overloaded"}}`))
				return
			}
			w.Write([]byte(completionJSON("second try")))
		}))
		defer srv.Close()

		got, err := testClient(srv.URL).Complete(ctx, "", []Turn{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("Complete() error: %v", err)
		}
		if got != "second try" {
			t.Fatalf("Complete() = %q", got)
		}
		if calls.Load() != 2 {
			t.Fatalf("server calls = %d, want 2", calls.Load())
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit"}}`))
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).Complete(ctx, "", []Turn{{Role: RoleUser, Content: "hi"}})
		if err == nil {
			t.Fatal("Complete() succeeded, want error")
		}
		if calls.Load() != int32(maxRetries)+1 {
			t.Fatalf("server calls = %d, want %d", calls.Load(), maxRetries+1)
		}
	})

	t.Run("per-call timeout is no reply, not an error", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c := testClient(srv.URL)
		c.cfg.Timeout = 50 * time.Millisecond
		got, err := c.Complete(ctx, "", []Turn{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("Complete() error: %v, want nil on timeout", err)
		}
		if got != "" {
			t.Fatalf("Complete() = %q, want empty", got)
		}
		if calls.Load() != 1 {
			t.Fatalf("server calls = %d, want 1 (timeouts are not retried)", calls.Load())
		}
	})

	t.Run("does not retry auth errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).Complete(ctx, "", []Turn{{Role: RoleUser, Content: "hi"}})
		if err == nil {
			t.Fatal("Complete() succeeded, want error")
		}
		if calls.Load() != 1 {
			t.Fatalf("server calls = %d, want 1 (no retries)", calls.Load())
		}
	})
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"rate limit by status", 429, "slow down", ErrorRateLimit},
		{"rate limit by body", 500, "rate_limit_exceeded", ErrorRateLimit},
		{"overloaded by status", 529, "", ErrorOverloaded},
		{"overloaded by body", 503, "model overloaded", ErrorOverloaded},
		{"transient 5xx", 502, "bad gateway", ErrorRetryable},
		{"auth", 401, "invalid key", ErrorAuth},
		{"bad request", 400, "malformed", ErrorBadRequest},
		{"fatal", 404, "not found", ErrorFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &apiError{statusCode: tc.status, body: tc.body}
			if got := e.Kind(); got != tc.want {
				t.Errorf("Kind() = %v, want %v", got, tc.want)
			}
		})
	}
}
