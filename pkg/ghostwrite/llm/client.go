// Package llm implements the chat completion client used to draft
// replies. It speaks the OpenAI-compatible API format, which works with
// OpenAI, Groq, OpenRouter, Ollama and any other compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation sent to the model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds the completion endpoint settings.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default completion settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Temperature: 0.8,
		MaxTokens:   1024,
		Timeout:     60 * time.Second,
	}
}

const (
	// maxRetries bounds additional attempts after the first call.
	maxRetries = 2

	// retryBaseDelay doubles per attempt: 2s then 4s.
	retryBaseDelay = 2 * time.Second
)

// Client sends chat completion requests.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// retryDelay is the base backoff, overridable in tests.
	retryDelay time.Duration
}

// NewClient creates a completion client from config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:     logger.With("component", "llm"),
		retryDelay: retryBaseDelay,
	}
}

// resolveAPIKey prefers the configured key, then provider env vars.
func (c *Client) resolveAPIKey() string {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
}

// Complete sends the system prompt plus conversation turns and returns the
// model's reply text. Overload-class failures are retried up to twice with
// backoff; a per-call timeout yields an empty reply rather than an error;
// everything else fails fast. An empty reply is not an error.
func (c *Client) Complete(ctx context.Context, system string, turns []Turn) (string, error) {
	messages := make([]Turn, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, Turn{Role: RoleSystem, Content: system})
	}
	messages = append(messages, turns...)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay << (attempt - 1)
			c.logger.Warn("retrying completion", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.completeOnce(ctx, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Kind().IsRetryable() {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-call clock ran out. The model simply has nothing for
			// us in time; callers treat an empty reply as no reply.
			c.logger.Warn("completion timed out", "timeout", c.cfg.Timeout)
			return "", nil
		}
		return "", err
	}
	return "", lastErr
}

// ---------- Wire types ----------

type chatRequest struct {
	Model       string   `json:"model"`
	Messages    []Turn   `json:"messages"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) completeOnce(ctx context.Context, messages []Turn) (string, error) {
	reqBody := chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		reqBody.Temperature = &t
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("completion timed out after %s: %w", c.cfg.Timeout, context.DeadlineExceeded)
		}
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"model", c.cfg.Model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return "", &apiError{statusCode: resp.StatusCode, body: bodyStr}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing response: %w (body: %s)", err, truncate(bodyStr, 200))
	}
	if parsed.Error != nil {
		return "", &apiError{statusCode: resp.StatusCode, body: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	c.logger.Debug("completion done",
		"model", c.cfg.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"reply_len", len(text),
	)
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
