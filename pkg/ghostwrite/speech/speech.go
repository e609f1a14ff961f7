// Package speech provides audio transcription and synthesis for voice
// notes. Both directions speak the OpenAI audio API format: Whisper for
// transcription and the TTS endpoint for synthesis, which gives Opus
// output suitable for WhatsApp voice notes.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Config holds the audio endpoint settings. BaseURL and APIKey may point
// at a different provider than the chat endpoint.
type Config struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	TranscriptionModel string `yaml:"transcription_model"`
	SynthesisModel     string `yaml:"synthesis_model"`
	Voice              string `yaml:"voice"`
	Language           string `yaml:"language"`
}

// DefaultConfig returns the default audio settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.openai.com/v1",
		TranscriptionModel: "whisper-1",
		SynthesisModel:     "tts-1",
		Voice:              "nova",
	}
}

// Client calls the audio endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a speech client from config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.SynthesisModel == "" {
		cfg.SynthesisModel = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "nova"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "speech"),
	}
}

// Transcribe sends audio to the Whisper endpoint and returns the
// transcript. Audio with no recognizable speech yields an empty string,
// not an error.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("speech: empty audio")
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", c.cfg.TranscriptionModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if c.cfg.Language != "" {
		_ = w.WriteField("language", c.cfg.Language)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("transcription API error",
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(bodyStr, 200))
	}

	// Response is either plain text or JSON with a "text" field.
	text := bodyStr
	if strings.HasPrefix(strings.TrimSpace(bodyStr), "{") {
		var j struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(respBody, &j); err == nil {
			text = j.Text
		}
	}

	text = strings.TrimSpace(text)
	c.logger.Debug("transcription done",
		"duration_ms", time.Since(start).Milliseconds(),
		"transcript_len", len(text),
	)
	return text, nil
}

// Synthesize converts text to a voice note. Returns Opus audio and its
// MIME type.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", fmt.Errorf("speech: empty text")
	}
	// TTS endpoint rejects input over 4096 chars.
	if len(text) > 4096 {
		text = text[:4093] + "..."
	}

	payload := map[string]any{
		"model":           c.cfg.SynthesisModel,
		"input":           text,
		"voice":           c.cfg.Voice,
		"response_format": "opus",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("synthesis API returned %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("synthesis returned empty audio")
	}
	return audio, "audio/ogg; codecs=opus", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
