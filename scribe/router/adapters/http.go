package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

const anthropicVersion = "2023-06-01"

// AnthropicHTTP calls the Anthropic messages API directly with an API
// key. Used for api_key profiles.
type AnthropicHTTP struct {
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

var _ ports.Backend = (*AnthropicHTTP)(nil)

// NewAnthropicHTTP builds the direct Anthropic client. A nil client
// gets a default with the given timeout.
func NewAnthropicHTTP(timeout time.Duration, logger zerolog.Logger, client *http.Client) *AnthropicHTTP {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &AnthropicHTTP{
		client:  client,
		baseURL: "https://api.anthropic.com",
		logger:  logger.With().Str("component", "router").Str("bridge", "anthropic_http").Logger(),
	}
}

func (a *AnthropicHTTP) Send(ctx context.Context, req ports.Request, profile ports.Profile) (ports.Response, error) {
	if profile.APIKey == "" {
		return ports.Response{}, fmt.Errorf("profile %s has no api key", profile.ID)
	}

	baseURL := a.baseURL
	if profile.BaseURL != "" {
		baseURL = profile.BaseURL
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokensOrDefault(req.Options.MaxTokens),
		"messages":   chatMessages(req.Messages),
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Options.Temperature > 0 {
		body["temperature"] = req.Options.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ports.Response{}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return ports.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", profile.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ports.Response{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.Response{}, fmt.Errorf("read anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ports.Response{}, fmt.Errorf("anthropic returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ports.Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return ports.Response{}, fmt.Errorf("anthropic returned no text content")
	}

	a.logger.Debug().Str("model", req.Model).Dur("latency", time.Since(start)).Msg("anthropic turn completed")

	return ports.Response{
		Content:   text.String(),
		Artifacts: []any{},
		Meta: map[string]any{
			"bridge":      "anthropic_http",
			"stop_reason": parsed.StopReason,
			"latency_ms":  time.Since(start).Milliseconds(),
		},
	}, nil
}

// OpenAICompatible calls a chat-completions endpoint at a configurable
// base URL. Covers both hosted OpenAI-style APIs and local servers
// (Ollama, vLLM, llama.cpp).
type OpenAICompatible struct {
	client *http.Client
	logger zerolog.Logger
}

var _ ports.Backend = (*OpenAICompatible)(nil)

// NewOpenAICompatible builds the OpenAI-compatible client. A nil
// client gets a default with the given timeout.
func NewOpenAICompatible(timeout time.Duration, logger zerolog.Logger, client *http.Client) *OpenAICompatible {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAICompatible{
		client: client,
		logger: logger.With().Str("component", "router").Str("bridge", "openai_compatible").Logger(),
	}
}

func (o *OpenAICompatible) Send(ctx context.Context, req ports.Request, profile ports.Profile) (ports.Response, error) {
	if profile.BaseURL == "" {
		return ports.Response{}, fmt.Errorf("profile %s has no base url", profile.ID)
	}

	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range chatMessages(req.Messages) {
		messages = append(messages, m)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Options.Temperature > 0 {
		body["temperature"] = req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		body["max_tokens"] = req.Options.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ports.Response{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(profile.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return ports.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if profile.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+profile.APIKey)
	}
	if profile.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", profile.Organization)
	}

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return ports.Response{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.Response{}, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ports.Response{}, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ports.Response{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return ports.Response{}, fmt.Errorf("endpoint returned no choices")
	}

	o.logger.Debug().Str("model", req.Model).Dur("latency", time.Since(start)).Msg("chat turn completed")

	return ports.Response{
		Content:   parsed.Choices[0].Message.Content,
		Artifacts: []any{},
		Meta: map[string]any{
			"bridge":      "openai_compatible",
			"stop_reason": parsed.Choices[0].FinishReason,
			"latency_ms":  time.Since(start).Milliseconds(),
		},
	}, nil
}

func chatMessages(msgs []ports.Message) []map[string]string {
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		out = append(out, map[string]string{"role": role, "content": m.Content})
	}
	return out
}

func maxTokensOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return 1024
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
