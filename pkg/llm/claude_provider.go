package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agent_runtime/pkg/logging"
)

const (
	claudeAPIPath            = "/v1/messages"
	defaultClaudeMaxAttempts = 5
	defaultClaudeBackoffSec  = 2
	defaultClaudeMaxTokens   = 4096
)

// ClaudeProvider implements ModelClient for the Claude Messages API.
type ClaudeProvider struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
	Backoff     func(int) time.Duration
	Sleep       func(time.Duration)
}

// NewClaudeProvider creates a new Claude API provider.
func NewClaudeProvider(cfg ProviderConfig) *ClaudeProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultClaudeMaxAttempts
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}
	return &ClaudeProvider{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
	}
}

// Name returns the provider name.
func (p *ClaudeProvider) Name() string {
	return "claude"
}

type claudeRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	System      string           `json:"system,omitempty"`
	Messages    []claudeMessage  `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    Role          `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type      string             `json:"type"`
	Text      string             `json:"text,omitempty"`
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Input     json.RawMessage    `json:"input,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   any                `json:"content,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`
	Source    *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       Role          `json:"role"`
	Content    []claudeBlock `json:"content"`
	Model      string        `json:"model"`
	StopReason StopReason    `json:"stop_reason"`
	Usage      Usage         `json:"usage"`
}

// Generate sends the conversation to the Claude API, retrying transient failures.
func (p *ClaudeProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	log := logging.FromContext(ctx).With("provider", p.Name())

	switch {
	case strings.TrimSpace(p.BaseURL) == "":
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: errors.New("Claude API base URL is empty")}
	case strings.TrimSpace(p.APIKey) == "":
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: errors.New("Claude API key is empty")}
	case strings.TrimSpace(p.Model) == "":
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: errors.New("Claude API model is empty")}
	}

	body := claudeRequest{
		Model:       p.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    toClaudeMessages(req.Turns),
		Tools:       req.Tools,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = p.MaxTokens
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultClaudeMaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: fmt.Errorf("marshal request: %w", err)}
	}
	log.Debug("calling API",
		"model", body.Model,
		"max_tokens", body.MaxTokens,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"payload_bytes", len(payload),
	)

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultClaudeMaxAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = defaultBackoff(defaultClaudeBackoffSec)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr *ProviderError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		respBody, status, err := p.doRequest(ctx, client, payload)
		log.Debug("API response", "attempt", attempt, "status", status, "body_bytes", len(respBody), "error", err)

		if err == nil && status < 400 {
			resp, parseErr := parseClaudeResponse(respBody)
			if parseErr == nil {
				return resp, nil
			}
			// A 2xx with an unparseable body is usually a truncated proxy response.
			lastErr = &ProviderError{Provider: p.Name(), Kind: ErrorInvalidResponse, Status: status, Err: parseErr}
			log.Warn("failed to parse response", "attempt", attempt, "error", parseErr)
		} else {
			lastErr = newProviderError(p.Name(), status, wrapClaudeAPIError(respBody, status, err))
			log.Warn("attempt failed", "attempt", attempt, "error", lastErr)
			if !shouldRetryClaude(status, err) {
				return GenerateResponse{}, lastErr
			}
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		wait := backoff(attempt)
		log.Info("retrying", "in", wait.String())
		sleep(wait)
	}
	log.Error("giving up", "attempts", maxAttempts, "error", lastErr)
	return GenerateResponse{}, lastErr
}

func (p *ClaudeProvider) doRequest(ctx context.Context, client *http.Client, payload []byte) ([]byte, int, error) {
	endpoint, err := buildClaudeEndpoint(p.BaseURL)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func buildClaudeEndpoint(baseURL string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/")
	if !strings.HasSuffix(base.Path, claudeAPIPath) {
		base.Path += claudeAPIPath
	}
	return base.String(), nil
}

func toClaudeMessages(turns []Turn) []claudeMessage {
	msgs := make([]claudeMessage, 0, len(turns))
	for _, turn := range turns {
		msg := claudeMessage{Role: turn.Role}
		for _, block := range turn.Blocks {
			msg.Content = append(msg.Content, toClaudeBlock(block))
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func toClaudeBlock(block ContentBlock) claudeBlock {
	switch b := block.(type) {
	case TextPrompt:
		return claudeBlock{Type: "text", Text: b.Text}
	case TextResult:
		return claudeBlock{Type: "text", Text: b.Text}
	case ToolCall:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		raw, _ := json.Marshal(input)
		return claudeBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: raw}
	case ToolResult:
		out := claudeBlock{Type: "tool_result", ToolUseID: b.CallID, IsError: b.IsError}
		if len(b.Parts) == 0 {
			out.Content = b.Output
			return out
		}
		parts := make([]claudeBlock, 0, len(b.Parts))
		for _, part := range b.Parts {
			if part.Type == PartImage {
				parts = append(parts, claudeBlock{Type: "image", Source: &claudeImageSource{Type: "base64", MediaType: part.MediaType, Data: part.Data}})
				continue
			}
			parts = append(parts, claudeBlock{Type: "text", Text: part.Text})
		}
		out.Content = parts
		return out
	case ImageBlock:
		return claudeBlock{Type: "image", Source: &claudeImageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data}}
	default:
		return claudeBlock{Type: "text"}
	}
}

func parseClaudeResponse(body []byte) (GenerateResponse, error) {
	if len(body) == 0 {
		return GenerateResponse{}, errors.New("API returned empty response body")
	}
	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GenerateResponse{}, fmt.Errorf("parse response: %w (body: %s)", err, truncateForLog(string(body), 500))
	}
	out := GenerateResponse{StopReason: resp.StopReason, Usage: resp.Usage}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Blocks = append(out.Blocks, TextResult{Text: block.Text})
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return GenerateResponse{}, fmt.Errorf("parse tool input for %s: %w", block.Name, err)
				}
			}
			out.Blocks = append(out.Blocks, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	return out, nil
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func wrapClaudeAPIError(body []byte, status int, err error) error {
	if err != nil {
		return err
	}
	if status == 0 {
		return errors.New("Claude API request failed")
	}
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return fmt.Errorf("Claude API error %d: %s - %s", status, errResp.Error.Type, errResp.Error.Message)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("Claude API error: %d %s", status, msg)
}

func shouldRetryClaude(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return true
	}
	// overloaded
	if status == 529 {
		return true
	}
	return status >= 500
}

func defaultBackoff(baseSec int) func(int) time.Duration {
	return func(attempt int) time.Duration {
		base := float64(baseSec) * float64(time.Second)
		factor := math.Pow(2, float64(attempt-1))
		jitter := 0.5 + rand.Float64()
		return time.Duration(base * factor * jitter)
	}
}
