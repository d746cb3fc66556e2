package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agent_runtime/pkg/logging"
)

const (
	openaiAPIPath            = "/v1/chat/completions"
	defaultOpenAIMaxAttempts = 5
	defaultOpenAIBackoffSec  = 2
	defaultOpenAIMaxTokens   = 4096
)

// OpenAIProvider implements ModelClient for OpenAI-compatible APIs.
// This supports OpenAI, OpenRouter, DeepSeek, and other compatible endpoints.
type OpenAIProvider struct {
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

// NewOpenAIProvider creates a new OpenAI-compatible API provider.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultOpenAIMaxAttempts
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	return &OpenAIProvider{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate converts the conversation to chat-completions format and calls the API.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	log := logging.FromContext(ctx).With("provider", p.Name())

	switch {
	case strings.TrimSpace(p.BaseURL) == "":
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: errors.New("OpenAI API base URL is empty")}
	case strings.TrimSpace(p.APIKey) == "":
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: errors.New("OpenAI API key is empty")}
	case strings.TrimSpace(p.Model) == "":
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: errors.New("OpenAI API model is empty")}
	}

	openaiReq := p.convertRequest(req)
	payload, err := json.Marshal(openaiReq)
	if err != nil {
		return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorConfig, Err: fmt.Errorf("marshal request: %w", err)}
	}
	log.Debug("calling API",
		"model", openaiReq.Model,
		"max_tokens", openaiReq.MaxTokens,
		"messages", len(openaiReq.Messages),
		"tools", len(openaiReq.Tools),
		"payload_bytes", len(payload),
	)

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultOpenAIMaxAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = defaultBackoff(defaultOpenAIBackoffSec)
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
			resp, parseErr := parseOpenAIResponse(respBody)
			if parseErr != nil {
				return GenerateResponse{}, &ProviderError{Provider: p.Name(), Kind: ErrorInvalidResponse, Status: status, Err: parseErr}
			}
			return resp, nil
		}
		lastErr = newProviderError(p.Name(), status, wrapOpenAIAPIError(respBody, status, err))
		log.Warn("attempt failed", "attempt", attempt, "error", lastErr)
		if attempt == maxAttempts || !shouldRetryOpenAI(status, err) || ctx.Err() != nil {
			return GenerateResponse{}, lastErr
		}
		wait := backoff(attempt)
		log.Info("retrying", "in", wait.String())
		sleep(wait)
	}
	return GenerateResponse{}, lastErr
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []openaiContentPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) convertRequest(req GenerateRequest) openaiRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.MaxTokens
	}

	messages := make([]openaiMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.Turns {
		messages = append(messages, convertTurn(turn)...)
	}

	var tools []openaiTool
	for _, t := range req.Tools {
		tools = append(tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	out := openaiRequest{
		Model:       p.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if len(tools) > 0 {
		out.Tools = tools
		out.ToolChoice = "auto"
	}
	return out
}

// convertTurn maps one turn onto chat messages. Tool results become
// separate "tool" role messages ahead of any user text in the same turn.
func convertTurn(turn Turn) []openaiMessage {
	var result []openaiMessage

	switch turn.Role {
	case RoleUser:
		var parts []openaiContentPart
		for _, block := range turn.Blocks {
			switch b := block.(type) {
			case ToolResult:
				result = append(result, openaiMessage{Role: "tool", Content: b.Text(), ToolCallID: b.CallID})
			case TextPrompt:
				parts = append(parts, openaiContentPart{Type: "text", Text: b.Text})
			case TextResult:
				parts = append(parts, openaiContentPart{Type: "text", Text: b.Text})
			case ImageBlock:
				parts = append(parts, openaiContentPart{
					Type:     "image_url",
					ImageURL: &openaiImageURL{URL: "data:" + b.MediaType + ";base64," + b.Data},
				})
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			result = append(result, openaiMessage{Role: "user", Content: parts[0].Text})
		} else if len(parts) > 0 {
			result = append(result, openaiMessage{Role: "user", Content: parts})
		}

	case RoleAssistant:
		var toolCalls []openaiToolCall
		var texts []string
		for _, block := range turn.Blocks {
			switch b := block.(type) {
			case TextResult:
				texts = append(texts, b.Text)
			case ToolCall:
				argsJSON, _ := json.Marshal(b.Input)
				toolCalls = append(toolCalls, openaiToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: openaiFunctionCall{Name: b.Name, Arguments: string(argsJSON)},
				})
			}
		}
		msg := openaiMessage{Role: "assistant", Content: strings.Join(texts, "\n")}
		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
		}
		result = append(result, msg)
	}
	return result
}

func parseOpenAIResponse(body []byte) (GenerateResponse, error) {
	if len(body) == 0 {
		return GenerateResponse{}, errors.New("API returned empty response body")
	}
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GenerateResponse{}, fmt.Errorf("parse response: %w (body: %s)", err, truncateForLog(string(body), 500))
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, errors.New("OpenAI response has no choices")
	}

	choice := resp.Choices[0]
	out := GenerateResponse{
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if text, ok := choice.Message.Content.(string); ok && text != "" {
		out.Blocks = append(out.Blocks, TextResult{Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return GenerateResponse{}, fmt.Errorf("parse arguments for %s: %w", tc.Function.Name, err)
			}
		}
		out.Blocks = append(out.Blocks, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}

	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = StopReasonToolUse
	case "length":
		out.StopReason = StopReasonMaxTokens
	default:
		out.StopReason = StopReasonEndTurn
	}
	return out, nil
}

func (p *OpenAIProvider) doRequest(ctx context.Context, client *http.Client, payload []byte) ([]byte, int, error) {
	endpoint := strings.TrimRight(p.BaseURL, "/")
	if !strings.HasSuffix(endpoint, openaiAPIPath) {
		endpoint += openaiAPIPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func wrapOpenAIAPIError(body []byte, status int, err error) error {
	if err != nil {
		return err
	}
	if status == 0 {
		return errors.New("OpenAI API request failed")
	}
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return fmt.Errorf("OpenAI API error %d: %s - %s", status, errResp.Error.Type, errResp.Error.Message)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("OpenAI API error: %d %s", status, msg)
}

func shouldRetryOpenAI(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return true
	}
	return status >= 500
}
