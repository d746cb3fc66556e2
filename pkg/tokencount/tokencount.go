// Package tokencount estimates the token cost of conversation content.
//
// The estimate is provider-agnostic: one token per three bytes of text and a
// pixel-area cost for images. It is meant for budget decisions, not billing.
package tokencount

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"agent_runtime/pkg/llm"
)

const (
	bytesPerToken  = 3
	pixelsPerToken = 750

	// ImageFallbackTokens is charged for an image whose header cannot be decoded.
	ImageFallbackTokens = 1500
)

// UnsupportedContentError is returned for top-level values that have no
// sensible text form.
type UnsupportedContentError struct {
	Value any
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("unsupported content type %T", e.Value)
}

// Count estimates the tokens in content. Strings are counted directly, lists
// item by item; maps and structs inside a list are counted by type:
// {"type":"text","text":...} as its text, {"type":"image","source":{"data":...}}
// by pixel area, anything else as its compact JSON.
func Count(content any) (int, error) {
	switch v := content.(type) {
	case string:
		return Text(v), nil
	case []byte:
		return len(v) / bytesPerToken, nil
	case []any:
		total := 0
		for _, item := range v {
			total += countItem(item)
		}
		return total, nil
	case []map[string]any:
		total := 0
		for _, item := range v {
			total += countItem(item)
		}
		return total, nil
	case map[string]any:
		return countItem(v), nil
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 0, &UnsupportedContentError{Value: content}
	default:
		return countJSON(v), nil
	}
}

// Text estimates the tokens in a plain string.
func Text(s string) int {
	return len(s) / bytesPerToken
}

// Image estimates the tokens for a base64-encoded image.
func Image(data string) int {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ImageFallbackTokens
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return ImageFallbackTokens
	}
	return (cfg.Width * cfg.Height) / pixelsPerToken
}

func countItem(item any) int {
	switch v := item.(type) {
	case string:
		return Text(v)
	case map[string]any:
		switch v["type"] {
		case "text":
			if text, ok := v["text"].(string); ok {
				return Text(text)
			}
		case "image":
			source, _ := v["source"].(map[string]any)
			data, _ := source["data"].(string)
			return Image(data)
		}
		return countJSON(v)
	default:
		return countJSON(v)
	}
}

func countJSON(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return Text(fmt.Sprint(v))
	}
	return len(raw) / bytesPerToken
}

// Block estimates the tokens in one content block.
func Block(b llm.ContentBlock) int {
	switch v := b.(type) {
	case llm.TextPrompt:
		return Text(v.Text)
	case llm.TextResult:
		return Text(v.Text)
	case llm.ToolCall:
		return Text(v.Name) + countJSON(v.Input)
	case llm.ToolResult:
		if len(v.Parts) == 0 {
			return Text(v.Output)
		}
		total := 0
		for _, p := range v.Parts {
			if p.Type == llm.PartImage {
				total += Image(p.Data)
				continue
			}
			total += Text(p.Text)
		}
		return total
	case llm.ImageBlock:
		return Image(v.Data)
	default:
		return 0
	}
}

// Turn estimates the tokens in one turn.
func Turn(t llm.Turn) int {
	total := 0
	for _, b := range t.Blocks {
		total += Block(b)
	}
	return total
}

// Turns estimates the tokens in a conversation.
func Turns(turns []llm.Turn) int {
	total := 0
	for _, t := range turns {
		total += Turn(t)
	}
	return total
}
