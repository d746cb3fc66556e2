package llm

import "strings"

// Role represents the role of a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies a ContentBlock variant.
type BlockType string

const (
	BlockTextPrompt BlockType = "text_prompt"
	BlockTextResult BlockType = "text_result"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one payload inside a Turn. The set of implementations is
// closed: TextPrompt, TextResult, ToolCall, ToolResult and ImageBlock.
type ContentBlock interface {
	Type() BlockType
	contentBlock()
}

// TextPrompt is user-authored text.
type TextPrompt struct {
	Text string
}

// TextResult is model-authored text.
type TextResult struct {
	Text string
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult answers a ToolCall. Output holds plain text; Parts, when set,
// holds a multi-modal result and takes precedence over Output.
type ToolResult struct {
	CallID  string
	Name    string
	Output  string
	Parts   []ContentPart
	IsError bool
}

// ImageBlock is an inline base64 image.
type ImageBlock struct {
	MediaType string
	Data      string
}

func (TextPrompt) Type() BlockType { return BlockTextPrompt }
func (TextResult) Type() BlockType { return BlockTextResult }
func (ToolCall) Type() BlockType   { return BlockToolCall }
func (ToolResult) Type() BlockType { return BlockToolResult }
func (ImageBlock) Type() BlockType { return BlockImage }

func (TextPrompt) contentBlock() {}
func (TextResult) contentBlock() {}
func (ToolCall) contentBlock()   {}
func (ToolResult) contentBlock() {}
func (ImageBlock) contentBlock() {}

// PartType identifies a ContentPart kind.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of a multi-modal tool result.
type ContentPart struct {
	Type      PartType
	Text      string
	MediaType string
	Data      string
}

// TextPart builds a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image ContentPart from base64 data.
func ImagePart(mediaType, data string) ContentPart {
	return ContentPart{Type: PartImage, MediaType: mediaType, Data: data}
}

// Text returns the plain-text view of a tool result.
func (r ToolResult) Text() string {
	if len(r.Parts) == 0 {
		return r.Output
	}
	var texts []string
	for _, p := range r.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Turn is one role-tagged group of content blocks.
type Turn struct {
	Role   Role
	Blocks []ContentBlock
}

// UserTurn builds a user turn.
func UserTurn(blocks ...ContentBlock) Turn {
	return Turn{Role: RoleUser, Blocks: blocks}
}

// AssistantTurn builds an assistant turn.
func AssistantTurn(blocks ...ContentBlock) Turn {
	return Turn{Role: RoleAssistant, Blocks: blocks}
}

// Text joins the text of every prompt and result block with newlines.
func (t Turn) Text() string {
	return JoinText(t.Blocks)
}

// ToolCalls returns the tool calls carried by the turn.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range t.Blocks {
		if c, ok := b.(ToolCall); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by the turn.
func (t Turn) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range t.Blocks {
		if r, ok := b.(ToolResult); ok {
			results = append(results, r)
		}
	}
	return results
}

// HasToolCall reports whether the turn requests a tool.
func (t Turn) HasToolCall() bool {
	return hasType(t.Blocks, BlockToolCall)
}

// HasToolResult reports whether the turn answers a tool call.
func (t Turn) HasToolResult() bool {
	return hasType(t.Blocks, BlockToolResult)
}

// HasPrompt reports whether the turn carries user-authored text.
func (t Turn) HasPrompt() bool {
	return hasType(t.Blocks, BlockTextPrompt)
}

// Clone returns a copy of the turn whose block slice can be modified freely.
func (t Turn) Clone() Turn {
	blocks := make([]ContentBlock, len(t.Blocks))
	copy(blocks, t.Blocks)
	return Turn{Role: t.Role, Blocks: blocks}
}

// CloneTurns copies a turn sequence.
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// JoinText concatenates TextPrompt and TextResult blocks with newlines.
func JoinText(blocks []ContentBlock) string {
	var texts []string
	for _, b := range blocks {
		switch v := b.(type) {
		case TextPrompt:
			texts = append(texts, v.Text)
		case TextResult:
			texts = append(texts, v.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func hasType(blocks []ContentBlock, bt BlockType) bool {
	for _, b := range blocks {
		if b.Type() == bt {
			return true
		}
	}
	return false
}
