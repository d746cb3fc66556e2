// Package history holds the role-alternating conversation of one session.
package history

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agent_runtime/pkg/llm"
)

// ErrNothingToTruncate is returned when no user request is left to remove.
var ErrNothingToTruncate = errors.New("history: no user turn to truncate")

// InvalidStateError reports an append that would break role alternation.
type InvalidStateError struct {
	Role   llm.Role
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("history: cannot append %s turn: %s", e.Role, e.Reason)
}

// MessageHistory is an ordered sequence of turns that strictly alternates
// between user and assistant, starting with user.
type MessageHistory struct {
	mu        sync.RWMutex
	turns     []llm.Turn
	attachDir string
}

// maxImageBytes is the largest attached image sent inline.
const maxImageBytes = 5 << 20

var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// New creates an empty history.
func New() *MessageHistory {
	return &MessageHistory{}
}

// SetAttachmentDir sets the directory relative attachment paths resolve
// against, normally the session workspace.
func (h *MessageHistory) SetAttachmentDir(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachDir = dir
}

// AddUserPrompt appends a user turn holding text and, when files are given,
// a second prompt block listing them. Attached images that can be read are
// added inline as image blocks.
func (h *MessageHistory) AddUserPrompt(text string, files []string) error {
	blocks := []llm.ContentBlock{llm.TextPrompt{Text: text}}
	if len(files) > 0 {
		var sb strings.Builder
		sb.WriteString("Attached files:")
		for _, f := range files {
			sb.WriteString("\n - ")
			sb.WriteString(f)
		}
		blocks = append(blocks, llm.TextPrompt{Text: sb.String()})
	}
	for _, f := range files {
		if img, ok := h.loadImage(f); ok {
			blocks = append(blocks, img)
		}
	}
	return h.AddUserTurn(blocks...)
}

func (h *MessageHistory) loadImage(file string) (llm.ImageBlock, bool) {
	mediaType, ok := imageMediaTypes[strings.ToLower(filepath.Ext(file))]
	if !ok {
		return llm.ImageBlock{}, false
	}
	path := file
	if !filepath.IsAbs(path) {
		h.mu.RLock()
		dir := h.attachDir
		h.mu.RUnlock()
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() > maxImageBytes {
		return llm.ImageBlock{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return llm.ImageBlock{}, false
	}
	return llm.ImageBlock{MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(data)}, true
}

// AddUserTurn appends a user turn.
func (h *MessageHistory) AddUserTurn(blocks ...llm.ContentBlock) error {
	return h.add(llm.RoleUser, blocks)
}

// AddAssistantTurn appends an assistant turn.
func (h *MessageHistory) AddAssistantTurn(blocks ...llm.ContentBlock) error {
	return h.add(llm.RoleAssistant, blocks)
}

func (h *MessageHistory) add(role llm.Role, blocks []llm.ContentBlock) error {
	if len(blocks) == 0 {
		return &InvalidStateError{Role: role, Reason: "turn has no blocks"}
	}
	for _, b := range blocks {
		if !allowed(role, b) {
			return &InvalidStateError{Role: role, Reason: fmt.Sprintf("%s block not allowed", b.Type())}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := checkNext(h.turns, role); err != nil {
		return err
	}
	cp := make([]llm.ContentBlock, len(blocks))
	copy(cp, blocks)
	h.turns = append(h.turns, llm.Turn{Role: role, Blocks: cp})
	return nil
}

func allowed(role llm.Role, b llm.ContentBlock) bool {
	switch b.(type) {
	case llm.TextPrompt, llm.ToolResult, llm.ImageBlock:
		return role == llm.RoleUser
	case llm.TextResult, llm.ToolCall:
		return role == llm.RoleAssistant
	}
	return false
}

func checkNext(turns []llm.Turn, role llm.Role) error {
	if len(turns) == 0 {
		if role != llm.RoleUser {
			return &InvalidStateError{Role: role, Reason: "first turn must be user"}
		}
		return nil
	}
	if turns[len(turns)-1].Role == role {
		return &InvalidStateError{Role: role, Reason: "previous turn has the same role"}
	}
	return nil
}

// Validate checks that turns alternate roles starting with user.
func Validate(turns []llm.Turn) error {
	for i := range turns {
		if err := checkNext(turns[:i], turns[i].Role); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
	}
	return nil
}

// Turns returns a copy of the conversation.
func (h *MessageHistory) Turns() []llm.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return llm.CloneTurns(h.turns)
}

// TurnsForModel returns the conversation in the shape model clients expect.
// Tool calls left without a result by an interruption get a placeholder
// result so providers that require pairing accept the request.
func (h *MessageHistory) TurnsForModel() []llm.Turn {
	turns := h.Turns()
	for i, t := range turns {
		if t.Role != llm.RoleAssistant || !t.HasToolCall() {
			continue
		}
		answered := map[string]bool{}
		if i+1 < len(turns) {
			for _, r := range turns[i+1].ToolResults() {
				answered[r.CallID] = true
			}
		}
		var missing []llm.ContentBlock
		for _, c := range t.ToolCalls() {
			if !answered[c.ID] {
				missing = append(missing, llm.ToolResult{CallID: c.ID, Name: c.Name, Output: "Tool call was not executed.", IsError: true})
			}
		}
		if len(missing) == 0 || i+1 >= len(turns) {
			continue
		}
		turns[i+1].Blocks = append(missing, turns[i+1].Blocks...)
	}
	return turns
}

// Len returns the number of turns.
func (h *MessageHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Last returns the most recent turn.
func (h *MessageHistory) Last() (llm.Turn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.turns) == 0 {
		return llm.Turn{}, false
	}
	return h.turns[len(h.turns)-1].Clone(), true
}

// SetTurns replaces the conversation, for example with a compacted one.
func (h *MessageHistory) SetTurns(turns []llm.Turn) error {
	if err := Validate(turns); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = llm.CloneTurns(turns)
	return nil
}

// TruncateToBeforeLastUserTurn removes the most recent user request and
// everything after it. A user request is a user turn carrying a prompt;
// turns that only return tool results are part of the request's exchange.
func (h *MessageHistory) TruncateToBeforeLastUserTurn() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.turns) - 1; i >= 0; i-- {
		t := h.turns[i]
		if t.Role == llm.RoleUser && t.HasPrompt() {
			h.turns = h.turns[:i]
			return nil
		}
	}
	return ErrNothingToTruncate
}

// Clear empties the conversation.
func (h *MessageHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}
