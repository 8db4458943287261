package exchange

import (
	"strings"
	"sync"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the exchange history in generator-neutral form.
type Message struct {
	Role    Role
	Content string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolRequest
	// ToolCallID links a tool message to the request it answers.
	ToolCallID string
}

// History is the conversation-wide message log handed to the generator. It
// only grows for the life of the call.
type History struct {
	mu   sync.Mutex
	msgs []Message
}

// NewHistory seeds the log with a system prompt. An empty prompt is skipped.
func NewHistory(systemPrompt string) *History {
	h := &History{}
	if systemPrompt != "" {
		h.msgs = append(h.msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return h
}

func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the log.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Transcript renders caller and agent lines, skipping system and tool traffic.
func (h *History) Transcript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b strings.Builder
	for _, m := range h.msgs {
		switch {
		case m.Role == RoleUser:
			b.WriteString("Caller: " + m.Content + "\n")
		case m.Role == RoleAssistant && m.Content != "":
			b.WriteString("Agent: " + m.Content + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
