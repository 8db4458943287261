// Package calllog records a call as it happens: a JSON transcript file that is
// rewritten after every entry, plus the per-turn records the summary is built
// from.
package calllog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/exchange"
)

const FileName = "full_conversation.json"

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Entry is one line of the transcript file.
type Entry struct {
	Role      Role                      `json:"role"`
	Text      string                    `json:"text,omitempty"`
	Event     string                    `json:"event,omitempty"`
	ToolCalls []exchange.ToolInvocation `json:"tool_calls,omitempty"`
	Details   map[string]any            `json:"details,omitempty"`
	Summary   string                    `json:"summary,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Turn pairs one caller utterance with the agent's answer.
type Turn struct {
	ID        int                       `json:"id"`
	UserText  string                    `json:"user_text"`
	AgentText string                    `json:"agent_text"`
	Tools     []exchange.ToolInvocation `json:"tools,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
}

type file struct {
	CallID    string    `json:"call_id"`
	StartTime time.Time `json:"start_time"`
	TurnCount int       `json:"turn_count"`
	Turns     []Entry   `json:"turns"`
}

type Log struct {
	mu      sync.Mutex
	callID  string
	path    string
	start   time.Time
	now     func() time.Time
	entries []Entry
	turns   []Turn
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New starts the log for callID and writes the empty file into dir. An empty
// dir keeps the log in memory only.
func New(callID, dir string, opts ...Option) *Log {
	l := &Log{callID: callID, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.now()
	if dir != "" {
		l.path = filepath.Join(dir, FileName)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("cannot create log dir, keeping log in memory", "dir", dir, "error", err)
			l.path = ""
		}
	}
	l.mu.Lock()
	l.flushLocked()
	l.mu.Unlock()
	return l
}

func (l *Log) CallID() string { return l.callID }

func (l *Log) Path() string { return l.path }

func (l *Log) User(text string) {
	l.append(Entry{Role: RoleUser, Text: text})
	logger.Info("user", "call_id", l.callID, "text", text)
}

func (l *Log) Agent(text string, tools []exchange.ToolInvocation) {
	l.append(Entry{Role: RoleAgent, Text: text, ToolCalls: tools})
	logger.Info("agent", "call_id", l.callID, "text", text, "tools", len(tools))
}

func (l *Log) System(event string, details map[string]any) {
	l.append(Entry{Role: RoleSystem, Event: event, Details: details})
}

// Record stores a completed turn and logs both sides of it.
func (l *Log) Record(t Turn) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now()
	}
	l.mu.Lock()
	l.turns = append(l.turns, t)
	l.mu.Unlock()
	l.User(t.UserText)
	l.Agent(t.AgentText, t.Tools)
}

// Finalize appends the closing entry with the call summary.
func (l *Log) Finalize(summary string) {
	l.append(Entry{Role: RoleSystem, Event: "conversation_ended", Summary: summary})
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	logger.Info("conversation finalized", "call_id", l.callID, "entries", n)
}

func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *Log) TurnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Transcript renders caller and agent entries with their tool calls, the
// form the summarizer reads.
func (l *Log) Transcript() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var lines []string
	for _, e := range l.entries {
		switch e.Role {
		case RoleUser:
			lines = append(lines, "Caller: "+e.Text)
		case RoleAgent:
			lines = append(lines, "Agent: "+e.Text)
			for _, tc := range e.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				result, _ := json.Marshal(tc.Result)
				lines = append(lines, fmt.Sprintf("  [Tool: %s(%s) -> %s]", tc.Function, args, result))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (l *Log) append(e Entry) {
	e.Timestamp = l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.flushLocked()
}

func (l *Log) flushLocked() {
	if l.path == "" {
		return
	}
	entries := l.entries
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.MarshalIndent(file{
		CallID:    l.callID,
		StartTime: l.start,
		TurnCount: len(entries),
		Turns:     entries,
	}, "", "  ")
	if err == nil {
		err = os.WriteFile(l.path, raw, 0o644)
	}
	if err != nil {
		logger.Error("failed to write conversation log", "path", l.path, "error", err)
	}
}
