package calllog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/exchange"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestFileRewrittenOnEveryEntry(t *testing.T) {
	dir := t.TempDir()
	l := New("call-1", dir, WithClock(func() time.Time { return time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC) }))
	path := filepath.Join(dir, FileName)

	got := readFile(t, path)
	require.Equal(t, "call-1", got["call_id"])
	require.EqualValues(t, 0, got["turn_count"])
	require.Empty(t, got["turns"])

	l.Agent("Hello! Welcome to our clinic.", nil)
	got = readFile(t, path)
	require.EqualValues(t, 1, got["turn_count"])

	l.Record(Turn{
		ID:        1,
		UserText:  "my id is 1234",
		AgentText: "Welcome back, Ravi.",
		Tools: []exchange.ToolInvocation{{
			Function:  "identify_user",
			Arguments: map[string]any{"user_id": "1234"},
			Result:    map[string]any{"status": "found"},
		}},
	})
	l.System("inactivity_timeout", map[string]any{"seconds": 45})
	l.Finalize("all done")

	got = readFile(t, path)
	require.EqualValues(t, 5, got["turn_count"])
	turns := got["turns"].([]any)
	require.Equal(t, "user", turns[1].(map[string]any)["role"])
	agent := turns[2].(map[string]any)
	require.Equal(t, "agent", agent["role"])
	require.Len(t, agent["tool_calls"], 1)
	last := turns[4].(map[string]any)
	require.Equal(t, "conversation_ended", last["event"])
	require.Equal(t, "all done", last["summary"])

	require.Equal(t, 1, l.TurnCount())
	require.Len(t, l.Entries(), 5)
}

func TestTranscript(t *testing.T) {
	l := New("call-2", "")
	l.Agent("Hello!", nil)
	l.Record(Turn{
		ID:        1,
		UserText:  "book tomorrow",
		AgentText: "I have 10 AM open.",
		Tools: []exchange.ToolInvocation{{
			Function:  "fetch_slots",
			Arguments: map[string]any{"date": "2026-02-13"},
			Result:    map[string]any{"status": "ok"},
		}},
	})
	l.System("goodbye", nil)

	require.Equal(t, "Agent: Hello!\n"+
		"Caller: book tomorrow\n"+
		"Agent: I have 10 AM open.\n"+
		`  [Tool: fetch_slots({"date":"2026-02-13"}) -> {"status":"ok"}]`,
		l.Transcript())
	require.Empty(t, l.Path())
}
