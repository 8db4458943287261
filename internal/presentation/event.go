// Package presentation broadcasts call events to browser pages over a
// WebSocket and lets a page start the conversation.
package presentation

import (
	"encoding/json"
	"maps"
)

const (
	TypeSpeakingStart       = "speaking_start"
	TypeAudioEnergy         = "audio_energy"
	TypeSpeakingEnd         = "speaking_end"
	TypeUserSpeaking        = "user_speaking"
	TypeListening           = "listening"
	TypeToolCall            = "tool_call"
	TypeSummary             = "summary"
	TypeConversationStarted = "conversation_started"
	TypeShutdown            = "shutdown"
)

// Event is one presentation message. It marshals flat: {"type": ..., fields...}.
type Event struct {
	Type   string
	Fields map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	maps.Copy(out, e.Fields)
	out["type"] = e.Type
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(raw []byte) error {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	e.Type, _ = m["type"].(string)
	delete(m, "type")
	e.Fields = nil
	if len(m) > 0 {
		e.Fields = m
	}
	return nil
}

func SpeakingStart(text string) Event {
	return Event{Type: TypeSpeakingStart, Fields: map[string]any{"text": text}}
}

func AudioEnergy(energy float64) Event {
	return Event{Type: TypeAudioEnergy, Fields: map[string]any{"energy": energy}}
}

func SpeakingEnd() Event { return Event{Type: TypeSpeakingEnd} }

func UserSpeaking(text string) Event {
	return Event{Type: TypeUserSpeaking, Fields: map[string]any{"text": text}}
}

func Listening() Event { return Event{Type: TypeListening} }

func ToolCall(function string, arguments, result map[string]any) Event {
	return Event{Type: TypeToolCall, Fields: map[string]any{
		"function":  function,
		"arguments": arguments,
		"result":    result,
	}}
}

func Summary(text, callerID, callID string) Event {
	return Event{Type: TypeSummary, Fields: map[string]any{
		"text":      text,
		"caller_id": callerID,
		"call_id":   callID,
	}}
}

func ConversationStarted() Event { return Event{Type: TypeConversationStarted} }

func Shutdown() Event { return Event{Type: TypeShutdown} }

// Sink accepts presentation events. Emit must never block the caller.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
