package appointments

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 2, 12, 9, 30, 0, 0, time.UTC)

func newTools(t *testing.T) *Tools {
	t.Helper()
	return NewTools(NewStore(t.TempDir(), WithClock(func() time.Time { return fixedNow })))
}

func dispatch(t *testing.T, tools *Tools, name string, args map[string]any) map[string]any {
	t.Helper()
	return tools.Dispatch(context.Background(), name, args)
}

func TestSlots(t *testing.T) {
	slots, err := Slots("2026-02-12")
	require.NoError(t, err)
	require.Len(t, slots, 18)
	require.Equal(t, "09:00 AM", slots[0])
	require.Equal(t, "12:30 PM", slots[7])
	require.Equal(t, "05:30 PM", slots[len(slots)-1])

	_, err = Slots("12/02/2026")
	require.Error(t, err)
}

func TestNormalizeID(t *testing.T) {
	require.Equal(t, "1234", NormalizeID("one two... 1 2 3 4 5"))
	require.Equal(t, "1234", NormalizeID("12345"))
	require.Equal(t, "12", NormalizeID("id 12"))
	require.Equal(t, "", NormalizeID("none"))
}

func TestSpecs(t *testing.T) {
	tools := newTools(t)
	specs := tools.Specs()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{
		"identify_user", "register_user", "fetch_slots", "book_appointment",
		"retrieve_appointments", "cancel_appointment", "modify_appointment", EndConversation,
	}, names)

	raw, err := json.Marshal(specs[3].Parameters)
	require.NoError(t, err)
	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal(raw, &schema))
	require.Equal(t, "object", schema.Type)
	require.Contains(t, schema.Properties, "time_slot")
	require.Equal(t, "string", schema.Properties["time_slot"]["type"])
	require.ElementsMatch(t, []string{"user_id", "name", "date", "time_slot"}, schema.Required)
}

func TestRegisterThenIdentify(t *testing.T) {
	tools := newTools(t)

	reg := dispatch(t, tools, "register_user", map[string]any{"name": "Archit"})
	require.Equal(t, "registered", reg["status"])
	id, _ := reg["user_id"].(string)
	require.Len(t, id, 4)

	found := dispatch(t, tools, "identify_user", map[string]any{"user_id": id})
	require.Equal(t, "found", found["status"])
	user := found["user"].(map[string]any)
	require.Equal(t, id, user["user_id"])
	require.Equal(t, "Archit", user["name"])
	require.Nil(t, found["last_call_summary"])
	require.Empty(t, found["active_appointments"])
}

func TestIdentifyUnknownAndInvalid(t *testing.T) {
	tools := newTools(t)

	require.Equal(t, "not_found", dispatch(t, tools, "identify_user", map[string]any{"user_id": "4321"})["status"])
	require.Equal(t, "invalid", dispatch(t, tools, "identify_user", map[string]any{"user_id": "12"})["status"])
	// Unquoted numbers from the generator are accepted.
	require.Equal(t, "not_found", dispatch(t, tools, "identify_user", map[string]any{"user_id": float64(4321)})["status"])
}

func TestBookingLifecycle(t *testing.T) {
	tools := newTools(t)
	book := func(user, slot string) map[string]any {
		return dispatch(t, tools, "book_appointment", map[string]any{
			"user_id": user, "name": "Archit", "date": "2026-02-13", "time_slot": slot, "purpose": "checkup",
		})
	}

	res := book("1234", "10:00 AM")
	require.Equal(t, "booked", res["status"])
	apptID := res["appointment_id"].(string)
	require.Len(t, apptID, 8)

	require.Equal(t, "already_booked", book("1234", "10:00 AM")["status"])

	conflict := book("5678", "10:00 AM")
	require.Equal(t, "conflict", conflict["status"])
	require.Equal(t, []any{"09:00 AM", "09:30 AM", "10:30 AM", "11:00 AM", "11:30 AM"}, conflict["suggested_alternatives"])

	invalid := book("1234", "07:00 PM")
	require.Equal(t, "invalid_slot", invalid["status"])
	require.Len(t, invalid["valid_slots_sample"], 9)

	slots := dispatch(t, tools, "fetch_slots", map[string]any{"date": "2026-02-13"})
	require.Equal(t, "ok", slots["status"])
	require.EqualValues(t, 17, slots["available_count"])
	require.Equal(t, []any{"10:00 AM"}, slots["booked_slots"])

	// Booking registered the caller.
	require.Equal(t, "found", dispatch(t, tools, "identify_user", map[string]any{"user_id": "1234"})["status"])

	mod := dispatch(t, tools, "modify_appointment", map[string]any{"appointment_id": apptID, "new_time": "02:00 PM"})
	require.Equal(t, "modified", mod["status"])
	require.Equal(t, "10:00 AM", mod["old_time"])
	require.Equal(t, "02:00 PM", mod["new_time"])

	require.Equal(t, "error", dispatch(t, tools, "modify_appointment", map[string]any{"appointment_id": apptID})["status"])

	cancel := dispatch(t, tools, "cancel_appointment", map[string]any{"appointment_id": apptID})
	require.Equal(t, "cancelled", cancel["status"])
	require.Equal(t, "already_cancelled", dispatch(t, tools, "cancel_appointment", map[string]any{"appointment_id": apptID})["status"])
	require.Equal(t, "not_found", dispatch(t, tools, "cancel_appointment", map[string]any{"appointment_id": "nope"})["status"])

	got := dispatch(t, tools, "retrieve_appointments", map[string]any{"user_id": "1234"})
	require.EqualValues(t, 0, got["total_active"])
	require.EqualValues(t, 1, got["total_cancelled"])
}

func TestModifyKeepsOwnSlot(t *testing.T) {
	tools := newTools(t)
	res := dispatch(t, tools, "book_appointment", map[string]any{
		"user_id": "1234", "name": "A", "date": "2026-02-13", "time_slot": "10:00 AM",
	})
	dispatch(t, tools, "book_appointment", map[string]any{
		"user_id": "5678", "name": "B", "date": "2026-02-13", "time_slot": "11:00 AM",
	})
	id := res["appointment_id"]

	require.Equal(t, "conflict", dispatch(t, tools, "modify_appointment", map[string]any{"appointment_id": id, "new_time": "11:00 AM"})["status"])
	require.Equal(t, "modified", dispatch(t, tools, "modify_appointment", map[string]any{"appointment_id": id, "new_time": "10:00 AM"})["status"])
	require.Equal(t, "invalid_slot", dispatch(t, tools, "modify_appointment", map[string]any{"appointment_id": id, "new_time": "10:15 AM"})["status"])
}

func TestDispatchErrors(t *testing.T) {
	tools := newTools(t)

	res := dispatch(t, tools, "launch_rocket", nil)
	require.Equal(t, "error", res["status"])
	require.Contains(t, res["message"], "unknown tool")

	res = dispatch(t, tools, "fetch_slots", map[string]any{"date": "tomorrow"})
	require.Equal(t, "error", res["status"])

	res = dispatch(t, tools, "register_user", map[string]any{"name": []any{"x"}})
	require.Equal(t, "error", res["status"])

	require.Equal(t, "ended", dispatch(t, tools, EndConversation, map[string]any{})["status"])
}

func TestCallSummaries(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, WithClock(func() time.Time { return fixedNow }))

	res, err := store.SaveCallSummary("", "call-1", "nothing")
	require.NoError(t, err)
	require.Equal(t, "skipped", res["status"])
	require.Nil(t, store.LastSummary("1234"))

	_, err = store.SaveCallSummary("1234", "call-1", "first")
	require.NoError(t, err)
	_, err = store.SaveCallSummary("1234", "call-2", "second")
	require.NoError(t, err)

	last := store.LastSummary("1234")
	require.NotNil(t, last)
	require.Equal(t, "call-2", last.CallID)
	require.Equal(t, "second", last.Summary)

	raw, err := os.ReadFile(filepath.Join(dir, summariesFile))
	require.NoError(t, err)
	var onDisk map[string][]CallSummary
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Len(t, onDisk["1234"], 2)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, appointmentsFile), []byte("{not json"), 0o644))
	tools := NewTools(NewStore(dir))

	require.Equal(t, "not_found", dispatch(t, tools, "identify_user", map[string]any{"user_id": "1234"})["status"])
	require.Equal(t, "registered", dispatch(t, tools, "register_user", map[string]any{"name": "Z"})["status"])
}
