package appointments

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/invopop/jsonschema"
	"github.com/keshucs12345/voice-receptionist/internal/exchange"
)

const EndConversation = "end_conversation"

type identifyArgs struct {
	UserID string `json:"user_id" jsonschema:"description=4-digit user ID"`
}

type registerArgs struct {
	Name string `json:"name" jsonschema:"description=Full name of the new user"`
}

type slotsArgs struct {
	Date string `json:"date" jsonschema:"description=Date in YYYY-MM-DD format"`
}

type bookArgs struct {
	UserID   string `json:"user_id" jsonschema:"description=4-digit user ID"`
	Name     string `json:"name" jsonschema:"description=Full name"`
	Date     string `json:"date" jsonschema:"description=Date YYYY-MM-DD"`
	TimeSlot string `json:"time_slot" jsonschema:"description=Time slot from fetch_slots (e.g. '10:00 AM')"`
	Purpose  string `json:"purpose,omitempty" jsonschema:"description=Reason (optional)"`
}

type retrieveArgs struct {
	UserID string `json:"user_id" jsonschema:"description=4-digit user ID"`
}

type cancelArgs struct {
	AppointmentID string `json:"appointment_id" jsonschema:"description=8-char appointment ID"`
}

type modifyArgs struct {
	AppointmentID string `json:"appointment_id" jsonschema:"description=8-char appointment ID"`
	NewDate       string `json:"new_date,omitempty" jsonschema:"description=New date YYYY-MM-DD (optional)"`
	NewTime       string `json:"new_time,omitempty" jsonschema:"description=New time slot (optional)"`
}

type endArgs struct{}

type tool struct {
	spec exchange.ToolSpec
	run  func(ctx context.Context, raw []byte) (map[string]any, error)
}

// define reflects the parameter schema from A and decodes arguments into it.
func define[A any](name, description string, fn func(ctx context.Context, args A) (map[string]any, error)) tool {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true, AllowAdditionalProperties: true}
	schema := reflector.ReflectFromType(reflect.TypeFor[A]())
	schema.Version = ""
	schema.ID = ""
	return tool{
		spec: exchange.ToolSpec{Name: name, Description: description, Parameters: schema},
		run: func(ctx context.Context, raw []byte) (map[string]any, error) {
			var args A
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode %s arguments: %w", name, err)
			}
			return fn(ctx, args)
		},
	}
}

// Tools is the dispatch table handed to the exchange engine.
type Tools struct {
	store *Store
	order []string
	table map[string]tool
}

func NewTools(store *Store) *Tools {
	t := &Tools{store: store, table: map[string]tool{}}
	t.add(define("identify_user",
		"Identify a user by their 4-digit ID. Call this FIRST when user provides their ID. Returns profile and active appointments.",
		func(_ context.Context, a identifyArgs) (map[string]any, error) {
			return store.IdentifyUser(a.UserID), nil
		}))
	t.add(define("register_user",
		"Register a brand new user. Generates a 4-digit ID for them. Use when identify_user returns not_found and user wants to register.",
		func(_ context.Context, a registerArgs) (map[string]any, error) {
			return store.RegisterUser(a.Name)
		}))
	t.add(define("fetch_slots",
		"Get available appointment slots for a date. ALWAYS call this BEFORE booking to check availability.",
		func(_ context.Context, a slotsArgs) (map[string]any, error) {
			return store.FetchSlots(a.Date)
		}))
	t.add(define("book_appointment",
		"Book a new appointment. MUST call fetch_slots first. time_slot MUST be from available slots.",
		func(_ context.Context, a bookArgs) (map[string]any, error) {
			return store.BookAppointment(a.UserID, a.Name, a.Date, a.TimeSlot, a.Purpose)
		}))
	t.add(define("retrieve_appointments",
		"Fetch all appointments for a user by their 4-digit ID.",
		func(_ context.Context, a retrieveArgs) (map[string]any, error) {
			return store.RetrieveAppointments(a.UserID), nil
		}))
	t.add(define("cancel_appointment",
		"Cancel an appointment by its appointment ID.",
		func(_ context.Context, a cancelArgs) (map[string]any, error) {
			return store.CancelAppointment(a.AppointmentID)
		}))
	t.add(define("modify_appointment",
		"Change date/time of an existing appointment.",
		func(_ context.Context, a modifyArgs) (map[string]any, error) {
			return store.ModifyAppointment(a.AppointmentID, a.NewDate, a.NewTime)
		}))
	t.add(define(EndConversation,
		"End the call. Use when user says bye, goodbye, done, that's all, thank you, etc.",
		func(context.Context, endArgs) (map[string]any, error) {
			return map[string]any{"status": "ended", "message": "Conversation ended. Goodbye!"}, nil
		}))
	return t
}

func (t *Tools) add(tl tool) {
	t.order = append(t.order, tl.spec.Name)
	t.table[tl.spec.Name] = tl
}

func (t *Tools) Store() *Store { return t.store }

// Specs lists the tools in registration order.
func (t *Tools) Specs() []exchange.ToolSpec {
	out := make([]exchange.ToolSpec, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.table[name].spec)
	}
	return out
}

// Dispatch runs the named tool. Unknown names, bad arguments, storage errors
// and panics all come back as a {"status":"error"} result. Results are plain
// JSON values (maps, slices, strings, float64, bool, nil).
func (t *Tools) Dispatch(ctx context.Context, name string, args map[string]any) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked", "tool", name, "panic", r)
			result = errorResult(fmt.Errorf("tool %s failed: %v", name, r))
		}
	}()

	tl, ok := t.table[name]
	if !ok {
		logger.Warn("unknown tool requested", "tool", name)
		return errorResult(fmt.Errorf("unknown tool: %s", name))
	}

	raw, err := json.Marshal(stringifyNumbers(args))
	if err != nil {
		return errorResult(fmt.Errorf("encode %s arguments: %w", name, err))
	}
	out, err := tl.run(ctx, raw)
	if err != nil {
		logger.Warn("tool failed", "tool", name, "error", err)
		return errorResult(err)
	}
	plain, err := plainJSON(out)
	if err != nil {
		return errorResult(err)
	}
	return plain
}

func errorResult(err error) map[string]any {
	return map[string]any{"status": "error", "message": err.Error()}
}

// stringifyNumbers turns numeric arguments into strings: every parameter is a
// string and generators often send ids like 1234 unquoted.
func stringifyNumbers(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case float64:
			out[k] = strconv.FormatFloat(n, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(n)
		default:
			out[k] = v
		}
	}
	return out
}

func plainJSON(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return out, nil
}
