package conversation

import (
	"encoding/json"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/exchange"
)

// State is owned by the orchestrator goroutine. Nothing else reads or writes
// it while a call is running.
type State struct {
	TurnID        int
	AgentSpeaking bool
	LastActivity  time.Time
	CallerID      string
	// InFlight is the turn of the last speak command whose terminal status has
	// not been seen yet, 0 when none.
	InFlight int
}

const (
	toolIdentifyUser = "identify_user"
	toolRegisterUser = "register_user"
)

// callerFrom extracts the caller id from a successful identify or register.
func callerFrom(inv exchange.ToolInvocation) (string, bool) {
	if inv.Function != toolIdentifyUser && inv.Function != toolRegisterUser {
		return "", false
	}
	raw, err := json.Marshal(inv.Result)
	if err != nil {
		return "", false
	}
	var r struct {
		Status string `json:"status"`
		UserID string `json:"user_id"`
		User   struct {
			UserID string `json:"user_id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", false
	}
	switch {
	case inv.Function == toolIdentifyUser && r.Status == "found" && r.User.UserID != "":
		return r.User.UserID, true
	case inv.Function == toolRegisterUser && r.Status == "registered" && r.UserID != "":
		return r.UserID, true
	}
	return "", false
}
