package conversation

import (
	"context"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/exchange"
)

const (
	InactivityGoodbye = "I haven't heard from you in a while. I'll end the call now. Feel free to call back anytime. Goodbye!"
	// ClosingGoodbye is spoken when the model ends the call without a reply.
	ClosingGoodbye = "Thank you for calling. Have a great day. Goodbye!"
)

// Detector decides when a call is over.
type Detector struct {
	EndTimeout time.Duration
}

func (d Detector) Explicit(r exchange.Result) bool { return r.EndCall }

// Inactive reports a call that has been idle too long. A speaking agent is
// never idle.
func (d Detector) Inactive(now time.Time, s State) bool {
	return !s.AgentSpeaking && now.Sub(s.LastActivity) > d.EndTimeout
}

// goodbye speaks the last line of the call and waits, bounded, for it to be
// played. It runs at most once per call.
func (o *Orchestrator) goodbye(ctx context.Context, turn int, text, reason string) {
	o.goodbyeOnce.Do(func() {
		ctx, span := tracer.Start(ctx, "goodbye")
		defer span.End()

		logger.Info("ending call", "reason", reason, "turn", turn)
		o.speak(ctx, turn, text)
		if o.awaitTerminal(ctx, turn) {
			logger.Info("goodbye finished", "turn", turn)
		} else {
			logger.Warn("timed out waiting for goodbye, proceeding", "turn", turn, "timeout", o.cfg.GoodbyeTimeout)
		}
	})
}

func (o *Orchestrator) inactivityGoodbye(ctx context.Context) {
	o.state.TurnID++
	logger.Info("no caller activity, ending call", "timeout", o.cfg.EndTimeout)
	o.log.System("inactivity_timeout", map[string]any{"seconds": o.cfg.EndTimeout.Seconds()})
	o.log.Agent(InactivityGoodbye, nil)
	o.goodbye(ctx, o.state.TurnID, InactivityGoodbye, "inactivity")
}
