package conversation

import (
	"context"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/presentation"
	"github.com/keshucs12345/voice-receptionist/internal/protocol"
)

// applyStatus folds one worker status into the state.
func (o *Orchestrator) applyStatus(s protocol.Status, now time.Time) {
	switch s.Action {
	case protocol.StatusSpeaking:
		o.state.AgentSpeaking = true
	case protocol.StatusDoneSpeaking, protocol.StatusInterrupted:
		o.state.AgentSpeaking = false
		if s.TurnID == o.state.InFlight {
			o.state.InFlight = 0
		}
		o.sink.Emit(presentation.Listening())
	case protocol.StatusReady:
		o.state.AgentSpeaking = false
	default:
		logger.Warn("unknown status", "action", s.Action)
		return
	}
	o.state.LastActivity = now
}

func (o *Orchestrator) drainStatuses(now time.Time) {
	for _, s := range o.statuses.Drain() {
		o.applyStatus(s, now)
	}
}

// drainFragments feeds every pending fragment to the segmenter. Caller speech
// while the agent talks is a barge-in.
func (o *Orchestrator) drainFragments(now time.Time) {
	for {
		select {
		case f := <-o.stt.Fragments():
			logger.Info("heard", "text", f.Text)
			o.seg.Push(f.Text, now)
			o.state.LastActivity = now
			if o.state.AgentSpeaking {
				o.interrupt()
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) interrupt() {
	o.flags.StopSpeaking.Set()
	o.state.AgentSpeaking = false
	o.interruptions.Add(context.Background(), 1)
	logger.Info("caller interrupted agent", "turn", o.state.InFlight)
}

// settle makes sure no earlier utterance is still active before a new speak
// command goes out: it stops the in-flight turn and waits, bounded, for its
// terminal status.
func (o *Orchestrator) settle(ctx context.Context) {
	turn := o.state.InFlight
	if turn == 0 {
		return
	}
	o.flags.StopSpeaking.Set()
	if !o.awaitTerminal(ctx, turn) {
		logger.Warn("previous turn never acknowledged", "turn", turn)
		o.state.InFlight = 0
	}
}

// awaitTerminal blocks until done_speaking or interrupted arrives for turn, the
// goodbye timeout passes, or the call is terminated.
func (o *Orchestrator) awaitTerminal(ctx context.Context, turn int) bool {
	return o.await(ctx, o.cfg.GoodbyeTimeout, func(s protocol.Status) bool {
		return s.Terminal() && s.TurnID == turn
	})
}

func (o *Orchestrator) await(ctx context.Context, timeout time.Duration, match func(protocol.Status) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil || o.flags.Terminate.IsSet() {
			return false
		}
		s, ok := o.statuses.Receive(ctx, min(remaining, awaitSlice))
		if !ok {
			continue
		}
		o.applyStatus(s, o.now())
		if match(s) {
			return true
		}
	}
}
