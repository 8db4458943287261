// Package speaker is the speech worker: it turns speak commands into played
// audio and reports each utterance's fate back to the orchestrator.
package speaker

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/audio"
	"github.com/keshucs12345/voice-receptionist/internal/presentation"
	"github.com/keshucs12345/voice-receptionist/internal/protocol"
	"github.com/keshucs12345/voice-receptionist/internal/signals"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultPollInterval = 300 * time.Millisecond

type State int32

const (
	Idle State = iota
	Speaking
	Done
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case Done:
		return "done"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Synthesizer produces PCM chunks lazily for a piece of text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error]
}

// Player blocks while a chunk is played.
type Player interface {
	Play(chunk []byte) error
}

type Worker struct {
	tts      Synthesizer
	out      Player
	flags    signals.Set
	commands *protocol.Queue[protocol.Command]
	statuses *protocol.Queue[protocol.Status]
	sink     presentation.Sink

	greeting string
	poll     time.Duration

	state atomic.Int32

	utterances    metric.Int64Counter
	interruptions metric.Int64Counter
}

type Option func(*Worker)

func WithGreeting(text string) Option {
	return func(w *Worker) { w.greeting = text }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

func WithSink(s presentation.Sink) Option {
	return func(w *Worker) {
		if s != nil {
			w.sink = s
		}
	}
}

func New(tts Synthesizer, out Player, flags signals.Set,
	commands *protocol.Queue[protocol.Command], statuses *protocol.Queue[protocol.Status], opts ...Option) *Worker {
	w := &Worker{
		tts:      tts,
		out:      out,
		flags:    flags,
		commands: commands,
		statuses: statuses,
		sink:     presentation.Discard{},
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.utterances, _ = meter.Int64Counter("speaker.utterances", metric.WithDescription("Utterances started"))
	w.interruptions, _ = meter.Int64Counter("speaker.interruptions", metric.WithDescription("Utterances cut short"))
	return w
}

// State is safe to read from any goroutine.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run waits for the start signal, greets the caller, reports ready and then
// serves speak commands until terminated.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		w.sink.Emit(presentation.Shutdown())
		logger.Info("speech worker exiting")
	}()

	if !w.flags.WaitStart(ctx) {
		return
	}
	logger.Info("start signal received")

	if w.greeting != "" {
		w.say(ctx, 0, w.greeting, false)
	}
	w.report(protocol.Status{Action: protocol.StatusReady})

	for !w.flags.Terminate.IsSet() {
		cmd, ok := w.commands.Receive(ctx, w.poll)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}
		switch cmd.Action {
		case protocol.ActionTerminate:
			logger.Info("terminate command received")
			return
		case protocol.ActionSpeak:
			w.say(ctx, cmd.TurnID, cmd.Text, true)
		default:
			logger.Warn("unknown command", "action", cmd.Action)
		}
	}
}

// say plays one utterance. The stop flag is checked before every chunk, so an
// interruption takes effect within one chunk of playback. Terminal statuses
// are only reported when terminal is true; the greeting is followed by ready
// instead.
func (w *Worker) say(ctx context.Context, turnID int, text string, terminal bool) {
	ctx, span := tracer.Start(ctx, "speak")
	defer span.End()
	span.SetAttributes(attribute.Int("turn.id", turnID))

	w.flags.StopSpeaking.Clear()
	w.setState(Speaking)
	w.utterances.Add(ctx, 1)
	w.report(protocol.Status{Action: protocol.StatusSpeaking, TurnID: turnID})
	w.sink.Emit(presentation.SpeakingStart(text))
	logger.Info("speaking", "turn", turnID, "text", text)

	interrupted := false
	chunks := 0
	for chunk, err := range w.tts.Synthesize(ctx, text) {
		if err != nil {
			logger.Error("synthesis failed", "turn", turnID, "error", err)
			break
		}
		if w.flags.StopSpeaking.IsSet() || w.flags.Terminate.IsSet() || ctx.Err() != nil {
			interrupted = true
			break
		}
		if err := w.out.Play(chunk); err != nil {
			logger.Error("playback failed", "turn", turnID, "error", err)
			break
		}
		chunks++
		w.sink.Emit(presentation.AudioEnergy(audio.Energy(chunk)))
	}
	w.sink.Emit(presentation.SpeakingEnd())
	span.SetAttributes(attribute.Int("speak.chunks", chunks), attribute.Bool("speak.interrupted", interrupted))

	if interrupted {
		w.setState(Interrupted)
		w.interruptions.Add(ctx, 1)
		logger.Info("interrupted", "turn", turnID, "chunks", chunks)
		if terminal {
			w.report(protocol.Status{Action: protocol.StatusInterrupted, TurnID: turnID})
		}
	} else {
		w.setState(Done)
		if terminal {
			w.report(protocol.Status{Action: protocol.StatusDoneSpeaking, TurnID: turnID})
		}
	}
	w.setState(Idle)
}

func (w *Worker) report(s protocol.Status) {
	if err := w.statuses.TrySend(s); err != nil {
		logger.Warn("status dropped", "action", s.Action, "turn", s.TurnID, "error", err)
	}
}
