// Package conversation runs one call: it turns microphone audio into caller
// utterances, hands them to the exchange engine, sends the replies to the
// speech worker and ends the call with a summary.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/calllog"
	"github.com/keshucs12345/voice-receptionist/internal/exchange"
	"github.com/keshucs12345/voice-receptionist/internal/presentation"
	"github.com/keshucs12345/voice-receptionist/internal/protocol"
	"github.com/keshucs12345/voice-receptionist/internal/segmenter"
	"github.com/keshucs12345/voice-receptionist/internal/signals"
	"github.com/keshucs12345/voice-receptionist/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEndTimeout     = 45 * time.Second
	DefaultGoodbyeTimeout = 15 * time.Second
	DefaultReadyTimeout   = 15 * time.Second
	DefaultTick           = 50 * time.Millisecond

	submitBacklog = 32
	awaitSlice    = 100 * time.Millisecond
)

// FrameSource yields raw PCM frames. It returns io.EOF, or any other error,
// when no more audio will come.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

type Transcriber interface {
	Start(ctx context.Context) error
	Submit(frame []byte) error
	Fragments() <-chan stt.Fragment
	Stop() error
}

type Engine interface {
	Run(ctx context.Context, userText string, h *exchange.History) exchange.Result
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string, turnCount int) string
}

type SummaryStore interface {
	SaveCallSummary(userID, callID, summary string) (map[string]any, error)
}

type Config struct {
	Silence        time.Duration
	EndTimeout     time.Duration
	GoodbyeTimeout time.Duration
	ReadyTimeout   time.Duration
	Tick           time.Duration
	// Greeting is the line the speech worker opens with; it is only logged here.
	Greeting string
}

func (c Config) withDefaults() Config {
	if c.Silence <= 0 {
		c.Silence = segmenter.DefaultSilence
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = DefaultEndTimeout
	}
	if c.GoodbyeTimeout <= 0 {
		c.GoodbyeTimeout = DefaultGoodbyeTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	return c
}

// Deps are the collaborators of one call. Sink and Store may be nil.
type Deps struct {
	Audio      FrameSource
	STT        Transcriber
	Engine     Engine
	History    *exchange.History
	Log        *calllog.Log
	Summarizer Summarizer
	Store      SummaryStore
	Flags      signals.Set
	Commands   *protocol.Queue[protocol.Command]
	Statuses   *protocol.Queue[protocol.Status]
	Sink       presentation.Sink
}

type Orchestrator struct {
	cfg        Config
	audio      FrameSource
	stt        Transcriber
	engine     Engine
	history    *exchange.History
	log        *calllog.Log
	summarizer Summarizer
	store      SummaryStore
	flags      signals.Set
	commands   *protocol.Queue[protocol.Command]
	statuses   *protocol.Queue[protocol.Status]
	sink       presentation.Sink

	seg      *segmenter.Segmenter
	detector Detector
	state    State
	now      func() time.Time

	goodbyeOnce  sync.Once
	shutdownOnce sync.Once

	turns         metric.Int64Counter
	interruptions metric.Int64Counter
	droppedFrames metric.Int64Counter
}

func New(cfg Config, d Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		audio:      d.Audio,
		stt:        d.STT,
		engine:     d.Engine,
		history:    d.History,
		log:        d.Log,
		summarizer: d.Summarizer,
		store:      d.Store,
		flags:      d.Flags,
		commands:   d.Commands,
		statuses:   d.Statuses,
		sink:       d.Sink,
		seg:        segmenter.New(),
		detector:   Detector{EndTimeout: cfg.EndTimeout},
		now:        time.Now,
	}
	if o.sink == nil {
		o.sink = presentation.Discard{}
	}
	if o.history == nil {
		o.history = exchange.NewHistory("")
	}
	o.turns, _ = meter.Int64Counter("conversation.turns", metric.WithDescription("Caller turns handled"))
	o.interruptions, _ = meter.Int64Counter("conversation.interruptions", metric.WithDescription("Barge-ins detected"))
	o.droppedFrames, _ = meter.Int64Counter("conversation.frames.dropped", metric.WithDescription("Audio frames dropped before transcription"))
	return o
}

// State returns a copy of the call state. Only meaningful once Run returned.
func (o *Orchestrator) State() State { return o.state }

// Run drives the call until it ends by goodbye, inactivity, end of audio,
// terminate or ctx. The shutdown sequence runs exactly once on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.stt.Start(ctx); err != nil {
		o.flags.Terminate.Set()
		o.send(protocol.Terminate())
		return fmt.Errorf("start speech-to-text: %w", err)
	}
	defer o.Shutdown(ctx)

	logger.Info("waiting for start signal", "call_id", o.log.CallID())
	if !o.flags.WaitStart(ctx) {
		logger.Info("call ended before it started")
		return nil
	}
	o.log.System("conversation_started", nil)
	if o.cfg.Greeting != "" {
		o.log.Agent(o.cfg.Greeting, nil)
	}
	if !o.await(ctx, o.cfg.ReadyTimeout, func(s protocol.Status) bool { return s.Action == protocol.StatusReady }) {
		logger.Warn("speech worker not ready, continuing", "timeout", o.cfg.ReadyTimeout)
	}
	o.state.LastActivity = o.now()
	o.sink.Emit(presentation.Listening())
	logger.Info("listening")

	loopCtx, cancel := context.WithCancel(ctx)
	frames, submitted := o.pumpAudio(loopCtx)
	defer func() {
		cancel()
		<-submitted
	}()
	o.loop(loopCtx, frames)
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, frames <-chan []byte) {
	ticker := time.NewTicker(o.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.flags.Terminate.C():
			return
		case _, ok := <-frames:
			if !ok {
				logger.Info("audio source closed")
				return
			}
		case <-ticker.C:
		}

		now := o.now()
		o.drainStatuses(now)
		if o.state.AgentSpeaking {
			o.state.LastActivity = now
		}
		o.drainFragments(now)

		if text, ok := o.seg.TryFlush(now, o.cfg.Silence); ok {
			if o.handleUtterance(ctx, text) {
				return
			}
			continue
		}
		if o.detector.Inactive(now, o.state) {
			o.inactivityGoodbye(ctx)
			return
		}
	}
}

// handleUtterance runs one caller turn and reports whether the call ended.
func (o *Orchestrator) handleUtterance(ctx context.Context, text string) bool {
	o.state.TurnID++
	turn := o.state.TurnID

	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(attribute.Int("turn.id", turn)))
	defer span.End()
	o.turns.Add(ctx, 1)

	logger.Info("caller said", "turn", turn, "text", text)
	o.sink.Emit(presentation.UserSpeaking(text))

	res := o.engine.Run(ctx, text, o.history)
	span.SetAttributes(attribute.Int("turn.rounds", res.Rounds), attribute.Bool("turn.end_call", res.EndCall))

	for _, inv := range res.Invocations {
		if id, ok := callerFrom(inv); ok && id != o.state.CallerID {
			logger.Info("caller identified", "user_id", id)
			o.state.CallerID = id
		}
		o.sink.Emit(presentation.ToolCall(inv.Function, inv.Arguments, inv.Result))
	}
	reply := res.Text
	if o.detector.Explicit(res) && strings.TrimSpace(reply) == "" {
		reply = ClosingGoodbye
	}
	o.log.Record(calllog.Turn{ID: turn, UserText: text, AgentText: reply, Tools: res.Invocations})
	o.state.LastActivity = o.now()

	if o.detector.Explicit(res) {
		o.goodbye(ctx, turn, reply, "end_conversation")
		return true
	}
	o.speak(ctx, turn, res.Text)
	return false
}

// speak settles any earlier utterance and then hands text to the worker.
func (o *Orchestrator) speak(ctx context.Context, turn int, text string) {
	o.settle(ctx)
	if o.send(protocol.Speak(text, turn)) {
		o.state.InFlight = turn
	}
	o.state.LastActivity = o.now()
}

func (o *Orchestrator) send(cmd protocol.Command) bool {
	if err := o.commands.TrySend(cmd); err != nil {
		logger.Error("command not delivered", "action", cmd.Action, "turn", cmd.TurnID, "error", err)
		return false
	}
	return true
}

// pumpAudio starts the microphone reader and the transcription submitter.
// Frames are forwarded to the loop as pacing ticks and to the transcriber
// through a bounded queue that drops the oldest frame when full. The second
// channel closes once the submitter has stopped.
func (o *Orchestrator) pumpAudio(ctx context.Context) (<-chan []byte, <-chan struct{}) {
	frames := make(chan []byte, 1)
	backlog := make(chan []byte, submitBacklog)
	submitted := make(chan struct{})

	go func() {
		defer close(frames)
		if o.audio == nil {
			<-ctx.Done()
			return
		}
		for {
			frame, err := o.audio.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Info("audio source ended", "error", err)
				}
				return
			}
			o.enqueue(ctx, backlog, frame)
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	go func() {
		defer close(submitted)
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-backlog:
				if err := o.stt.Submit(frame); err != nil {
					failures++
					if failures == 1 || failures%100 == 0 {
						logger.Warn("audio not sent to transcriber", "failures", failures, "error", err)
					}
				}
			}
		}
	}()

	return frames, submitted
}

func (o *Orchestrator) enqueue(ctx context.Context, backlog chan []byte, frame []byte) {
	select {
	case backlog <- frame:
		return
	default:
	}
	select {
	case <-backlog:
		o.droppedFrames.Add(ctx, 1)
	default:
	}
	select {
	case backlog <- frame:
	default:
		o.droppedFrames.Add(ctx, 1)
	}
}

// Shutdown stops transcription, summarizes the call, persists the summary for
// an identified caller, publishes it and tells the worker to exit. Only the
// first call does anything.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdownOnce.Do(func() {
		ctx, span := tracer.Start(context.WithoutCancel(ctx), "shutdown",
			trace.WithAttributes(attribute.String("call.id", o.log.CallID())))
		defer span.End()

		if err := o.stt.Stop(); err != nil {
			logger.Warn("stopping transcriber", "error", err)
		}

		summary := o.summarizer.Summarize(ctx, o.log.Transcript(), o.log.TurnCount())
		o.log.Finalize(summary)
		logger.Info("call summary", "call_id", o.log.CallID(), "summary", summary)

		if o.state.CallerID != "" && o.store != nil {
			if _, err := o.store.SaveCallSummary(o.state.CallerID, o.log.CallID(), summary); err != nil {
				logger.Error("saving call summary", "user_id", o.state.CallerID, "error", err)
			}
		}
		o.sink.Emit(presentation.Summary(summary, o.state.CallerID, o.log.CallID()))

		o.send(protocol.Terminate())
		o.flags.Terminate.Set()
		logger.Info("call finished", "call_id", o.log.CallID(), "turns", o.state.TurnID)
	})
}
