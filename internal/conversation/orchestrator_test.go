package conversation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/calllog"
	"github.com/keshucs12345/voice-receptionist/internal/exchange"
	"github.com/keshucs12345/voice-receptionist/internal/presentation"
	"github.com/keshucs12345/voice-receptionist/internal/protocol"
	"github.com/keshucs12345/voice-receptionist/internal/signals"
	"github.com/keshucs12345/voice-receptionist/internal/stt"
	"github.com/stretchr/testify/require"
)

type fakeSTT struct {
	startErr  error
	fragments chan stt.Fragment

	mu        sync.Mutex
	submitted int
	stops     int
}

func newFakeSTT() *fakeSTT { return &fakeSTT{fragments: make(chan stt.Fragment, 16)} }

func (f *fakeSTT) Start(context.Context) error { return f.startErr }

func (f *fakeSTT) Submit([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	return nil
}

func (f *fakeSTT) Fragments() <-chan stt.Fragment { return f.fragments }

func (f *fakeSTT) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSTT) say(text string) { f.fragments <- stt.Fragment{Text: text, At: time.Now()} }

// silentMic delivers a frame every few milliseconds until ctx ends.
type silentMic struct{}

func (silentMic) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, io.EOF
	case <-time.After(5 * time.Millisecond):
		return make([]byte, 64), nil
	}
}

type closedMic struct{}

func (closedMic) ReadFrame(context.Context) ([]byte, error) { return nil, io.EOF }

type scriptedEngine struct {
	mu      sync.Mutex
	replies []exchange.Result
	heard   []string
}

func (e *scriptedEngine) Run(_ context.Context, text string, _ *exchange.History) exchange.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heard = append(e.heard, text)
	if len(e.replies) == 0 {
		return exchange.Result{Text: "Okay."}
	}
	r := e.replies[0]
	e.replies = e.replies[1:]
	return r
}

func (e *scriptedEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.heard...)
}

type countingSummarizer struct {
	mu    sync.Mutex
	calls int
	turns int
}

func (s *countingSummarizer) Summarize(_ context.Context, _ string, turnCount int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.turns = turnCount
	return "caller booked a visit"
}

type memoryStore struct {
	mu    sync.Mutex
	saved []string
}

func (m *memoryStore) SaveCallSummary(userID, callID, summary string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, userID+"|"+callID+"|"+summary)
	return map[string]any{"status": "saved"}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []presentation.Event
}

func (s *recordingSink) Emit(e presentation.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(typ string) []presentation.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []presentation.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeWorker speaks each command for a fixed time unless stopped, and reports
// statuses the way the speech worker does.
type fakeWorker struct {
	flags    signals.Set
	commands *protocol.Queue[protocol.Command]
	statuses *protocol.Queue[protocol.Status]
	long     map[int]bool
	started  chan int

	mu         sync.Mutex
	spoken     []protocol.Command
	outcomes   map[int]protocol.StatusAction
	terminated bool
}

func (w *fakeWorker) run(ctx context.Context) {
	defer func() {
		for _, c := range w.commands.Drain() {
			if c.Action == protocol.ActionTerminate {
				w.mu.Lock()
				w.terminated = true
				w.mu.Unlock()
			}
		}
	}()
	if !w.flags.WaitStart(ctx) {
		return
	}
	_ = w.statuses.TrySend(protocol.Status{Action: protocol.StatusReady})
	for !w.flags.Terminate.IsSet() {
		cmd, ok := w.commands.Receive(ctx, 10*time.Millisecond)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}
		if cmd.Action == protocol.ActionTerminate {
			w.mu.Lock()
			w.terminated = true
			w.mu.Unlock()
			return
		}
		w.flags.StopSpeaking.Clear()
		w.mu.Lock()
		w.spoken = append(w.spoken, cmd)
		w.mu.Unlock()
		_ = w.statuses.TrySend(protocol.Status{Action: protocol.StatusSpeaking, TurnID: cmd.TurnID})
		select {
		case w.started <- cmd.TurnID:
		default:
		}

		d := 20 * time.Millisecond
		if w.long[cmd.TurnID] {
			d = 5 * time.Second
		}
		outcome := protocol.StatusDoneSpeaking
		if w.flags.StopSpeaking.Wait(ctx, d) {
			outcome = protocol.StatusInterrupted
		}
		w.mu.Lock()
		w.outcomes[cmd.TurnID] = outcome
		w.mu.Unlock()
		_ = w.statuses.TrySend(protocol.Status{Action: outcome, TurnID: cmd.TurnID})
	}
}

func (w *fakeWorker) spokenCommands() []protocol.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Command(nil), w.spoken...)
}

func (w *fakeWorker) outcome(turn int) protocol.StatusAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcomes[turn]
}

type harness struct {
	flags      signals.Set
	stt        *fakeSTT
	engine     *scriptedEngine
	summarizer *countingSummarizer
	store      *memoryStore
	sink       *recordingSink
	log        *calllog.Log
	worker     *fakeWorker
	orch       *Orchestrator
	workerDone chan struct{}
}

func testConfig() Config {
	return Config{
		Silence:        50 * time.Millisecond,
		EndTimeout:     5 * time.Second,
		GoodbyeTimeout: 2 * time.Second,
		ReadyTimeout:   time.Second,
		Tick:           10 * time.Millisecond,
		Greeting:       "Hello! Welcome to our clinic.",
	}
}

func newHarness(t *testing.T, cfg Config, mic FrameSource, replies ...exchange.Result) *harness {
	t.Helper()
	h := &harness{
		flags:      signals.NewSet(),
		stt:        newFakeSTT(),
		engine:     &scriptedEngine{replies: replies},
		summarizer: &countingSummarizer{},
		store:      &memoryStore{},
		sink:       &recordingSink{},
		log:        calllog.New("call-1", ""),
		workerDone: make(chan struct{}),
	}
	commands := protocol.NewQueue[protocol.Command](8)
	statuses := protocol.NewQueue[protocol.Status](8)
	h.worker = &fakeWorker{
		flags:    h.flags,
		commands: commands,
		statuses: statuses,
		long:     map[int]bool{},
		started:  make(chan int, 8),
		outcomes: map[int]protocol.StatusAction{},
	}
	h.orch = New(cfg, Deps{
		Audio:      mic,
		STT:        h.stt,
		Engine:     h.engine,
		Log:        h.log,
		Summarizer: h.summarizer,
		Store:      h.store,
		Flags:      h.flags,
		Commands:   commands,
		Statuses:   statuses,
		Sink:       h.sink,
	})
	return h
}

func (h *harness) start(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	go func() {
		defer close(h.workerDone)
		h.worker.run(ctx)
	}()
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	h.flags.Start.Set()
	return done
}

func (h *harness) wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("call did not end")
	}
	select {
	case <-h.workerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func waitStarted(t *testing.T, w *fakeWorker, turn int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-w.started:
			if got == turn {
				return
			}
		case <-deadline:
			t.Fatalf("turn %d never started speaking", turn)
		}
	}
}

func TestExplicitEndSpeaksReplyAsGoodbye(t *testing.T) {
	h := newHarness(t, testConfig(), silentMic{},
		exchange.Result{
			Text: "Welcome back, Ravi. How can I help?",
			Invocations: []exchange.ToolInvocation{{
				Function:  "identify_user",
				Arguments: map[string]any{"user_id": "1234"},
				Result:    map[string]any{"status": "found", "user": map[string]any{"user_id": "1234", "name": "Ravi"}},
			}},
		},
		exchange.Result{Text: "Goodbye, Ravi!", EndCall: true},
	)
	done := h.start(t)

	h.stt.say("my id is 1234")
	waitStarted(t, h.worker, 1)
	require.Eventually(t, func() bool { return h.worker.outcome(1) != "" }, 2*time.Second, 5*time.Millisecond)
	h.stt.say("that's all, thanks")
	h.wait(t, done)

	spoken := h.worker.spokenCommands()
	require.Len(t, spoken, 2)
	require.Equal(t, protocol.Speak("Goodbye, Ravi!", 2), spoken[1])
	require.Equal(t, protocol.StatusDoneSpeaking, h.worker.outcome(2))
	require.True(t, h.worker.terminated)
	require.True(t, h.flags.Terminate.IsSet())

	require.Equal(t, "1234", h.orch.State().CallerID)
	require.Equal(t, 2, h.orch.State().TurnID)
	require.Equal(t, 1, h.summarizer.calls)
	require.Equal(t, 2, h.summarizer.turns)
	require.Equal(t, []string{"1234|call-1|caller booked a visit"}, h.store.saved)

	summaries := h.sink.ofType(presentation.TypeSummary)
	require.Len(t, summaries, 1)
	require.Equal(t, "1234", summaries[0].Fields["caller_id"])
	require.Len(t, h.sink.ofType(presentation.TypeToolCall), 1)
	require.Len(t, h.sink.ofType(presentation.TypeUserSpeaking), 2)
}

func TestCallerBargeInStopsAgent(t *testing.T) {
	h := newHarness(t, testConfig(), silentMic{},
		exchange.Result{Text: "We have slots at nine, nine thirty, ten, ten thirty and many more."},
		exchange.Result{Text: "No problem. Goodbye!", EndCall: true},
	)
	h.worker.long[1] = true
	done := h.start(t)

	h.stt.say("what slots are free tomorrow")
	waitStarted(t, h.worker, 1)
	h.stt.say("actually never mind")
	h.wait(t, done)

	require.Equal(t, protocol.StatusInterrupted, h.worker.outcome(1))
	require.Equal(t, protocol.StatusDoneSpeaking, h.worker.outcome(2))
	require.Equal(t, []string{"what slots are free tomorrow", "actually never mind"}, h.engine.calls())

	turns := h.log.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "actually never mind", turns[1].UserText)
	// No caller was identified, so nothing is persisted.
	require.Empty(t, h.store.saved)
	require.Len(t, h.sink.ofType(presentation.TypeSummary), 1)
}

func TestInactivityEndsSilentCall(t *testing.T) {
	cfg := testConfig()
	cfg.EndTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg, silentMic{})
	done := h.start(t)
	h.wait(t, done)

	require.Empty(t, h.engine.calls())
	spoken := h.worker.spokenCommands()
	require.Len(t, spoken, 1)
	require.Equal(t, protocol.Speak(InactivityGoodbye, 1), spoken[0])
	require.Equal(t, 1, h.orch.State().TurnID)

	entries := h.log.Entries()
	require.Equal(t, cfg.Greeting, entries[1].Text)
	last := entries[len(entries)-2]
	require.Equal(t, calllog.RoleAgent, last.Role)
	require.Equal(t, InactivityGoodbye, last.Text)
	require.Equal(t, 0, h.summarizer.turns)
	require.Len(t, h.sink.ofType(presentation.TypeSummary), 1)
}

func TestShutdownRunsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.EndTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, silentMic{})
	done := h.start(t)
	h.wait(t, done)

	h.orch.Shutdown(context.Background())
	h.orch.Shutdown(context.Background())

	require.Equal(t, 1, h.summarizer.calls)
	require.Equal(t, 1, h.stt.stops)
	require.Len(t, h.sink.ofType(presentation.TypeSummary), 1)
}

func TestTerminateEndsCall(t *testing.T) {
	h := newHarness(t, testConfig(), silentMic{})
	done := h.start(t)
	require.Eventually(t, func() bool {
		return len(h.sink.ofType(presentation.TypeListening)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.flags.Shutdown()
	h.wait(t, done)
	require.Empty(t, h.worker.spokenCommands())
	require.Equal(t, 1, h.summarizer.calls)
}

func TestAudioEndEndsCall(t *testing.T) {
	h := newHarness(t, testConfig(), closedMic{})
	done := h.start(t)
	h.wait(t, done)
	require.Len(t, h.sink.ofType(presentation.TypeSummary), 1)
	require.True(t, h.flags.Terminate.IsSet())
}

func TestTranscriberStartFailure(t *testing.T) {
	h := newHarness(t, testConfig(), silentMic{})
	h.stt.startErr = errors.New("dial refused")

	err := h.orch.Run(context.Background())
	require.ErrorContains(t, err, "dial refused")
	require.True(t, h.flags.Terminate.IsSet())
	require.Zero(t, h.summarizer.calls)
	require.Equal(t, []protocol.Command{protocol.Terminate()}, h.worker.commands.Drain())
}

func TestSpeakSettlesPreviousTurn(t *testing.T) {
	h := newHarness(t, testConfig(), silentMic{})
	h.worker.long[1] = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		defer close(h.workerDone)
		h.worker.run(ctx)
	}()
	h.flags.Start.Set()

	h.orch.speak(ctx, 1, "a very long answer")
	waitStarted(t, h.worker, 1)
	h.orch.speak(ctx, 2, "the next answer")

	require.Equal(t, protocol.StatusInterrupted, h.worker.outcome(1))
	require.Equal(t, 2, h.orch.State().InFlight)
	waitStarted(t, h.worker, 2)
	h.flags.Terminate.Set()
	<-h.workerDone
}

func TestCallerFrom(t *testing.T) {
	id, ok := callerFrom(exchange.ToolInvocation{
		Function: "register_user",
		Result:   map[string]any{"status": "registered", "user_id": "4821"},
	})
	require.True(t, ok)
	require.Equal(t, "4821", id)

	_, ok = callerFrom(exchange.ToolInvocation{
		Function: "identify_user",
		Result:   map[string]any{"status": "not_found"},
	})
	require.False(t, ok)

	_, ok = callerFrom(exchange.ToolInvocation{
		Function: "fetch_slots",
		Result:   map[string]any{"status": "found", "user_id": "1111"},
	})
	require.False(t, ok)
}

func TestDetectorIgnoresSpeakingAgent(t *testing.T) {
	d := Detector{EndTimeout: time.Second}
	now := time.Now()
	idle := State{LastActivity: now.Add(-2 * time.Second)}
	require.True(t, d.Inactive(now, idle))
	idle.AgentSpeaking = true
	require.False(t, d.Inactive(now, idle))
	require.False(t, d.Inactive(now, State{LastActivity: now}))
}

func TestBlankEndCallReplyUsesClosingGoodbye(t *testing.T) {
	h := newHarness(t, testConfig(), silentMic{},
		exchange.Result{Text: "  ", EndCall: true},
	)
	done := h.start(t)
	h.stt.say("that's everything, bye")
	h.wait(t, done)

	spoken := h.worker.spokenCommands()
	require.Len(t, spoken, 1)
	require.Equal(t, protocol.Speak(ClosingGoodbye, 1), spoken[0])
	require.Equal(t, protocol.StatusDoneSpeaking, h.worker.outcome(1))
	require.Equal(t, ClosingGoodbye, h.log.Turns()[0].AgentText)
}

func TestApplyStatusKeysOnTurn(t *testing.T) {
	tests := []struct {
		name         string
		inFlight     int
		speaking     bool
		status       protocol.Status
		wantInFlight int
		wantSpeaking bool
		wantListen   bool
	}{
		{
			name:         "speaking marks agent busy",
			inFlight:     4,
			status:       protocol.Status{Action: protocol.StatusSpeaking, TurnID: 4},
			wantInFlight: 4,
			wantSpeaking: true,
		},
		{
			name:         "done for current turn clears in-flight",
			inFlight:     4,
			speaking:     true,
			status:       protocol.Status{Action: protocol.StatusDoneSpeaking, TurnID: 4},
			wantInFlight: 0,
			wantListen:   true,
		},
		{
			name:         "late done for older turn keeps newer in-flight",
			inFlight:     5,
			status:       protocol.Status{Action: protocol.StatusDoneSpeaking, TurnID: 4},
			wantInFlight: 5,
			wantListen:   true,
		},
		{
			name:         "late interrupted for older turn keeps newer in-flight",
			inFlight:     5,
			speaking:     true,
			status:       protocol.Status{Action: protocol.StatusInterrupted, TurnID: 3},
			wantInFlight: 5,
			wantListen:   true,
		},
		{
			name:         "ready leaves in-flight alone",
			inFlight:     2,
			speaking:     true,
			status:       protocol.Status{Action: protocol.StatusReady},
			wantInFlight: 2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), silentMic{})
			h.orch.state.InFlight = tc.inFlight
			h.orch.state.AgentSpeaking = tc.speaking
			now := time.Now()

			h.orch.applyStatus(tc.status, now)

			st := h.orch.State()
			require.Equal(t, tc.wantInFlight, st.InFlight)
			require.Equal(t, tc.wantSpeaking, st.AgentSpeaking)
			require.Equal(t, now, st.LastActivity)
			require.Equal(t, tc.wantListen, len(h.sink.ofType(presentation.TypeListening)) == 1)
		})
	}
}
