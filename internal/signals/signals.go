// Package signals holds the boolean flags shared between the orchestrator and
// the speech worker. A flag is not a queue: setting it twice is the same as
// setting it once, and every reader sees the set state until it is cleared.
package signals

import (
	"context"
	"sync"
	"time"
)

// Flag is a settable, clearable boolean that readers can also wait on.
type Flag struct {
	name string

	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewFlag returns a cleared flag.
func NewFlag(name string) *Flag {
	return &Flag{name: name, ch: make(chan struct{})}
}

func (f *Flag) Name() string { return f.name }

// Set marks the flag. It reports whether this call changed the state.
func (f *Flag) Set() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return false
	}
	f.set = true
	close(f.ch)
	return true
}

// Clear resets the flag so it can be used again.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return
	}
	f.set = false
	f.ch = make(chan struct{})
}

func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// C returns a channel that is closed while the flag is set. A channel obtained
// before a Clear stays closed; fetch a fresh one after clearing.
func (f *Flag) C() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// Wait blocks until the flag is set, ctx ends, or timeout elapses (zero means
// no timeout). It reports whether the flag was observed set.
func (f *Flag) Wait(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-f.C():
		return true
	case <-ctx.Done():
		return f.IsSet()
	case <-expired:
		return f.IsSet()
	}
}

// Set bundles the three flags of one call.
type Set struct {
	// Terminate is global and irreversible for the call.
	Terminate *Flag
	// StopSpeaking interrupts the utterance currently being played.
	StopSpeaking *Flag
	// Start gates the conversation until it is triggered externally.
	Start *Flag
}

// NewSet returns three independent cleared flags.
func NewSet() Set {
	return Set{
		Terminate:    NewFlag("terminate"),
		StopSpeaking: NewFlag("stop_speaking"),
		Start:        NewFlag("start"),
	}
}

// Shutdown sets every flag so any waiting context unblocks.
func (s Set) Shutdown() {
	s.Terminate.Set()
	s.StopSpeaking.Set()
	s.Start.Set()
}

// WaitStart blocks until Start or Terminate is set or ctx ends. It reports
// whether the conversation should go ahead.
func (s Set) WaitStart(ctx context.Context) bool {
	select {
	case <-s.Start.C():
	case <-s.Terminate.C():
	case <-ctx.Done():
	}
	return s.Start.IsSet() && !s.Terminate.IsSet() && ctx.Err() == nil
}
