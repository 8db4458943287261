// Package protocol defines the messages exchanged between the orchestrator and
// the speech worker and the FIFO queues that carry them.
package protocol

import (
	"context"
	"errors"
	"sync"
	"time"
)

type CommandAction string

const (
	ActionSpeak     CommandAction = "speak"
	ActionTerminate CommandAction = "terminate"
)

// Command travels orchestrator -> speech worker.
type Command struct {
	Action CommandAction `json:"action"`
	Text   string        `json:"text,omitempty"`
	TurnID int           `json:"turn_id,omitempty"`
}

func Speak(text string, turnID int) Command {
	return Command{Action: ActionSpeak, Text: text, TurnID: turnID}
}

func Terminate() Command { return Command{Action: ActionTerminate} }

type StatusAction string

const (
	StatusSpeaking     StatusAction = "speaking"
	StatusDoneSpeaking StatusAction = "done_speaking"
	StatusInterrupted  StatusAction = "interrupted"
	StatusReady        StatusAction = "ready"
)

// Status travels speech worker -> orchestrator.
type Status struct {
	Action StatusAction `json:"action"`
	TurnID int          `json:"turn_id,omitempty"`
}

// Terminal reports whether the status ends an utterance.
func (s Status) Terminal() bool {
	return s.Action == StatusDoneSpeaking || s.Action == StatusInterrupted
}

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO. Sends never block; a failed send is reported to the
// caller, which logs it. Delivery is at most once.
type Queue[T any] struct {
	ch chan T

	mu     sync.RWMutex
	closed bool
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TrySend enqueues v without blocking.
func (q *Queue[T]) TrySend(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain returns every queued item in arrival order without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

// Receive waits for the next item until timeout elapses or ctx ends.
func (q *Queue[T]) Receive(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v, ok := <-q.ch:
		return v, ok
	case <-t.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// C exposes the receive side for select statements.
func (q *Queue[T]) C() <-chan T { return q.ch }

func (q *Queue[T]) Len() int { return len(q.ch) }

// Close stops further sends. Items already queued can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
