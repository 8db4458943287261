// Package segmenter folds final transcript fragments into complete caller
// utterances. An utterance is flushed once no new fragment has arrived for the
// silence timeout.
package segmenter

import (
	"strings"
	"time"
)

const DefaultSilence = 2 * time.Second

// Segmenter buffers fragments until a quiet period. It is owned by a single
// goroutine and is not safe for concurrent use.
type Segmenter struct {
	pending []string
	last    time.Time
}

func New() *Segmenter {
	return &Segmenter{}
}

// Push appends a fragment received at now. Blank fragments are ignored.
func (s *Segmenter) Push(text string, now time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.pending = append(s.pending, text)
	s.last = now
}

// TryFlush returns the buffered utterance and clears the buffer when the
// buffer is non-empty and at least silence has passed since the last fragment.
func (s *Segmenter) TryFlush(now time.Time, silence time.Duration) (string, bool) {
	if len(s.pending) == 0 || now.Sub(s.last) < silence {
		return "", false
	}
	text := strings.Join(s.pending, " ")
	s.Reset()
	return text, true
}

// Pending reports the number of buffered fragments.
func (s *Segmenter) Pending() int { return len(s.pending) }

// LastFragment is the arrival time of the newest buffered fragment.
func (s *Segmenter) LastFragment() time.Time { return s.last }

func (s *Segmenter) Reset() {
	s.pending = s.pending[:0]
	s.last = time.Time{}
}
