// Package audio captures microphone frames and plays agent speech through
// PortAudio, both as 16 kHz mono linear16.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	SampleRate      = 16000
	Channels        = 1
	FramesPerBuffer = 1024
)

// Init must be called once before opening any device.
func Init() error {
	logger.Info("initializing PortAudio")
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	return nil
}

func Shutdown() {
	logger.Info("terminating PortAudio")
	if err := portaudio.Terminate(); err != nil {
		logger.Error("terminate portaudio", "error", err)
	}
}

// Mic reads fixed-size frames from the default input device.
type Mic struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	closed bool
	// tap receives a copy of every frame when set.
	tap io.Writer
}

type MicOption func(*Mic)

// WithTap copies every captured frame to w, e.g. a raw PCM file.
func WithTap(w io.Writer) MicOption {
	return func(m *Mic) { m.tap = w }
}

func OpenMic(opts ...MicOption) (*Mic, error) {
	m := &Mic{buffer: make([]int16, FramesPerBuffer)}
	for _, opt := range opts {
		opt(m)
	}
	stream, err := portaudio.OpenDefaultStream(Channels, 0, SampleRate, len(m.buffer), &m.buffer)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.stream = stream
	return m, nil
}

// ReadFrame blocks for one buffer of audio. It returns io.EOF once the mic is
// closed or ctx is done.
func (m *Mic) ReadFrame(ctx context.Context) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, io.EOF
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, io.EOF
	}
	if err := m.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			logger.Debug("mic input overflowed")
		} else {
			return nil, fmt.Errorf("mic read: %w", err)
		}
	}
	frame := Int16ToBytes(m.buffer)
	if m.tap != nil {
		if _, err := m.tap.Write(frame); err != nil {
			logger.Warn("mic tap write failed", "error", err)
		}
	}
	return frame, nil
}

func (m *Mic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	_ = m.stream.Stop()
	return m.stream.Close()
}

// Speaker plays PCM chunks on the default output device. The stream is opened
// lazily and kept open between utterances.
type Speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
}

func NewSpeaker() *Speaker {
	return &Speaker{buffer: make([]int16, FramesPerBuffer)}
}

func (s *Speaker) open() error {
	if s.stream != nil {
		return nil
	}
	stream, err := portaudio.OpenDefaultStream(0, Channels, SampleRate, len(s.buffer), &s.buffer)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start speaker: %w", err)
	}
	s.stream = stream
	return nil
}

// Play blocks until chunk has been handed to the device.
func (s *Speaker) Play(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	samples := BytesToInt16(chunk)
	for off := 0; off < len(samples); {
		n := copy(s.buffer, samples[off:])
		clear(s.buffer[n:])
		off += n
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("speaker write: %w", err)
		}
	}
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	_ = s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	return err
}
