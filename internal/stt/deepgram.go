// Package stt streams microphone audio to Deepgram's live transcription
// socket and hands back final transcript fragments.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultURL        = "wss://api.deepgram.com/v1/listen"
	DefaultModel      = "nova-2-general"
	DefaultSampleRate = 16000
	// Deepgram drops a listen socket after roughly 10s without data.
	DefaultKeepAlive = 5 * time.Second

	keepAliveType = "KeepAlive"
)

var (
	ErrNotStarted = errors.New("stt: not started")
	ErrNoAPIKey   = errors.New("stt: no Deepgram API key configured")
)

// Fragment is one final piece of recognized caller speech.
type Fragment struct {
	Text string
	At   time.Time
}

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	// URL overrides the listen endpoint.
	URL string
	// KeepAlive is the longest the socket may go without a write before a
	// KeepAlive message is sent.
	KeepAlive time.Duration
}

// Deepgram is a live transcription session. Start opens the socket, Submit
// sends raw linear16 frames and Stop closes the stream.
type Deepgram struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	stopped   bool
	lastWrite time.Time

	fragments chan Fragment
	done      chan struct{}
	stopOnce  sync.Once

	received metric.Int64Counter
}

func New(cfg Config) *Deepgram {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	d := &Deepgram{
		cfg:       cfg,
		now:       time.Now,
		fragments: make(chan Fragment, 64),
		done:      make(chan struct{}),
	}
	d.received, _ = meter.Int64Counter("stt.fragments", metric.WithDescription("Final transcript fragments received"))
	return d
}

func (d *Deepgram) listenURL() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse listen url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("smart_format", "true")
	q.Set("endpointing", "300")
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start dials the socket and starts the reader. It fails fast; the caller
// treats a failure as fatal for the call.
func (d *Deepgram) Start(ctx context.Context) error {
	if d.cfg.APIKey == "" {
		return ErrNoAPIKey
	}
	endpoint, err := d.listenURL()
	if err != nil {
		return err
	}

	logger.Info("connecting to Deepgram", "model", d.cfg.Model)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint,
		http.Header{"Authorization": {"Token " + d.cfg.APIKey}})
	if err != nil {
		return fmt.Errorf("open socket connection to deepgram: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.lastWrite = d.now()
	d.mu.Unlock()

	go d.read(conn)
	go d.keepAlive()
	return nil
}

// keepAlive holds the socket open while no audio flows, e.g. before the call
// is started and during the greeting.
func (d *Deepgram) keepAlive() {
	ticker := time.NewTicker(d.cfg.KeepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.stopped || d.conn == nil {
				d.mu.Unlock()
				return
			}
			if d.now().Sub(d.lastWrite) >= d.cfg.KeepAlive {
				if err := d.conn.WriteJSON(struct {
					Type string `json:"type"`
				}{Type: keepAliveType}); err != nil {
					logger.Warn("deepgram keepalive failed", "error", err)
				} else {
					logger.Debug("sent deepgram keepalive")
				}
				d.lastWrite = d.now()
			}
			d.mu.Unlock()
		}
	}
}

// Submit sends one audio frame.
func (d *Deepgram) Submit(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || d.stopped {
		return ErrNotStarted
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write to deepgram: %w", err)
	}
	d.lastWrite = d.now()
	return nil
}

// Fragments delivers final transcripts in arrival order. The channel is never
// closed; stop reading once Stop has been called.
func (d *Deepgram) Fragments() <-chan Fragment { return d.fragments }

// Stop asks Deepgram to flush and closes the socket. Safe to call repeatedly
// and before Start.
func (d *Deepgram) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.done)

		d.mu.Lock()
		defer d.mu.Unlock()
		d.stopped = true
		if d.conn == nil {
			return
		}
		if werr := d.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)}); werr != nil {
			err = fmt.Errorf("close deepgram stream: %w", werr)
		}
		_ = d.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		if cerr := d.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		logger.Info("closed Deepgram socket")
	})
	return err
}

func (d *Deepgram) read(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logger.Error("deepgram read failed", "error", err)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frag, ok := ParseMessage(msg, d.now())
		if !ok {
			continue
		}
		d.received.Add(context.Background(), 1)
		logger.Debug("transcript fragment", "text", frag.Text)

		select {
		case d.fragments <- frag:
		case <-d.done:
			return
		}
	}
}

// ParseMessage extracts a fragment from a live transcription message. Only
// final results with non-blank text count.
func ParseMessage(raw []byte, at time.Time) (Fragment, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		logger.Warn("unable to parse deepgram message", "error", err)
		return Fragment{}, false
	}
	if head.Type != "" && api.TypeResponse(head.Type) != api.TypeMessageResponse {
		return Fragment{}, false
	}

	var resp api.MessageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		logger.Warn("unable to parse deepgram message", "error", err)
		return Fragment{}, false
	}
	if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
		return Fragment{}, false
	}
	text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	if text == "" {
		return Fragment{}, false
	}
	return Fragment{Text: text, At: at}, true
}
