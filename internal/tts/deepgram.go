// Package tts turns agent text into linear16 PCM with Deepgram's speak API.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultURL        = "https://api.deepgram.com/v1/speak"
	DefaultVoice      = "aura-asteria-en"
	DefaultSampleRate = 16000
	// DefaultChunkSize is 160 ms of 16 kHz mono linear16.
	DefaultChunkSize = 5120
)

var ErrNoAPIKey = errors.New("tts: no Deepgram API key configured")

type Config struct {
	APIKey     string
	Voice      string
	SampleRate int
	ChunkSize  int
	// URL overrides the speak endpoint.
	URL string
}

type Deepgram struct {
	cfg    Config
	client *http.Client

	bytesOut metric.Int64Counter
}

// New validates only that a key is configured; it makes no request. A key
// Deepgram rejects surfaces as the error of the first Synthesize.
func New(cfg Config) (*Deepgram, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	t := &Deepgram{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	t.bytesOut, _ = meter.Int64Counter("tts.bytes", metric.WithDescription("PCM bytes synthesized"))
	return t, nil
}

type speakPayload struct {
	Text string `json:"text"`
}

func (t *Deepgram) request(ctx context.Context, text string) (*http.Request, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse speak url: %w", err)
	}
	q := u.Query()
	q.Set("model", t.cfg.Voice)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(t.cfg.SampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(speakPayload{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Synthesize streams the spoken text as fixed-size PCM chunks; only the last
// one may be shorter. Nothing is requested until the sequence is iterated and
// the response body is abandoned as soon as the caller stops.
func (t *Deepgram) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, span := tracer.Start(ctx, "synthesize")
		defer span.End()
		span.SetAttributes(attribute.Int("tts.text_length", len(text)))

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		req, err := t.request(ctx, text)
		if err != nil {
			fail(fmt.Errorf("build speak request: %w", err))
			return
		}
		resp, err := t.client.Do(req)
		if err != nil {
			fail(fmt.Errorf("deepgram speak: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			fail(fmt.Errorf("deepgram speak: status %d: %s", resp.StatusCode, string(b)))
			return
		}

		total := 0
		for {
			chunk := make([]byte, t.cfg.ChunkSize)
			n, err := io.ReadFull(resp.Body, chunk)
			if n > 0 {
				total += n
				t.bytesOut.Add(ctx, int64(n))
				if !yield(chunk[:n], nil) {
					span.SetAttributes(attribute.Bool("tts.abandoned", true), attribute.Int("tts.bytes", total))
					return
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				span.SetAttributes(attribute.Int("tts.bytes", total))
				return
			default:
				fail(fmt.Errorf("read speak audio: %w", err))
				return
			}
		}
	}
}
