// Package llm talks to the OpenAI chat completions API: the response generator
// used by the exchange engine and the end-of-call summarizer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keshucs12345/voice-receptionist/internal/exchange"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 100
)

var ErrNoAPIKey = errors.New("llm: no API key configured")

type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL     string
	Temperature float32
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

func newClient(cfg Config) *openai.Client {
	if cfg.APIKey == "" {
		return nil
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return openai.NewClientWithConfig(oc)
}

// OpenAI is the response generator. It offers every tool in tools on each call
// and lets the model choose.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	tools  []openai.Tool

	requests metric.Int64Counter
	tokens   metric.Int64Counter
}

var _ exchange.Generator = (*OpenAI)(nil)

func NewOpenAI(cfg Config, tools []exchange.ToolSpec) *OpenAI {
	cfg = cfg.withDefaults()
	g := &OpenAI{
		client: newClient(cfg),
		cfg:    cfg,
		tools:  toOpenAITools(tools),
	}
	if g.client == nil {
		logger.Warn("no OpenAI API key, every reply will use the fallback")
	}
	g.requests, _ = meter.Int64Counter("llm.requests", metric.WithDescription("Chat completion requests"))
	g.tokens, _ = meter.Int64Counter("llm.tokens", metric.WithDescription("Tokens reported by chat completions"))
	return g
}

func (g *OpenAI) Respond(ctx context.Context, history []exchange.Message) (exchange.Reply, error) {
	if g.client == nil {
		return exchange.Reply{}, ErrNoAPIKey
	}

	ctx, span := tracer.Start(ctx, "generator call")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", g.cfg.Model),
		attribute.Int("request.messages", len(history)),
	)

	req := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    toOpenAIMessages(history),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
	if len(g.tools) > 0 {
		req.Tools = g.tools
		req.ToolChoice = "auto"
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	g.requests.Add(ctx, 1)
	if err != nil {
		err = fmt.Errorf("chat completion: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return exchange.Reply{}, err
	}
	g.tokens.Add(ctx, int64(resp.Usage.TotalTokens))

	reply := fromOpenAIResponse(resp)
	logger.Info("generator response", "latency", time.Since(start), "text", reply.Text, "tool_requests", len(reply.ToolRequests))
	return reply, nil
}

func toOpenAIMessages(history []exchange.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(specs []exchange.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) exchange.Reply {
	if len(resp.Choices) == 0 {
		return exchange.Reply{}
	}
	msg := resp.Choices[0].Message
	reply := exchange.Reply{Text: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		reply.ToolRequests = append(reply.ToolRequests, exchange.ToolRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply
}
