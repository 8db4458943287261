// Package exchange runs one caller utterance through the response generator,
// dispatching the tools it asks for until it produces a plain answer.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxRounds   = 5
	DefaultEndCallTool = "end_conversation"
	DefaultTimeout     = 20 * time.Second

	FallbackText  = "Sorry, I'm having trouble right now. Could you please say that again?"
	TruncatedText = "Sorry, that took longer than expected. Could you tell me again what you need?"
)

// ToolRequest is a tool call asked for by the generator. Arguments is the raw
// JSON object text.
type ToolRequest struct {
	ID        string
	Name      string
	Arguments string
}

// Reply is one generator round.
type Reply struct {
	Text         string
	ToolRequests []ToolRequest
}

// ToolSpec describes a tool to the generator. Parameters is a JSON schema
// value that marshals to an object schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  any
}

// Generator produces the next assistant reply for a history.
type Generator interface {
	Respond(ctx context.Context, history []Message) (Reply, error)
}

// Dispatcher runs a named tool. It never fails past its boundary; problems
// come back as a structured result.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) map[string]any
}

// ToolInvocation records one dispatched tool call.
type ToolInvocation struct {
	Function  string         `json:"function"`
	Arguments map[string]any `json:"arguments"`
	Result    map[string]any `json:"result"`
	EndCall   bool           `json:"end_call,omitempty"`
}

// Result is the outcome of one exchange.
type Result struct {
	Text        string
	Invocations []ToolInvocation
	EndCall     bool
	// Rounds counts tool rounds, not generator calls.
	Rounds int
	// Truncated is set when the round bound cut the exchange short.
	Truncated bool
	// Fallback is set when the generator failed and FallbackText was used.
	Fallback bool
}

// Engine runs bounded tool-calling exchanges.
type Engine struct {
	gen         Generator
	tools       Dispatcher
	maxRounds   int
	endCallTool string
	timeout     time.Duration

	toolCalls metric.Int64Counter
	fallbacks metric.Int64Counter
}

type Option func(*Engine)

func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

func WithEndCallTool(name string) Option {
	return func(e *Engine) { e.endCallTool = name }
}

// WithTimeout bounds every single generator call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(gen Generator, tools Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		gen:         gen,
		tools:       tools,
		maxRounds:   DefaultMaxRounds,
		endCallTool: DefaultEndCallTool,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.toolCalls, _ = meter.Int64Counter("exchange.tool_calls", metric.WithDescription("Tools dispatched by the exchange engine"))
	e.fallbacks, _ = meter.Int64Counter("exchange.fallbacks", metric.WithDescription("Exchanges answered with the fallback text"))
	return e
}

// Run appends userText to history and drives the generator until it answers
// without tool requests or the round bound is reached. It never returns an
// error: a failing generator yields FallbackText.
func (e *Engine) Run(ctx context.Context, userText string, history *History) Result {
	ctx, span := tracer.Start(ctx, "exchange run")
	defer span.End()

	history.Append(Message{Role: RoleUser, Content: userText})

	var (
		invocations []ToolInvocation
		endCall     bool
		rounds      int
	)

	reply, err := e.respond(ctx, history)
	for err == nil && len(reply.ToolRequests) > 0 && rounds < e.maxRounds {
		rounds++
		history.Append(Message{Role: RoleAssistant, Content: reply.Text, ToolCalls: reply.ToolRequests})

		for _, req := range reply.ToolRequests {
			inv := e.invoke(ctx, req)
			if inv.EndCall {
				endCall = true
			}
			invocations = append(invocations, inv)

			content, mErr := json.Marshal(inv.Result)
			if mErr != nil {
				content = []byte(fmt.Sprintf(`{"status":"error","message":%q}`, mErr.Error()))
			}
			history.Append(Message{Role: RoleTool, Content: string(content), ToolCallID: req.ID})
		}

		reply, err = e.respond(ctx, history)
	}

	if err != nil {
		logger.Error("generator failed, using fallback", "error", err, "rounds", rounds)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fallbacks.Add(ctx, 1)
		history.Append(Message{Role: RoleAssistant, Content: FallbackText})
		return Result{Text: FallbackText, Rounds: rounds, Fallback: true}
	}

	result := Result{Text: reply.Text, Invocations: invocations, EndCall: endCall, Rounds: rounds}
	if len(reply.ToolRequests) > 0 {
		// Still asking for tools after the last allowed round.
		result.Truncated = true
		logger.Warn("tool round bound reached, dropping pending requests",
			"rounds", rounds, "pending", len(reply.ToolRequests))
		if result.Text == "" {
			result.Text = TruncatedText
		}
	}
	history.Append(Message{Role: RoleAssistant, Content: result.Text})

	span.SetAttributes(
		attribute.Int("exchange.rounds", rounds),
		attribute.Int("exchange.tool_calls", len(invocations)),
		attribute.Bool("exchange.end_call", endCall),
		attribute.Bool("exchange.truncated", result.Truncated),
	)
	return result
}

func (e *Engine) respond(ctx context.Context, history *History) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	reply, err := e.gen.Respond(ctx, history.Messages())
	if err != nil {
		return Reply{}, fmt.Errorf("generator respond: %w", err)
	}
	logger.Debug("generator replied", "latency", time.Since(start), "tool_requests", len(reply.ToolRequests))
	return reply, nil
}

func (e *Engine) invoke(ctx context.Context, req ToolRequest) ToolInvocation {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", req.Name))
	e.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool.name", req.Name)))

	inv := ToolInvocation{Function: req.Name, Arguments: map[string]any{}, EndCall: req.Name == e.endCallTool}
	if req.Arguments != "" {
		if err := json.Unmarshal([]byte(req.Arguments), &inv.Arguments); err != nil {
			err = fmt.Errorf("invalid arguments for tool %q: %w", req.Name, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("tool arguments rejected", "tool", req.Name, "error", err)
			inv.Arguments = map[string]any{}
			inv.Result = map[string]any{"status": "error", "message": err.Error()}
			return inv
		}
		if inv.Arguments == nil {
			inv.Arguments = map[string]any{}
		}
	}

	inv.Result = e.tools.Dispatch(ctx, req.Name, inv.Arguments)
	if inv.Result == nil {
		inv.Result = map[string]any{"status": "error", "message": "tool returned no result"}
	}
	logger.Info("tool call", "tool", req.Name, "arguments", inv.Arguments, "status", inv.Result["status"])
	return inv
}
