package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const summaryPrompt = `You are a conversation summarizer for a clinic/office reception AI.

Given the transcript of a phone call between an AI receptionist and a caller, produce a structured summary.

Output format (plain text, not JSON):

CALLER INTENT: What the caller wanted (1 line)
ACTIONS TAKEN: List any appointments booked, cancelled, checked, or slots queried. Include appointment IDs, dates, times, names if available. Say "None" if no actions were taken.
KEY DETAILS: Important info mentioned (names, dates, special requests, concerns)
OUTCOME: How the call ended (resolved, pending, caller hung up, etc.)
DURATION: {turn_count} turns

Keep each section to 1-2 sentences max. Be factual, not flowery.`

const NoConversation = "No conversation to summarize."

// Summarizer writes the end-of-call summary. Without an API key, or when the
// request fails, it builds a plain offline summary from the transcript.
type Summarizer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewSummarizer(cfg Config) *Summarizer {
	cfg = cfg.withDefaults()
	return &Summarizer{client: newClient(cfg), model: cfg.Model, timeout: 30 * time.Second}
}

// Summarize never fails; the worst case is the offline summary.
func (s *Summarizer) Summarize(ctx context.Context, transcript string, turnCount int) string {
	if strings.TrimSpace(transcript) == "" {
		return NoConversation
	}
	if s.client == nil {
		logger.Warn("no OpenAI API key, using offline summary")
		return OfflineSummary(transcript, turnCount)
	}

	ctx, span := tracer.Start(ctx, "summarize call")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: strings.ReplaceAll(summaryPrompt, "{turn_count}", strconv.Itoa(turnCount))},
			{Role: openai.ChatMessageRoleUser, Content: "Transcript:\n\n" + transcript},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil || len(resp.Choices) == 0 {
		if err == nil {
			err = fmt.Errorf("empty completion")
		}
		span.RecordError(err)
		logger.Error("summary generation failed", "error", err)
		return OfflineSummary(transcript, turnCount)
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	logger.Info("summary generated", "latency", time.Since(start), "chars", len(summary))
	return summary
}

// OfflineSummary is a best-effort summary built without a model.
func OfflineSummary(transcript string, turnCount int) string {
	var caller []string
	tools := 0
	for _, line := range strings.Split(strings.TrimSpace(transcript), "\n") {
		switch trimmed := strings.TrimSpace(line); {
		case strings.HasPrefix(trimmed, "Caller:"):
			caller = append(caller, trimmed)
		case strings.HasPrefix(trimmed, "[Tool"):
			tools++
		}
	}

	intent := "Unknown"
	if len(caller) > 0 {
		intent = caller[0]
	}
	actions := "None"
	if tools > 0 {
		actions = fmt.Sprintf("%d tool call(s) made", tools)
	}
	return strings.Join([]string{
		"CALLER INTENT: " + intent,
		"ACTIONS TAKEN: " + actions,
		fmt.Sprintf("KEY DETAILS: %d conversation turns", turnCount),
		"OUTCOME: Conversation ended",
		fmt.Sprintf("DURATION: %d turns", turnCount),
		"",
		"(Note: Detailed summary unavailable, no OPENAI_API_KEY configured)",
	}, "\n")
}
