// Package agent wraps the model provider behind the streaming interface the
// grading core consumes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "agent",
		Name:      "run_duration_seconds",
		Help:      "Duration of streamed agent grading runs",
	}, []string{"model"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "agent",
		Name:      "run_failures_total",
		Help:      "Number of failed agent grading runs",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI runner.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIRunner implements Runner against the OpenAI chat completion API
// using server-side streaming.
type OpenAIRunner struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIRunner builds a new runner using the provided configuration.
func NewOpenAIRunner(cfg OpenAIConfig) (*OpenAIRunner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-grader/pkg/agent/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIRunner{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.With().Str("component", "agent_runner").Logger(),
	}, nil
}

// Run streams the grading conversation, forwarding each delta as a token
// event. On a clean end of stream the accumulated content is delivered once
// more through the summary channel so the session can reconcile whichever
// representation parsed first.
func (r *OpenAIRunner) Run(parent context.Context, sessionID, prompt string, events Events) error {
	ctx, span := r.tracer.Start(parent, "agent.run", trace.WithAttributes(
		attribute.String("model", r.cfg.Model),
		attribute.String("session_id", sessionID),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: gradingSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		runFailures.WithLabelValues(r.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		events.Error(sessionID, err.Error())
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			runDuration.WithLabelValues(r.cfg.Model).Observe(time.Since(start).Seconds())
			if ctx.Err() != nil {
				span.SetAttributes(attribute.Bool("aborted", true))
				events.Aborted(sessionID, "run cancelled")
				return ctx.Err()
			}
			runFailures.WithLabelValues(r.cfg.Model).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			events.Error(sessionID, err.Error())
			return fmt.Errorf("openai stream recv: %w", err)
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		events.Token(sessionID, delta)
	}

	runDuration.WithLabelValues(r.cfg.Model).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("content_length", content.Len()))
	events.Done(sessionID, content.String())

	return nil
}

func gradingSystemPrompt() string {
	return "You are an automated grader for student document submissions. Review the document element by element. " +
		"For each issue emit a JSON object with elementType, elementIndex, color (red, yellow or green) and comment. " +
		"Finish with a single JSON object containing comments (the array of all feedback objects), overallScore " +
		"(integer 0-100) and shortFeedback. Emit JSON only, no prose."
}

// BuildPrompt renders the grading request for one document.
func BuildPrompt(input PromptInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Assignment\n")
	builder.WriteString(input.AssignmentTitle)
	if input.Instructions != "" {
		builder.WriteString("\n\n## Grading Instructions\n")
		builder.WriteString(input.Instructions)
	}
	builder.WriteString("\n\n## Document Elements\n")
	types := make([]string, 0, len(input.ElementCounts))
	for elementType := range input.ElementCounts {
		types = append(types, elementType)
	}
	sort.Strings(types)
	for _, elementType := range types {
		builder.WriteString(fmt.Sprintf("%s: %d\n", elementType, input.ElementCounts[elementType]))
	}
	builder.WriteString("\n## Document\n")
	builder.WriteString(input.DocumentText)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}
