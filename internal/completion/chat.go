package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"coursechat/internal/metrics"
	"coursechat/internal/settings"
	"coursechat/internal/transcript"
)

const sourceOfTruthPreamble = "Below is a list of questions and their answers. This information should be used as a reference for any inquiries:\n\n"

type ChatConfig struct {
	Client  Caller
	Quota   QuotaChecker
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Chat is the stateless strategy: the whole conversation is flattened into one prompt.
type Chat struct {
	client  Caller
	quota   QuotaChecker
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewChat(cfg ChatConfig) *Chat {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("coursechat/completion")
	}
	return &Chat{
		client:  cfg.Client,
		quota:   cfg.Quota,
		logger:  cfg.Logger.With().Str("strategy", settings.TypeChat).Logger(),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

func (c *Chat) Name() string { return settings.TypeChat }

func (c *Chat) CreateCompletion(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "chat.completion", trace.WithAttributes(
		attribute.Int64("instance_id", req.InstanceID),
		attribute.String("model", req.Settings.Model),
	))
	defer span.End()

	allowed, err := c.quota.Allow(ctx, req.Settings.QuestionLimit, req.InstanceID, req.UserID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("check quota: %w", err)
	}
	if !allowed {
		return c.finish(span, Result{Message: MsgNoQuestionsLeft, Outcome: OutcomeQuotaExhausted}), nil
	}

	payload := ChatPayload(req.Settings, BuildPrompt(req.Settings, req.History, req.Message))
	resp, err := c.client.Call(ctx, "/chat/completions", req.InstanceID, payload, nil)
	if err != nil {
		c.logger.Warn().Err(err).Int64("instance_id", req.InstanceID).Msg("chat completion call failed")
		return c.finish(span, Result{Message: MsgUnavailable, Outcome: OutcomeUnavailable}), nil
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		c.logger.Warn().Str("provider_error", apiErr.Message).Int64("instance_id", req.InstanceID).Msg("chat completion rejected")
		return c.finish(span, Result{Message: apiErr.Message, Outcome: OutcomeProviderError}), nil
	}

	var out openai.ChatCompletionResponse
	if err := resp.Decode(&out); err != nil || len(out.Choices) == 0 {
		return c.finish(span, Result{Message: MsgNoCompletion, Outcome: OutcomeNoCompletion}), nil
	}
	return c.finish(span, Result{ID: out.ID, Message: out.Choices[0].Message.Content, Outcome: OutcomeAnswered}), nil
}

func (c *Chat) finish(span trace.Span, res Result) Result {
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	c.metrics.Completions.WithLabelValues(settings.TypeChat, string(res.Outcome)).Inc()
	return res
}

// BuildPrompt flattens preamble, reference material, history and the new message into the
// labeled transcript the model continues.
func BuildPrompt(eff settings.Effective, history []transcript.Turn, message string) string {
	var b strings.Builder
	b.WriteString(eff.Prompt)
	b.WriteString("\n\n")
	if sot := strings.TrimSpace(eff.SourceOfTruth); sot != "" {
		b.WriteString(sourceOfTruthPreamble)
		b.WriteString(sot)
		b.WriteString("\n\n")
	}
	b.WriteString(transcript.Serialize(history, eff.AssistantName, eff.UserName))
	b.WriteString(eff.UserName)
	b.WriteString(": ")
	b.WriteString(message)
	b.WriteString("\n")
	b.WriteString(eff.AssistantName)
	b.WriteString(":")
	return b.String()
}

// ChatPayload builds the request body. Advanced parameters are merged last and win.
func ChatPayload(eff settings.Effective, prompt string) map[string]any {
	payload := map[string]any{
		"model": eff.Model,
		"messages": []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		"temperature":       eff.Temperature,
		"max_tokens":        eff.MaxTokens,
		"top_p":             eff.TopP,
		"frequency_penalty": eff.FrequencyPenalty,
		"presence_penalty":  eff.PresencePenalty,
	}
	for k, v := range eff.Advanced {
		payload[k] = v
	}
	return payload
}
