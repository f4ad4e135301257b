package completion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"coursechat/internal/metrics"
	"coursechat/internal/poll"
	"coursechat/internal/provider"
	"coursechat/internal/settings"
	"coursechat/internal/transcript"
)

type AssistantConfig struct {
	Client Caller
	Quota  QuotaChecker
	Clock  poll.Clock

	MessageInterval time.Duration
	MessageTimeout  time.Duration
	RunInterval     time.Duration
	RunTimeout      time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Assistant drives a provider thread: create it if needed, post the message, wait until the
// message is visible, start a run, poll the run, then read the newest assistant message.
//
// Two requests on the same thread are not serialized here. If a user submits twice before the
// first run finishes, the provider's own one-active-run-per-thread rule is the only guard, and
// the second request usually ends with a provider error in-band.
type Assistant struct {
	client  Caller
	quota   QuotaChecker
	clock   poll.Clock
	cfg     AssistantConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewAssistant(cfg AssistantConfig) *Assistant {
	if cfg.Clock == nil {
		cfg.Clock = poll.System
	}
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = 300 * time.Millisecond
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 5 * time.Second
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = 500 * time.Millisecond
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 20 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("coursechat/completion")
	}
	return &Assistant{
		client:  cfg.Client,
		quota:   cfg.Quota,
		clock:   cfg.Clock,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("strategy", settings.TypeAssistant).Logger(),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

func (a *Assistant) Name() string { return settings.TypeAssistant }

type idOnly struct {
	ID string `json:"id"`
}

type runState struct {
	ID     string           `json:"id"`
	Status openai.RunStatus `json:"status"`
}

func (a *Assistant) CreateCompletion(ctx context.Context, req Request) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "assistant.completion", trace.WithAttributes(
		attribute.Int64("instance_id", req.InstanceID),
		attribute.Bool("new_thread", req.ThreadID == ""),
	))
	defer span.End()

	log := a.logger.With().Int64("instance_id", req.InstanceID).Int64("user_id", req.UserID).Logger()

	allowed, err := a.quota.Allow(ctx, req.Settings.QuestionLimit, req.InstanceID, req.UserID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("check quota: %w", err)
	}
	if !allowed {
		return a.finish(span, Result{Message: MsgNoQuestionsLeft, ThreadID: req.ThreadID, Outcome: OutcomeQuotaExhausted}), nil
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID, err = a.createThread(ctx, req.InstanceID)
		if err != nil {
			log.Error().Err(err).Msg("create thread failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, "thread setup")
			return Result{}, err
		}
		log.Debug().Str("thread_id", threadID).Msg("thread created")
	}
	span.SetAttributes(attribute.String("thread_id", threadID))
	log = log.With().Str("thread_id", threadID).Logger()

	messageID, err := a.postMessage(ctx, req.InstanceID, threadID, req.Message)
	if err != nil {
		log.Error().Err(err).Msg("post message failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "thread setup")
		return Result{}, err
	}

	if res, ok := a.waitForMessage(ctx, req.InstanceID, threadID, messageID); !ok {
		log.Warn().Str("outcome", string(res.Outcome)).Str("message_id", messageID).Msg("message not confirmed")
		return a.finish(span, res), nil
	}

	runID, res, ok := a.startRun(ctx, req.InstanceID, threadID, req.Settings)
	if !ok {
		log.Warn().Str("outcome", string(res.Outcome)).Msg("run not started")
		return a.finish(span, res), nil
	}

	if res, ok := a.waitForRun(ctx, req.InstanceID, threadID, runID); !ok {
		log.Warn().Str("outcome", string(res.Outcome)).Str("run_id", runID).Msg("run did not complete")
		return a.finish(span, res), nil
	}

	res = a.fetchReply(ctx, req.InstanceID, threadID)
	log.Debug().Str("outcome", string(res.Outcome)).Str("run_id", runID).Msg("assistant completion finished")
	return a.finish(span, res), nil
}

func (a *Assistant) finish(span trace.Span, res Result) Result {
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	a.metrics.Completions.WithLabelValues(settings.TypeAssistant, string(res.Outcome)).Inc()
	return res
}

func (a *Assistant) createThread(ctx context.Context, instanceID int64) (string, error) {
	ctx, span := a.tracer.Start(ctx, "assistant.create_thread")
	defer span.End()

	resp, err := a.client.Call(ctx, "/threads", instanceID, struct{}{}, provider.BetaHeaders)
	if err != nil {
		return "", fmt.Errorf("%w: create thread: %w", ErrThreadSetup, err)
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		return "", fmt.Errorf("%w: create thread: %s", ErrThreadSetup, apiErr.Message)
	}
	var out idOnly
	if err := resp.Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: create thread: missing thread id", ErrThreadSetup)
	}
	return out.ID, nil
}

func (a *Assistant) postMessage(ctx context.Context, instanceID int64, threadID, message string) (string, error) {
	ctx, span := a.tracer.Start(ctx, "assistant.post_message")
	defer span.End()

	payload := map[string]string{"role": openai.ChatMessageRoleUser, "content": message}
	resp, err := a.client.Call(ctx, threadPath(threadID, "messages"), instanceID, payload, provider.BetaHeaders)
	if err != nil {
		return "", fmt.Errorf("%w: post message: %w", ErrThreadSetup, err)
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		return "", fmt.Errorf("%w: post message: %s", ErrThreadSetup, apiErr.Message)
	}
	var out idOnly
	if err := resp.Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: post message: missing message id", ErrThreadSetup)
	}
	return out.ID, nil
}

// stopPolling carries an in-band result out of a poll loop.
type stopPolling struct {
	result Result
}

func (s *stopPolling) Error() string { return string(s.result.Outcome) }

func (a *Assistant) waitForMessage(ctx context.Context, instanceID int64, threadID, messageID string) (Result, bool) {
	ctx, span := a.tracer.Start(ctx, "assistant.confirm_message")
	defer span.End()

	attempts := a.metrics.PollAttempts.WithLabelValues("message")
	err := poll.Until(func() (bool, error) {
		attempts.Inc()
		resp, res, ok := a.call(ctx, threadPath(threadID, "messages"), instanceID, nil, threadID)
		if !ok {
			return false, &stopPolling{res}
		}
		var list openai.MessagesList
		if err := resp.Decode(&list); err != nil {
			return false, nil
		}
		for _, m := range list.Messages {
			if m.ID == messageID {
				return true, nil
			}
		}
		return false, nil
	}, a.cfg.MessageInterval, a.cfg.MessageTimeout, a.clock)

	return a.pollResult(err, threadID, Result{Message: MsgMessageNotPersisted, ThreadID: threadID, Outcome: OutcomeMessageNotPersisted})
}

func (a *Assistant) startRun(ctx context.Context, instanceID int64, threadID string, eff settings.Effective) (string, Result, bool) {
	ctx, span := a.tracer.Start(ctx, "assistant.start_run")
	defer span.End()

	instructions := eff.Instructions
	if instructions == "" {
		instructions = settings.DefaultInstructions
	}
	payload := map[string]string{"assistant_id": eff.AssistantID, "instructions": instructions}
	resp, res, ok := a.call(ctx, threadPath(threadID, "runs"), instanceID, payload, threadID)
	if !ok {
		return "", res, false
	}
	var run runState
	if err := resp.Decode(&run); err != nil || run.ID == "" {
		return "", Result{Message: MsgUnavailable, ThreadID: threadID, Outcome: OutcomeUnavailable}, false
	}
	span.SetAttributes(attribute.String("run_id", run.ID))
	return run.ID, Result{}, true
}

func (a *Assistant) waitForRun(ctx context.Context, instanceID int64, threadID, runID string) (Result, bool) {
	ctx, span := a.tracer.Start(ctx, "assistant.poll_run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	attempts := a.metrics.PollAttempts.WithLabelValues("run")
	err := poll.Until(func() (bool, error) {
		attempts.Inc()
		resp, res, ok := a.call(ctx, threadPath(threadID, "runs", runID), instanceID, nil, threadID)
		if !ok {
			return false, &stopPolling{res}
		}
		var run runState
		if err := resp.Decode(&run); err != nil {
			return false, nil
		}
		switch run.Status {
		case openai.RunStatusCompleted:
			return true, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			return false, &stopPolling{Result{
				Message:  fmt.Sprintf(runFailedFormat, run.Status),
				ThreadID: threadID,
				Outcome:  OutcomeRunFailed,
			}}
		default:
			return false, nil
		}
	}, a.cfg.RunInterval, a.cfg.RunTimeout, a.clock)

	return a.pollResult(err, threadID, Result{Message: MsgRunTimedOut, ThreadID: threadID, Outcome: OutcomeRunTimedOut})
}

func (a *Assistant) pollResult(err error, threadID string, onTimeout Result) (Result, bool) {
	if err == nil {
		return Result{}, true
	}
	var stop *stopPolling
	if errors.As(err, &stop) {
		return stop.result, false
	}
	if errors.Is(err, poll.ErrTimeout) {
		return onTimeout, false
	}
	return Result{Message: MsgUnavailable, ThreadID: threadID, Outcome: OutcomeUnavailable}, false
}

func (a *Assistant) fetchReply(ctx context.Context, instanceID int64, threadID string) Result {
	ctx, span := a.tracer.Start(ctx, "assistant.fetch_reply")
	defer span.End()

	resp, res, ok := a.call(ctx, threadPath(threadID, "messages"), instanceID, nil, threadID)
	if !ok {
		return res
	}
	var list openai.MessagesList
	if err := resp.Decode(&list); err != nil {
		return Result{Message: MsgUnavailable, ThreadID: threadID, Outcome: OutcomeUnavailable}
	}
	for _, m := range list.Messages {
		if m.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if text := transcript.Text(m); text != "" {
			return Result{ID: m.ID, Message: text, ThreadID: threadID, Outcome: OutcomeAnswered}
		}
	}
	return Result{Message: MsgNoAssistantMessage, ThreadID: threadID, Outcome: OutcomeNoAssistantMessage}
}

// call issues one provider request after the thread is set up. Failures become in-band results.
func (a *Assistant) call(ctx context.Context, path string, instanceID int64, payload any, threadID string) (provider.Response, Result, bool) {
	resp, err := a.client.Call(ctx, path, instanceID, payload, provider.BetaHeaders)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", path).Msg("provider call failed")
		return provider.Response{}, Result{Message: MsgUnavailable, ThreadID: threadID, Outcome: OutcomeUnavailable}, false
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		return provider.Response{}, Result{Message: apiErr.Message, ThreadID: threadID, Outcome: OutcomeProviderError}, false
	}
	return resp, Result{}, true
}

func threadPath(threadID string, parts ...string) string {
	p := "/threads/" + url.PathEscape(threadID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
