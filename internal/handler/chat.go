package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"coursechat/internal/completion"
	"coursechat/internal/metrics"
	"coursechat/internal/middleware"
	"coursechat/internal/provider"
	"coursechat/internal/queue"
	"coursechat/internal/quota"
	"coursechat/internal/render"
	"coursechat/internal/settings"
	"coursechat/internal/storage"
	"coursechat/internal/threads"
	"coursechat/internal/transcript"
)

const (
	MsgAPIKeyMissing = "Please add your OpenAI API key to the activity settings."
	MsgErrorOccurred = "An error occurred. Please try again later."
	MsgDisclaimer    = "Attention! In this chat you communicate with an AI model. All information you enter here is sent to OpenAI and all information you receive in the chat comes from OpenAI. The AI can make mistakes. Please check important information yourself."
	MsgTermsOfUse    = `Please read the <a href="https://openai.com/policies/terms-of-use" target="_blank">OpenAI Terms of Use</a> carefully before using this activity. By clicking "Accept", you agree to comply with and be bound by these terms. If you do not agree to these terms, click "Decline" and you will not be able to use this activity.`
)

type ChatConfig struct {
	Settings    *settings.Resolver
	Registry    *completion.Registry
	Provider    completion.Caller
	Quota       *quota.Gate
	Store       *storage.Store
	RateLimiter *queue.RateLimiter
	LogQueue    *queue.StreamQueue
	Threads     *threads.Store
	Markdown    *render.Markdown

	ChargeOnPartialFailure bool
	MaxHistoryTurns        int
	RequireTerms           bool

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// ChatHandler serves the widget endpoints.
type ChatHandler struct {
	cfg     ChatConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewChatHandler(cfg ChatConfig) *ChatHandler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Markdown == nil {
		cfg.Markdown = render.NewMarkdown()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &ChatHandler{cfg: cfg, logger: cfg.Logger.With().Str("component", "chat").Logger(), metrics: m}
}

type completionRequest struct {
	SessKey  string                    `json:"sesskey"`
	Message  string                    `json:"message"`
	History  []transcript.HistoryEntry `json:"history"`
	ModID    json.Number               `json:"modId"`
	ThreadID string                    `json:"threadId"`
}

type completionResponse struct {
	ID       *string `json:"id"`
	Message  string  `json:"message"`
	ThreadID *string `json:"threadId"`
}

// Completion handles POST /api/completion
func (h *ChatHandler) Completion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	instanceID, err := parseInstanceID(req.ModID.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if claim := middleware.GetSessKey(ctx); claim != "" && claim != req.SessKey {
		writeError(w, http.StatusForbidden, "invalid session key")
		return
	}

	eff, ok := h.resolve(w, r, instanceID)
	if !ok {
		return
	}
	if !h.termsSatisfied(w, r, instanceID, userID) {
		return
	}
	if h.cfg.RateLimiter != nil {
		allowed, _, resetAt, err := h.cfg.RateLimiter.Allow(ctx, instanceID, userID, h.cfg.Now())
		if err != nil {
			h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
			return
		}
		if !allowed {
			h.metrics.RateLimited.Inc()
			retry := int(resetAt.Sub(h.cfg.Now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "too many questions, please wait before asking again")
			return
		}
	}

	strategy, err := h.cfg.Registry.Strategy(ctx, eff)
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Str("type", eff.Type).Msg("no completion strategy")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return
	}

	persist := eff.PersistConvo && h.cfg.Threads != nil && strategy.Name() == settings.TypeAssistant
	threadID := strings.TrimSpace(req.ThreadID)
	fromStore := false
	if persist && threadID == "" {
		threadID, err = h.cfg.Threads.Get(ctx, instanceID, userID)
		if err != nil {
			h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("failed to load persisted thread")
		}
		fromStore = threadID != ""
	}

	creq := completion.Request{
		InstanceID: instanceID,
		UserID:     userID,
		Message:    message,
		History:    transcript.FromHistory(req.History, eff.AssistantName, h.cfg.MaxHistoryTurns),
		ThreadID:   threadID,
		Settings:   eff,
	}
	res, err := strategy.CreateCompletion(ctx, creq)
	if persist && threadID != "" && errors.Is(err, completion.ErrThreadSetup) {
		// the provider no longer accepts the thread; forget it so the next question starts over
		h.logger.Warn().Err(err).Int64("instance_id", instanceID).Str("thread_id", threadID).Msg("dropping unusable persisted thread")
		if clearErr := h.cfg.Threads.Clear(ctx, instanceID, userID); clearErr != nil {
			h.logger.Warn().Err(clearErr).Int64("instance_id", instanceID).Msg("failed to clear persisted thread")
		}
		if fromStore {
			threadID = ""
			creq.ThreadID = ""
			res, err = strategy.CreateCompletion(ctx, creq)
		}
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Str("strategy", strategy.Name()).Msg("completion failed")
		status := http.StatusInternalServerError
		if errors.Is(err, completion.ErrThreadSetup) {
			status = http.StatusBadGateway
		}
		writeError(w, status, MsgErrorOccurred)
		return
	}

	if persist && res.ThreadID != "" && res.ThreadID != threadID {
		if err := h.cfg.Threads.Set(ctx, instanceID, userID, res.ThreadID); err != nil {
			h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("failed to persist thread")
		}
	}
	if res.Outcome.Logged() {
		h.enqueueLog(ctx, instanceID, userID, message, res)
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:       nullable(res.ID),
		Message:  h.renderReply(res.Message),
		ThreadID: nullable(res.ThreadID),
	})
}

func (h *ChatHandler) resolve(w http.ResponseWriter, r *http.Request, instanceID int64) (settings.Effective, bool) {
	eff, err := h.cfg.Settings.Resolve(r.Context(), instanceID, nil)
	switch {
	case err == nil:
		return eff, true
	case errors.Is(err, settings.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "activity not found")
	case errors.Is(err, settings.ErrAPIKeyMissing):
		writeError(w, http.StatusServiceUnavailable, MsgAPIKeyMissing)
	default:
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to resolve settings")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
	}
	return settings.Effective{}, false
}

func (h *ChatHandler) termsSatisfied(w http.ResponseWriter, r *http.Request, instanceID, userID int64) bool {
	if !h.cfg.RequireTerms {
		return true
	}
	accepted, err := h.cfg.Store.TermsAccepted(r.Context(), instanceID, userID)
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to read terms acceptance")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return false
	}
	if !accepted {
		writeError(w, http.StatusForbidden, "terms of use not accepted")
		return false
	}
	return true
}

func (h *ChatHandler) enqueueLog(ctx context.Context, instanceID, userID int64, message string, res completion.Result) {
	if h.cfg.LogQueue == nil {
		return
	}
	session := res.ThreadID
	if session == "" {
		session = middleware.GetCorrelationID(ctx)
	}
	job := queue.LogJob{
		InstanceID: instanceID,
		UserID:     userID,
		SessionID:  session,
		Request:    message,
		Response:   res.Message,
		Outcome:    string(res.Outcome),
		Charge:     res.Outcome.Charge(h.cfg.ChargeOnPartialFailure),
		EnqueuedAt: h.cfg.Now().UTC(),
	}
	if _, err := h.cfg.LogQueue.Enqueue(ctx, job); err != nil {
		// the reply is still delivered; the exchange is missing from the log and the counter
		h.logger.Error().Err(err).
			Int64("instance_id", instanceID).
			Int64("user_id", userID).
			Str("outcome", job.Outcome).
			Msg("failed to enqueue log job")
		return
	}
	h.metrics.EnqueuedJobs.Inc()
}

func (h *ChatHandler) renderReply(message string) string {
	out, err := h.cfg.Markdown.HTML(message)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to render reply")
		return html.EscapeString(message)
	}
	return out
}

// Thread handles GET /api/thread
func (h *ChatHandler) Thread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, err := instanceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	threadID := strings.TrimSpace(r.URL.Query().Get("threadId"))
	if threadID == "" && h.cfg.Threads != nil {
		threadID, err = h.cfg.Threads.Get(ctx, instanceID, middleware.GetUserID(ctx))
		if err != nil {
			h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("failed to load persisted thread")
		}
	}
	if threadID == "" {
		writeJSON(w, http.StatusOK, []transcript.ThreadMessage{})
		return
	}

	resp, err := h.cfg.Provider.Call(ctx, "/threads/"+url.PathEscape(threadID)+"/messages", instanceID, nil, provider.BetaHeaders)
	if err != nil {
		if errors.Is(err, settings.ErrAPIKeyMissing) {
			writeError(w, http.StatusServiceUnavailable, MsgAPIKeyMissing)
			return
		}
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to load thread")
		writeError(w, http.StatusBadGateway, MsgErrorOccurred)
		return
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		h.logger.Warn().Str("provider_error", apiErr.Message).Int64("instance_id", instanceID).Msg("provider rejected thread lookup")
		writeError(w, http.StatusBadGateway, apiErr.Message)
		return
	}
	var list openai.MessagesList
	if err := resp.Decode(&list); err != nil {
		writeError(w, http.StatusBadGateway, MsgErrorOccurred)
		return
	}
	writeJSON(w, http.StatusOK, transcript.FromThread(list.Messages))
}

// ClearThread handles DELETE /api/thread
func (h *ChatHandler) ClearThread(w http.ResponseWriter, r *http.Request) {
	instanceID, err := instanceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.cfg.Threads != nil {
		if err := h.cfg.Threads.Clear(r.Context(), instanceID, middleware.GetUserID(r.Context())); err != nil {
			h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to clear thread")
			writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Questions handles GET /api/questions
func (h *ChatHandler) Questions(w http.ResponseWriter, r *http.Request) {
	instanceID, err := instanceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	remaining, limit, err := h.cfg.Quota.Remaining(r.Context(), instanceID, middleware.GetUserID(r.Context()))
	if err != nil {
		if errors.Is(err, settings.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "activity not found")
			return
		}
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to count questions")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"remaining": remaining,
		"limit":     limit,
	})
}

type termsState struct {
	Required bool   `json:"required"`
	Accepted bool   `json:"accepted"`
	Terms    string `json:"terms"`
}

// Terms handles GET /api/terms
func (h *ChatHandler) Terms(w http.ResponseWriter, r *http.Request) {
	instanceID, err := instanceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted, err := h.cfg.Store.TermsAccepted(r.Context(), instanceID, middleware.GetUserID(r.Context()))
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to read terms acceptance")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return
	}
	writeJSON(w, http.StatusOK, termsState{Required: h.cfg.RequireTerms, Accepted: accepted, Terms: MsgTermsOfUse})
}

type termsRequest struct {
	ModID    json.Number `json:"modId"`
	Accepted bool        `json:"accepted"`
}

// AcceptTerms handles POST /api/terms
func (h *ChatHandler) AcceptTerms(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	instanceID, err := parseInstanceID(req.ModID.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.cfg.Store.SetTermsAccepted(r.Context(), instanceID, userID, req.Accepted); err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to store terms acceptance")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return
	}
	writeJSON(w, http.StatusOK, termsState{Required: h.cfg.RequireTerms, Accepted: req.Accepted, Terms: MsgTermsOfUse})
}

type widgetState struct {
	Type          string  `json:"type"`
	PersistConvo  bool    `json:"persistConvo"`
	AssistantName string  `json:"assistantName"`
	UserName      string  `json:"userName"`
	Disclaimer    string  `json:"disclaimer"`
	Configured    bool    `json:"configured"`
	Notice        string  `json:"notice,omitempty"`
	TermsRequired bool    `json:"termsRequired"`
	TermsAccepted bool    `json:"termsAccepted"`
	ThreadID      *string `json:"threadId"`
}

// Widget handles GET /api/widget
func (h *ChatHandler) Widget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, err := instanceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := middleware.GetUserID(ctx)

	eff, err := h.cfg.Settings.Resolve(ctx, instanceID, nil)
	configured := true
	switch {
	case err == nil:
	case errors.Is(err, settings.ErrAPIKeyMissing):
		configured = false
	case errors.Is(err, settings.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "activity not found")
		return
	default:
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to resolve settings")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return
	}

	state := widgetState{
		Type:          eff.Type,
		PersistConvo:  eff.PersistConvo,
		AssistantName: eff.AssistantName,
		UserName:      eff.UserName,
		Disclaimer:    MsgDisclaimer,
		Configured:    configured,
		TermsRequired: h.cfg.RequireTerms,
	}
	if !configured {
		state.Notice = MsgAPIKeyMissing
	}
	accepted, err := h.cfg.Store.TermsAccepted(ctx, instanceID, userID)
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to read terms acceptance")
		writeError(w, http.StatusInternalServerError, MsgErrorOccurred)
		return
	}
	state.TermsAccepted = accepted
	if eff.PersistConvo && h.cfg.Threads != nil {
		threadID, err := h.cfg.Threads.Get(ctx, instanceID, userID)
		if err != nil {
			h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("failed to load persisted thread")
		}
		state.ThreadID = nullable(threadID)
	}
	writeJSON(w, http.StatusOK, state)
}
