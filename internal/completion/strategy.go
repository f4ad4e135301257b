// Package completion turns one user message into one assistant reply, either through a single
// chat-completion call or through a stateful assistant thread.
package completion

import (
	"context"
	"errors"

	"coursechat/internal/provider"
	"coursechat/internal/settings"
	"coursechat/internal/transcript"
)

var (
	// ErrThreadSetup is fatal: the thread could not be created or the user message could not be
	// posted, so no reply is possible and nothing should be logged.
	ErrThreadSetup     = errors.New("assistant thread setup failed")
	ErrUnknownStrategy = errors.New("unknown completion strategy")
)

const (
	MsgNoQuestionsLeft     = "You have no more questions left in this activity."
	MsgMessageNotPersisted = "User message could not be persisted to thread."
	MsgRunTimedOut         = "Run timed out."
	MsgNoAssistantMessage  = "No assistant message found."
	MsgUnavailable         = "The assistant service is currently unavailable."
	MsgNoCompletion        = "The assistant did not return a reply."

	runFailedFormat = "Run failed with status: %s"
)

// Outcome is the terminal state a completion ended in.
type Outcome string

const (
	OutcomeAnswered            Outcome = "answered"
	OutcomeQuotaExhausted      Outcome = "quota_exhausted"
	OutcomeMessageNotPersisted Outcome = "message_not_persisted"
	OutcomeRunFailed           Outcome = "run_failed"
	OutcomeRunTimedOut         Outcome = "run_timed_out"
	OutcomeNoAssistantMessage  Outcome = "no_assistant_message"
	OutcomeProviderError       Outcome = "provider_error"
	OutcomeUnavailable         Outcome = "unavailable"
	OutcomeNoCompletion        Outcome = "no_completion"
)

// Partial reports whether the user message reached the provider without producing a reply.
func (o Outcome) Partial() bool {
	return o != OutcomeAnswered && o != OutcomeQuotaExhausted
}

// Charge applies the charging policy: answered questions always count, partial failures count
// only when chargePartial is set, an exhausted quota never does.
func (o Outcome) Charge(chargePartial bool) bool {
	if o == OutcomeAnswered {
		return true
	}
	return o.Partial() && chargePartial
}

// Logged reports whether the exchange belongs in the chat log.
func (o Outcome) Logged() bool {
	return o != OutcomeQuotaExhausted
}

type Request struct {
	InstanceID int64
	UserID     int64
	Message    string
	History    []transcript.Turn
	ThreadID   string
	Settings   settings.Effective
}

// Result is what the widget receives. ID is empty for every outcome except OutcomeAnswered.
type Result struct {
	ID       string
	Message  string
	ThreadID string
	Outcome  Outcome
}

// Strategy produces a completion. A non-nil error is returned only for fatal conditions; every
// other failure is reported in-band through Result.
type Strategy interface {
	Name() string
	CreateCompletion(ctx context.Context, req Request) (Result, error)
}

type Caller interface {
	Call(ctx context.Context, path string, instanceID int64, payload any, headers map[string]string) (provider.Response, error)
}

type QuotaChecker interface {
	Allow(ctx context.Context, limit int, instanceID, userID int64) (bool, error)
}
