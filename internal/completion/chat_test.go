package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coursechat/internal/provider"
	"coursechat/internal/settings"
	"coursechat/internal/transcript"
)

func chatSettings() settings.Effective {
	return settings.Effective{
		Type:             settings.TypeChat,
		Model:            "gpt-4o-mini",
		Prompt:           "You are a course tutor.",
		SourceOfTruth:    "Q: When is the exam?\nA: June 3.",
		AssistantName:    "Tutor",
		UserName:         "Student",
		Temperature:      0.5,
		MaxTokens:        500,
		TopP:             1,
		FrequencyPenalty: 1,
		PresencePenalty:  1,
	}
}

func TestBuildPrompt(t *testing.T) {
	history := []transcript.Turn{
		{Role: transcript.RoleUser, Text: "Hi"},
		{Role: transcript.RoleAssistant, Text: "Hello!"},
	}
	got := BuildPrompt(chatSettings(), history, "When is the exam?")
	want := "You are a course tutor.\n\n" +
		"Below is a list of questions and their answers. This information should be used as a reference for any inquiries:\n\n" +
		"Q: When is the exam?\nA: June 3.\n\n" +
		"Student: Hi\nTutor: Hello!\n" +
		"Student: When is the exam?\nTutor:"
	if got != want {
		t.Fatalf("unexpected prompt:\n%s", got)
	}

	eff := chatSettings()
	eff.SourceOfTruth = "  "
	if strings.Contains(BuildPrompt(eff, nil, "x"), "Below is a list") {
		t.Fatalf("expected no reference block for empty source of truth")
	}
}

func TestChatPayloadMergesAdvanced(t *testing.T) {
	eff := chatSettings()
	eff.Advanced = map[string]any{"temperature": 0.1, "seed": 42}
	payload := ChatPayload(eff, "prompt")

	if payload["temperature"] != 0.1 {
		t.Fatalf("expected advanced temperature to win, got %#v", payload["temperature"])
	}
	if payload["seed"] != 42 || payload["max_tokens"] != 500 || payload["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func newChatServer(t *testing.T, status int, body string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("OpenAI-Beta") != "" {
			t.Errorf("chat completions must not send the beta header")
		}
		raw, _ := io.ReadAll(r.Body)
		if got != nil {
			_ = json.Unmarshal(raw, got)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatReturnsFirstChoice(t *testing.T) {
	var payload map[string]any
	srv := newChatServer(t, http.StatusOK, `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"June 3."},"finish_reason":"stop"}]}`, &payload)

	c := NewChat(ChatConfig{
		Client: provider.New(provider.Config{BaseURL: srv.URL, Keys: staticKeys("sk")}),
		Quota:  &fixedQuota{allow: true},
	})
	res, err := c.CreateCompletion(context.Background(), Request{InstanceID: 1, UserID: 2, Message: "When is the exam?", Settings: chatSettings()})
	if err != nil {
		t.Fatalf("create completion: %v", err)
	}
	if res != (Result{ID: "chatcmpl-1", Message: "June 3.", Outcome: OutcomeAnswered}) {
		t.Fatalf("unexpected result %+v", res)
	}

	messages, ok := payload["messages"].([]any)
	if !ok || len(messages) != 1 {
		t.Fatalf("expected a single prompt message, got %#v", payload["messages"])
	}
	first := messages[0].(map[string]any)
	if first["role"] != "user" || !strings.HasSuffix(first["content"].(string), "Tutor:") {
		t.Fatalf("unexpected prompt message %#v", first)
	}
}

func TestChatFailuresAreInBand(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
		message string
	}{
		{name: "provider error", status: http.StatusTooManyRequests, body: `{"error":{"message":"Rate limit reached"}}`, outcome: OutcomeProviderError, message: "Rate limit reached"},
		{name: "no choices", status: http.StatusOK, body: `{"id":"x","choices":[]}`, outcome: OutcomeNoCompletion, message: MsgNoCompletion},
		{name: "not json", status: http.StatusBadGateway, body: `upstream down`, outcome: OutcomeUnavailable, message: MsgUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newChatServer(t, tc.status, tc.body, nil)
			c := NewChat(ChatConfig{
				Client: provider.New(provider.Config{BaseURL: srv.URL, Keys: staticKeys("sk")}),
				Quota:  &fixedQuota{allow: true},
			})
			res, err := c.CreateCompletion(context.Background(), Request{InstanceID: 1, Message: "hi", Settings: chatSettings()})
			if err != nil {
				t.Fatalf("expected in-band failure, got %v", err)
			}
			if res.ID != "" || res.Outcome != tc.outcome || res.Message != tc.message {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

type countingCaller struct{ calls int }

func (c *countingCaller) Call(context.Context, string, int64, any, map[string]string) (provider.Response, error) {
	c.calls++
	return provider.Response{}, errors.New("unexpected call")
}

func TestChatQuotaExhausted(t *testing.T) {
	caller := &countingCaller{}
	c := NewChat(ChatConfig{Client: caller, Quota: &fixedQuota{allow: false}})

	res, err := c.CreateCompletion(context.Background(), Request{InstanceID: 1, Message: "hi", Settings: chatSettings()})
	if err != nil {
		t.Fatalf("create completion: %v", err)
	}
	if res != (Result{Message: MsgNoQuestionsLeft, Outcome: OutcomeQuotaExhausted}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if caller.calls != 0 {
		t.Fatalf("expected no provider calls, got %d", caller.calls)
	}
}

type staticModels map[string]string

func (m staticModels) Models(context.Context) (map[string]string, error) { return m, nil }

func TestRegistrySelection(t *testing.T) {
	chat := NewChat(ChatConfig{Client: &countingCaller{}, Quota: &fixedQuota{}})
	assistant := NewAssistant(AssistantConfig{Client: &countingCaller{}, Quota: &fixedQuota{}})
	r := NewRegistry(staticModels{"gpt-4o-mini": "chat", "house-assistant": "assistant", "odd-model": "images"}, chat, assistant)
	ctx := context.Background()

	cases := []struct {
		eff  settings.Effective
		want string
		err  bool
	}{
		{eff: settings.Effective{Type: "assistant", Model: "gpt-4o-mini"}, want: "assistant"},
		{eff: settings.Effective{Type: "chat", Model: "gpt-4o-mini"}, want: "chat"},
		{eff: settings.Effective{Type: "", Model: "unknown-model"}, want: "chat"},
		{eff: settings.Effective{Type: "chat", Model: "house-assistant"}, want: "assistant"},
		{eff: settings.Effective{Type: "chat", Model: "odd-model"}, err: true},
		{eff: settings.Effective{Type: "completion"}, err: true},
	}
	for _, tc := range cases {
		s, err := r.Strategy(ctx, tc.eff)
		if tc.err {
			if !errors.Is(err, ErrUnknownStrategy) {
				t.Fatalf("%+v: expected ErrUnknownStrategy, got %v", tc.eff, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%+v: %v", tc.eff, err)
		}
		if s.Name() != tc.want {
			t.Fatalf("%+v: expected %s, got %s", tc.eff, tc.want, s.Name())
		}
	}
}

func TestOutcomeChargingPolicy(t *testing.T) {
	cases := []struct {
		outcome   Outcome
		logged    bool
		chargeOn  bool
		chargeOff bool
	}{
		{OutcomeAnswered, true, true, true},
		{OutcomeQuotaExhausted, false, false, false},
		{OutcomeMessageNotPersisted, true, true, false},
		{OutcomeRunFailed, true, true, false},
		{OutcomeRunTimedOut, true, true, false},
		{OutcomeNoAssistantMessage, true, true, false},
		{OutcomeProviderError, true, true, false},
		{OutcomeUnavailable, true, true, false},
	}
	for _, tc := range cases {
		if tc.outcome.Logged() != tc.logged {
			t.Fatalf("%s: logged=%v", tc.outcome, tc.outcome.Logged())
		}
		if tc.outcome.Charge(true) != tc.chargeOn || tc.outcome.Charge(false) != tc.chargeOff {
			t.Fatalf("%s: charge(true)=%v charge(false)=%v", tc.outcome, tc.outcome.Charge(true), tc.outcome.Charge(false))
		}
	}
}
