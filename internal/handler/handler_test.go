package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coursechat/internal/completion"
	"coursechat/internal/crypto"
	"coursechat/internal/middleware"
	"coursechat/internal/poll/polltest"
	"coursechat/internal/provider"
	"coursechat/internal/queue"
	"coursechat/internal/quota"
	"coursechat/internal/settings"
	"coursechat/internal/storage"
	"coursechat/internal/threads"
)

const siteKey = "sk-site-0000000000001111"

// fakeProvider answers the handful of provider routes the handlers reach.
type fakeProvider struct {
	mu          sync.Mutex
	calls       []string
	auth        []string
	failThreads bool
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.calls = append(p.calls, r.Method+" "+r.URL.Path)
	p.auth = append(p.auth, r.Header.Get("Authorization"))
	failThreads := p.failThreads
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	route := r.Method + " " + r.URL.Path
	switch route {
	case "POST /chat/completions":
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"**June 3.**"}}]}`)
	case "POST /threads":
		if failThreads {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"thread store offline"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"thread_1","object":"thread"}`)
	case "POST /threads/thread_1/messages":
		_, _ = io.WriteString(w, `{"id":"msg_u1","object":"thread.message"}`)
	case "GET /threads/thread_1/messages":
		_, _ = io.WriteString(w, `{"object":"list","data":[`+
			`{"id":"msg_a1","role":"assistant","content":[{"type":"text","text":{"value":"Hello there","annotations":[]}}]},`+
			`{"id":"msg_u1","role":"user","content":[{"type":"text","text":{"value":"Hi","annotations":[]}}]}]}`)
	case "POST /threads/thread_1/runs":
		_, _ = io.WriteString(w, `{"id":"run_1","status":"queued"}`)
	case "GET /threads/thread_1/runs/run_1":
		_, _ = io.WriteString(w, `{"id":"run_1","status":"completed"}`)
	case "GET /models":
		if r.Header.Get("Authorization") == "Bearer sk-revoked-key-000" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	case "GET /assistants":
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"asst_1","name":"Tutor"},{"id":"asst_2","name":null}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"message":"no route"}}`)
	}
}

func (p *fakeProvider) count(route string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == route {
			n++
		}
	}
	return n
}

func (p *fakeProvider) lastAuth() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.auth) == 0 {
		return ""
	}
	return p.auth[len(p.auth)-1]
}

type envOptions struct {
	requireTerms bool
	ratePerHour  int64
}

type env struct {
	store   *storage.Store
	keyring *crypto.Keyring
	queue   *queue.StreamQueue
	threads *threads.Store
	api     *fakeProvider
	chat    *ChatHandler
	admin   *AdminHandler
	report  *ReportHandler
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "handler.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	for name, value := range map[string]string{
		settings.KeyAPIKey:                siteKey,
		settings.KeyAllowInstanceSettings: "1",
		settings.KeyAssistantName:         "Tutor",
		settings.KeyUserName:              "Student",
	} {
		if err := store.SetConfig(ctx, name, value); err != nil {
			t.Fatalf("set config: %v", err)
		}
	}
	instances := []storage.Instance{
		{ID: 1, Name: "Biology", Type: settings.TypeChat},
		{ID: 2, Name: "Chemistry", Type: settings.TypeAssistant, PersistConvo: true, Settings: map[string]string{settings.KeyAssistant: "asst_1"}},
	}
	for _, in := range instances {
		if err := store.UpsertInstance(ctx, in); err != nil {
			t.Fatalf("upsert instance: %v", err)
		}
	}

	api := &fakeProvider{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	resolver := settings.NewResolver(settings.NewStoreBackend(store, keyring), settings.NewStoreBackend(store, keyring))
	client := provider.New(provider.Config{BaseURL: srv.URL, Keys: resolver, Logger: zerolog.Nop()})
	gate := quota.NewGate(store, resolver)
	registry := completion.NewRegistry(resolver,
		completion.NewChat(completion.ChatConfig{Client: client, Quota: gate}),
		completion.NewAssistant(completion.AssistantConfig{Client: client, Quota: gate, Clock: polltest.NewClock(time.Unix(0, 0))}),
	)

	q := queue.NewStreamQueue(rdb, "coursechat:log", "loggers", "test", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	threadStore := threads.NewStore(rdb, time.Hour)

	return &env{
		store:   store,
		keyring: keyring,
		queue:   q,
		threads: threadStore,
		api:     api,
		chat: NewChatHandler(ChatConfig{
			Settings:               resolver,
			Registry:               registry,
			Provider:               client,
			Quota:                  gate,
			Store:                  store,
			RateLimiter:            queue.NewRateLimiter(rdb, opts.ratePerHour),
			LogQueue:               q,
			Threads:                threadStore,
			ChargeOnPartialFailure: true,
			MaxHistoryTurns:        50,
			RequireTerms:           opts.requireTerms,
			Logger:                 zerolog.Nop(),
		}),
		admin: NewAdminHandler(AdminConfig{
			Store:    store,
			Keyring:  keyring,
			Settings: resolver,
			Provider: client,
			Logger:   zerolog.Nop(),
		}),
		report: NewReportHandler(store, zerolog.Nop()),
	}
}

func (e *env) jobs(t *testing.T) []queue.LogJob {
	t.Helper()
	msgs, err := e.queue.Read(context.Background(), 100)
	if err != nil {
		t.Fatalf("read log stream: %v", err)
	}
	out := make([]queue.LogJob, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Job)
	}
	return out
}

func asUser(r *http.Request, userID int64, sesskey string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
	ctx = context.WithValue(ctx, middleware.SessKeyKey, sesskey)
	return r.WithContext(ctx)
}

func postCompletion(t *testing.T, h *ChatHandler, userID int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/completion", strings.NewReader(body)), userID, "sess-1")
	rec := httptest.NewRecorder()
	h.Completion(rec, req)
	return rec
}

type completionBody struct {
	ID       *string `json:"id"`
	Message  string  `json:"message"`
	ThreadID *string `json:"threadId"`
	Error    string  `json:"error"`
}

func decodeCompletion(t *testing.T, rec *httptest.ResponseRecorder) completionBody {
	t.Helper()
	var out completionBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCompletionChatAnswered(t *testing.T) {
	e := newEnv(t, envOptions{})
	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"When is the exam?","history":[{"user":"Student","message":"hi"},{"user":"Tutor","message":"Hello!"}],"modId":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeCompletion(t, rec)
	if got.ID == nil || *got.ID != "chatcmpl-1" || got.ThreadID != nil {
		t.Fatalf("unexpected ids %+v", got)
	}
	if !strings.Contains(got.Message, "<strong>June 3.</strong>") {
		t.Fatalf("expected rendered markdown, got %q", got.Message)
	}
	if e.api.lastAuth() != "Bearer "+siteKey {
		t.Fatalf("expected the site key, got %q", e.api.lastAuth())
	}

	jobs := e.jobs(t)
	if len(jobs) != 1 {
		t.Fatalf("expected one log job, got %d", len(jobs))
	}
	if j := jobs[0]; j.UserID != 7 || j.InstanceID != 1 || !j.Charge || j.Outcome != string(completion.OutcomeAnswered) || j.Request != "When is the exam?" {
		t.Fatalf("unexpected log job %+v", j)
	}
}

func TestCompletionRejectsRequest(t *testing.T) {
	e := newEnv(t, envOptions{})
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "missing modId", body: `{"sesskey":"sess-1","message":"hi"}`, status: http.StatusBadRequest},
		{name: "empty message", body: `{"sesskey":"sess-1","message":"  ","modId":1}`, status: http.StatusBadRequest},
		{name: "wrong sesskey", body: `{"sesskey":"other","message":"hi","modId":1}`, status: http.StatusForbidden},
		{name: "unknown activity", body: `{"sesskey":"sess-1","message":"hi","modId":99}`, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postCompletion(t, e.chat, 7, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
	if n := e.api.count("POST /chat/completions"); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
}

func TestCompletionAPIKeyMissing(t *testing.T) {
	e := newEnv(t, envOptions{})
	if err := e.store.SetConfig(context.Background(), settings.KeyAPIKey, ""); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"hi","modId":1}`)
	if rec.Code != http.StatusServiceUnavailable || decodeCompletion(t, rec).Error != MsgAPIKeyMissing {
		t.Fatalf("expected configuration error, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompletionQuotaExhausted(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	if err := e.store.SetConfig(ctx, settings.KeyQuestionLimit, "1"); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := e.store.IncrementQuestionCount(ctx, 1, 7); err != nil {
		t.Fatalf("increment: %v", err)
	}

	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"hi","modId":1}`)
	got := decodeCompletion(t, rec)
	if rec.Code != http.StatusOK || got.ID != nil || !strings.Contains(got.Message, completion.MsgNoQuestionsLeft) {
		t.Fatalf("unexpected response %d %+v", rec.Code, got)
	}
	if n := e.api.count("POST /chat/completions"); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
	if jobs := e.jobs(t); len(jobs) != 0 {
		t.Fatalf("expected nothing logged, got %+v", jobs)
	}
}

func TestCompletionAssistantPersistsThread(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"Hi","modId":2}`)
	got := decodeCompletion(t, rec)
	if rec.Code != http.StatusOK || got.ThreadID == nil || *got.ThreadID != "thread_1" || got.ID == nil {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(got.Message, "Hello there") {
		t.Fatalf("unexpected reply %q", got.Message)
	}
	stored, err := e.threads.Get(ctx, 2, 7)
	if err != nil || stored != "thread_1" {
		t.Fatalf("expected the thread to be persisted, got %q err=%v", stored, err)
	}

	// the widget lost its thread id; the persisted one is reused
	rec = postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"Again","modId":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second request: %d %s", rec.Code, rec.Body.String())
	}
	if n := e.api.count("POST /threads"); n != 1 {
		t.Fatalf("expected one thread to be created, got %d", n)
	}
	if jobs := e.jobs(t); len(jobs) != 2 || jobs[0].SessionID != "thread_1" {
		t.Fatalf("unexpected log jobs %+v", jobs)
	}
}

func TestCompletionThreadSetupFailure(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.api.failThreads = true

	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"Hi","modId":2}`)
	if rec.Code != http.StatusBadGateway || decodeCompletion(t, rec).Error != MsgErrorOccurred {
		t.Fatalf("expected 502 with a generic error, got %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "thread store offline") {
		t.Fatalf("provider internals leaked: %s", rec.Body.String())
	}
	if jobs := e.jobs(t); len(jobs) != 0 {
		t.Fatalf("expected nothing logged, got %+v", jobs)
	}
}

func TestCompletionReplacesStalePersistedThread(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	if err := e.threads.Set(ctx, 2, 7, "thread_gone"); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"Hi","modId":2}`)
	got := decodeCompletion(t, rec)
	if rec.Code != http.StatusOK || got.ThreadID == nil || *got.ThreadID != "thread_1" {
		t.Fatalf("expected a fresh thread, got %d %s", rec.Code, rec.Body.String())
	}
	if stored, err := e.threads.Get(ctx, 2, 7); err != nil || stored != "thread_1" {
		t.Fatalf("expected the new thread to be persisted, got %q err=%v", stored, err)
	}
	if n := e.api.count("POST /threads/thread_gone/messages"); n != 1 {
		t.Fatalf("expected one attempt on the stale thread, got %d", n)
	}
	if n := e.api.count("POST /threads"); n != 1 {
		t.Fatalf("expected one thread to be created, got %d", n)
	}
}

func TestCompletionClientStaleThreadClearsMapping(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	if err := e.threads.Set(ctx, 2, 7, "thread_gone"); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"Hi","modId":2,"threadId":"thread_gone"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", rec.Code, rec.Body.String())
	}
	if stored, _ := e.threads.Get(ctx, 2, 7); stored != "" {
		t.Fatalf("expected the stale mapping to be dropped, still have %q", stored)
	}

	rec = postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"Hi","modId":2}`)
	if rec.Code != http.StatusOK || e.api.count("POST /threads") != 1 {
		t.Fatalf("expected the next question to start a new thread, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCompletionRequiresTerms(t *testing.T) {
	e := newEnv(t, envOptions{requireTerms: true})

	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"hi","modId":1}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before acceptance, got %d", rec.Code)
	}

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/terms", strings.NewReader(`{"modId":"1","accepted":true}`)), 7, "sess-1")
	accept := httptest.NewRecorder()
	e.chat.AcceptTerms(accept, req)
	if accept.Code != http.StatusOK {
		t.Fatalf("accept terms: %d %s", accept.Code, accept.Body.String())
	}

	rec = postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"hi","modId":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after acceptance, got %d %s", rec.Code, rec.Body.String())
	}

	state := httptest.NewRecorder()
	e.chat.Terms(state, asUser(httptest.NewRequest(http.MethodGet, "/api/terms?modId=1", nil), 7, ""))
	var ts termsState
	if err := json.Unmarshal(state.Body.Bytes(), &ts); err != nil || !ts.Accepted || !ts.Required {
		t.Fatalf("unexpected terms state %s", state.Body.String())
	}
}

func TestCompletionRateLimited(t *testing.T) {
	e := newEnv(t, envOptions{ratePerHour: 1})
	if rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"hi","modId":1}`); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := postCompletion(t, e.chat, 7, `{"sesskey":"sess-1","message":"hi","modId":1}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := postCompletion(t, e.chat, 8, `{"sesskey":"sess-1","message":"hi","modId":1}`); rec.Code != http.StatusOK {
		t.Fatalf("another user should pass, got %d", rec.Code)
	}
}

func TestThreadOldestFirst(t *testing.T) {
	e := newEnv(t, envOptions{})
	rec := httptest.NewRecorder()
	e.chat.Thread(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/thread?modId=2&threadId=thread_1", nil), 7, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var msgs []struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "msg_u1" || msgs[1].Role != "assistant" || msgs[1].Message != "Hello there" {
		t.Fatalf("unexpected thread %+v", msgs)
	}
}

func TestClearThread(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	if err := e.threads.Set(ctx, 2, 7, "thread_1"); err != nil {
		t.Fatalf("set thread: %v", err)
	}
	rec := httptest.NewRecorder()
	e.chat.ClearThread(rec, asUser(httptest.NewRequest(http.MethodDelete, "/api/thread?modId=2", nil), 7, ""))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if id, _ := e.threads.Get(ctx, 2, 7); id != "" {
		t.Fatalf("expected the thread to be forgotten, got %q", id)
	}

	rec = httptest.NewRecorder()
	e.chat.Thread(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/thread?modId=2", nil), 7, ""))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected an empty thread, got %s", rec.Body.String())
	}
}

func TestQuestions(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	get := func() map[string]int {
		rec := httptest.NewRecorder()
		e.chat.Questions(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/questions?modId=1", nil), 7, ""))
		var out map[string]int
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
		return out
	}

	if got := get(); got["remaining"] != -1 || got["limit"] != 0 {
		t.Fatalf("expected unlimited, got %v", got)
	}
	if err := e.store.SetConfig(ctx, settings.KeyQuestionLimit, "3"); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := e.store.IncrementQuestionCount(ctx, 1, 7); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got := get(); got["remaining"] != 2 || got["limit"] != 3 {
		t.Fatalf("expected 2 of 3 left, got %v", got)
	}
}

func TestWidgetMissingKey(t *testing.T) {
	e := newEnv(t, envOptions{requireTerms: true})
	if err := e.store.SetConfig(context.Background(), settings.KeyAPIKey, ""); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	rec := httptest.NewRecorder()
	e.chat.Widget(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/widget?modId=2", nil), 7, ""))
	var state widgetState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || state.Configured || state.Notice != MsgAPIKeyMissing {
		t.Fatalf("unexpected widget state %d %+v", rec.Code, state)
	}
	if state.Type != settings.TypeAssistant || !state.PersistConvo || state.AssistantName != "Tutor" || !state.TermsRequired || state.TermsAccepted {
		t.Fatalf("unexpected widget state %+v", state)
	}
}

func TestReportCSV(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	for _, entry := range []storage.LogEntry{
		{InstanceID: 1, UserID: 7, SessionID: "s", Request: "q1", Response: "a, with comma"},
		{InstanceID: 1, UserID: 8, SessionID: "s", Request: "q2", Response: "a2"},
		{InstanceID: 2, UserID: 7, SessionID: "s", Request: "other", Response: "x"},
	} {
		if err := e.store.AppendLog(ctx, entry); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	e.report.Log(rec, httptest.NewRequest(http.MethodGet, "/api/report?modId=1&download=csv", nil))
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 || records[0][0] != "id" || records[1][5] != "a, with comma" || records[2][2] != "8" {
		t.Fatalf("unexpected csv %v", records)
	}

	rec = httptest.NewRecorder()
	e.report.Log(rec, httptest.NewRequest(http.MethodGet, "/api/report?modId=2", nil))
	var rows []reportRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil || len(rows) != 1 || rows[0].Request != "other" {
		t.Fatalf("unexpected json report %s", rec.Body.String())
	}
}

func adminRouter(h *AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/admin/config", h.Config)
	r.Put("/api/admin/config", h.UpdateConfig)
	r.Get("/api/admin/instances/{id}", h.Instance)
	r.Put("/api/admin/instances/{id}", h.UpdateInstance)
	r.Get("/api/admin/models", h.Models)
	r.Get("/api/admin/assistants", h.Assistants)
	r.Get("/api/admin/connection", h.Connection)
	return r
}

func TestAdminInstanceKeyIsSealed(t *testing.T) {
	e := newEnv(t, envOptions{})
	router := adminRouter(e.admin)
	const key = "sk-instance-abcdef123456"

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/admin/instances/3", strings.NewReader(`{"name":"Physics","type":"chat","apiKey":"`+key+`"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update instance: %d %s", rec.Code, rec.Body.String())
	}
	var view instanceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.APIKey != "****3456" || view.Name != "Physics" {
		t.Fatalf("unexpected view %+v", view)
	}

	stored, err := e.store.GetInstance(context.Background(), 3)
	if err != nil || stored.EncAPIKey == nil || strings.Contains(*stored.EncAPIKey, key) {
		t.Fatalf("expected a sealed key, got %+v err=%v", stored, err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/connection?modId=3", nil))
	if !strings.Contains(rec.Body.String(), `"ok":true`) || e.api.lastAuth() != "Bearer "+key {
		t.Fatalf("expected the instance key to be used, got %s auth=%q", rec.Body.String(), e.api.lastAuth())
	}

	// omitting apiKey keeps the stored one
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/admin/instances/3", strings.NewReader(`{"name":"Physics II","type":"chat"}`)))
	if !strings.Contains(rec.Body.String(), "****3456") {
		t.Fatalf("expected the key to be kept, got %s", rec.Body.String())
	}
}

func TestAdminConfig(t *testing.T) {
	e := newEnv(t, envOptions{})
	router := adminRouter(e.admin)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/admin/config", strings.NewReader(`{"colour":"blue"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown keys to be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/admin/config", strings.NewReader(`{"questionlimit":"5","prompt":"Be brief."}`)))
	var cfg map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg[settings.KeyQuestionLimit] != "5" || cfg[settings.KeyAPIKey] != "****1111" {
		t.Fatalf("unexpected config %v", cfg)
	}
}

func TestAdminProviderListings(t *testing.T) {
	e := newEnv(t, envOptions{})
	router := adminRouter(e.admin)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/assistants", nil))
	var assistants []assistantView
	if err := json.Unmarshal(rec.Body.Bytes(), &assistants); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	if len(assistants) != 2 || assistants[0].Name != "Tutor" || assistants[1].Name != "asst_2" {
		t.Fatalf("unexpected assistants %+v", assistants)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/models", nil))
	var models []modelView
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil || len(models) == 0 {
		t.Fatalf("expected the built-in model list, got %s", rec.Body.String())
	}

	if err := e.store.SetConfig(context.Background(), settings.KeyAPIKey, "sk-revoked-key-000"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/connection", nil))
	if !strings.Contains(rec.Body.String(), "Incorrect API key provided") {
		t.Fatalf("expected the provider error, got %s", rec.Body.String())
	}
}
