// Package provider is the only egress point to the LLM provider's HTTP API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"coursechat/internal/metrics"
)

var (
	// ErrUnavailable means the provider could not be reached at all.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrInvalidResponse means the provider answered with something that is not JSON.
	ErrInvalidResponse = errors.New("provider returned invalid json")
)

// BetaHeaders must accompany every thread, message and run call.
var BetaHeaders = map[string]string{"OpenAI-Beta": "assistants=v2"}

type KeyResolver interface {
	APIKey(ctx context.Context, instanceID int64) (string, error)
}

type Config struct {
	BaseURL    string
	Keys       KeyResolver
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	http    *resty.Client
	keys    KeyResolver
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{http: rc, keys: cfg.Keys, logger: cfg.Logger, metrics: m}
}

// Response is a parsed JSON body. HTTP error statuses still produce a Response; the
// provider's error object, if any, is available through ProviderError.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Call sends payload as a JSON POST to path, or issues a GET when payload is nil. Pass an
// empty struct or map to force a POST without fields.
func (c *Client) Call(ctx context.Context, path string, instanceID int64, payload any, headers map[string]string) (Response, error) {
	key, err := c.keys.APIKey(ctx, instanceID)
	if err != nil {
		return Response{}, fmt.Errorf("resolve api key: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(key).
		SetHeaders(headers)

	method := http.MethodGet
	if payload != nil {
		method = http.MethodPost
		body, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("marshal payload: %w", err)
		}
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	c.metrics.ProviderLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ProviderCalls.WithLabelValues(method, "transport_error").Inc()
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Int64("instance_id", instanceID).Msg("provider call failed")
		return Response{}, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	c.metrics.ProviderCalls.WithLabelValues(method, statusClass(resp.StatusCode())).Inc()

	raw := bytes.TrimSpace(resp.Body())
	if len(raw) == 0 || !json.Valid(raw) {
		c.logger.Warn().Str("method", method).Str("path", path).Int("status", resp.StatusCode()).Msg("provider returned non-json body")
		return Response{}, fmt.Errorf("%w: %s %s: status %d", ErrInvalidResponse, method, path, resp.StatusCode())
	}
	if resp.IsError() {
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode()).Msg("provider returned error status")
	}
	return Response{Status: resp.StatusCode(), Body: json.RawMessage(raw)}, nil
}

// Decode unmarshals the body into v, typically one of the go-openai wire types.
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// ProviderError returns the body's "error" field, or nil when there is none.
func (r Response) ProviderError() *openai.APIError {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &envelope); err != nil {
		return nil
	}
	raw := bytes.TrimSpace(envelope.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		return &openai.APIError{Message: text, HTTPStatusCode: r.Status}
	}

	apiErr := &openai.APIError{}
	if err := json.Unmarshal(raw, apiErr); err != nil || strings.TrimSpace(apiErr.Message) == "" {
		apiErr.Message = "Unknown error"
	}
	apiErr.HTTPStatusCode = r.Status
	return apiErr
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
