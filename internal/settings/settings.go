// Package settings resolves the effective configuration of one chat request from site
// defaults, instance overrides and call-time values.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrAPIKeyMissing    = errors.New("api key missing")
	ErrInstanceNotFound = errors.New("instance not found")
)

// Site config names. Instance overrides and call-time overrides use the same names.
const (
	KeyAPIKey                = "apikey"
	KeyType                  = "type"
	KeyModel                 = "model"
	KeyModels                = "models"
	KeyPrompt                = "prompt"
	KeySourceOfTruth         = "sourceoftruth"
	KeyAssistantName         = "assistantname"
	KeyUserName              = "username"
	KeyTemperature           = "temperature"
	KeyMaxTokens             = "maxlength"
	KeyTopP                  = "topp"
	KeyFrequencyPenalty      = "frequency"
	KeyPresencePenalty       = "presence"
	KeyAssistant             = "assistant"
	KeyInstructions          = "instructions"
	KeyQuestionLimit         = "questionlimit"
	KeyAdvanced              = "advanced"
	KeyPersistConvo          = "persistconvo"
	KeyAllowInstanceSettings = "allowinstancesettings"
)

const (
	TypeChat      = "chat"
	TypeAssistant = "assistant"
)

const (
	DefaultPrompt           = "Below is a conversation between a user and a support assistant for a Moodle site, where users go for online learning:"
	DefaultAssistantName    = "Assistant"
	DefaultUserName         = "User"
	DefaultModel            = "gpt-4o-mini"
	DefaultInstructions     = "You are a helpful assistant."
	DefaultTemperature      = 0.5
	DefaultMaxTokens        = 500
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 1.0
	DefaultPresencePenalty  = 1.0
)

// Provider is the site-wide key/value configuration. Unset keys return "".
type Provider interface {
	Value(ctx context.Context, key string) (string, error)
}

// Instance is the per-activity record as the resolver sees it. APIKey is already decrypted.
type Instance struct {
	ID           int64
	Type         string
	PersistConvo bool
	APIKey       string
	Values       map[string]string
}

type InstanceSource interface {
	Instance(ctx context.Context, id int64) (Instance, error)
}

// Effective is the request-scoped configuration after precedence is applied.
type Effective struct {
	InstanceID    int64
	Type          string
	Model         string
	APIKey        string
	Prompt        string
	SourceOfTruth string
	AssistantName string
	UserName      string

	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Advanced         map[string]any

	AssistantID  string
	Instructions string

	QuestionLimit int
	PersistConvo  bool
}

type Resolver struct {
	site      Provider
	instances InstanceSource
}

func NewResolver(site Provider, instances InstanceSource) *Resolver {
	return &Resolver{site: site, instances: instances}
}

type lookup struct {
	ctx       context.Context
	site      Provider
	instance  Instance
	allow     bool
	overrides map[string]string
	err       error
}

// get applies call-time > instance > site precedence; empty values never win.
func (l *lookup) get(key string) string {
	if v := strings.TrimSpace(l.overrides[key]); v != "" {
		return v
	}
	if l.allow {
		if v := strings.TrimSpace(l.instance.Values[key]); v != "" {
			return v
		}
	}
	if l.err != nil {
		return ""
	}
	v, err := l.site.Value(l.ctx, key)
	if err != nil {
		l.err = fmt.Errorf("site setting %q: %w", key, err)
		return ""
	}
	return strings.TrimSpace(v)
}

func (l *lookup) text(key, def string) string {
	if v := l.get(key); v != "" {
		return v
	}
	return def
}

func (l *lookup) float(key string, def float64) float64 {
	v := l.get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func (l *lookup) int(key string, def int) int {
	v := l.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return def
		}
		return int(f)
	}
	return n
}

func (r *Resolver) newLookup(ctx context.Context, instanceID int64, overrides map[string]string) (*lookup, error) {
	instance, err := r.instances.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	allow, err := r.site.Value(ctx, KeyAllowInstanceSettings)
	if err != nil {
		return nil, fmt.Errorf("site setting %q: %w", KeyAllowInstanceSettings, err)
	}
	return &lookup{
		ctx:       ctx,
		site:      r.site,
		instance:  instance,
		allow:     strings.TrimSpace(allow) == "1",
		overrides: overrides,
	}, nil
}

// Resolve builds the effective settings for instanceID. ErrAPIKeyMissing is returned together
// with the otherwise complete settings so callers can still render the widget shell.
func (r *Resolver) Resolve(ctx context.Context, instanceID int64, overrides map[string]string) (Effective, error) {
	l, err := r.newLookup(ctx, instanceID, overrides)
	if err != nil {
		return Effective{}, err
	}

	eff := Effective{
		InstanceID:    instanceID,
		Model:         l.text(KeyModel, DefaultModel),
		Prompt:        l.text(KeyPrompt, DefaultPrompt),
		SourceOfTruth: l.get(KeySourceOfTruth),
		AssistantName: l.text(KeyAssistantName, DefaultAssistantName),
		UserName:      l.text(KeyUserName, DefaultUserName),

		Temperature:      l.float(KeyTemperature, DefaultTemperature),
		MaxTokens:        l.int(KeyMaxTokens, DefaultMaxTokens),
		TopP:             l.float(KeyTopP, DefaultTopP),
		FrequencyPenalty: l.float(KeyFrequencyPenalty, DefaultFrequencyPenalty),
		PresencePenalty:  l.float(KeyPresencePenalty, DefaultPresencePenalty),
		Advanced:         ParseAdvanced(l.get(KeyAdvanced)),

		AssistantID:  l.get(KeyAssistant),
		Instructions: l.text(KeyInstructions, DefaultInstructions),

		QuestionLimit: l.int(KeyQuestionLimit, 0),
		PersistConvo:  l.instance.PersistConvo,
	}
	if eff.QuestionLimit < 0 {
		eff.QuestionLimit = 0
	}

	eff.Type = strings.ToLower(strings.TrimSpace(l.instance.Type))
	if eff.Type == "" {
		eff.Type = strings.ToLower(l.text(KeyType, TypeChat))
	}

	eff.APIKey = strings.TrimSpace(l.instance.APIKey)
	if eff.APIKey == "" {
		site, err := r.site.Value(ctx, KeyAPIKey)
		if err != nil {
			return Effective{}, fmt.Errorf("site setting %q: %w", KeyAPIKey, err)
		}
		eff.APIKey = strings.TrimSpace(site)
	}

	if l.err != nil {
		return Effective{}, l.err
	}
	if eff.APIKey == "" {
		return eff, ErrAPIKeyMissing
	}
	return eff, nil
}

// QuestionLimit resolves only the question ceiling for instanceID; 0 means unlimited.
func (r *Resolver) QuestionLimit(ctx context.Context, instanceID int64) (int, error) {
	l, err := r.newLookup(ctx, instanceID, nil)
	if err != nil {
		return 0, err
	}
	limit := l.int(KeyQuestionLimit, 0)
	if l.err != nil {
		return 0, l.err
	}
	if limit < 0 {
		limit = 0
	}
	return limit, nil
}

// APIKey returns the instance key when one is stored, otherwise the site key.
func (r *Resolver) APIKey(ctx context.Context, instanceID int64) (string, error) {
	instance, err := r.instances.Instance(ctx, instanceID)
	if err != nil && !errors.Is(err, ErrInstanceNotFound) {
		return "", err
	}
	if key := strings.TrimSpace(instance.APIKey); key != "" {
		return key, nil
	}
	site, err := r.site.Value(ctx, KeyAPIKey)
	if err != nil {
		return "", fmt.Errorf("site setting %q: %w", KeyAPIKey, err)
	}
	if strings.TrimSpace(site) == "" {
		return "", ErrAPIKeyMissing
	}
	return strings.TrimSpace(site), nil
}

// Models returns the configured model list, falling back to the built-in one.
func (r *Resolver) Models(ctx context.Context) (map[string]string, error) {
	raw, err := r.site.Value(ctx, KeyModels)
	if err != nil {
		return nil, fmt.Errorf("site setting %q: %w", KeyModels, err)
	}
	return ParseModels(raw), nil
}
