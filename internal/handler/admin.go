package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"coursechat/internal/completion"
	"coursechat/internal/crypto"
	"coursechat/internal/provider"
	"coursechat/internal/settings"
	"coursechat/internal/storage"
)

var siteKeys = map[string]bool{
	settings.KeyAPIKey:                true,
	settings.KeyType:                  true,
	settings.KeyModel:                 true,
	settings.KeyModels:                true,
	settings.KeyPrompt:                true,
	settings.KeySourceOfTruth:         true,
	settings.KeyAssistantName:         true,
	settings.KeyUserName:              true,
	settings.KeyTemperature:           true,
	settings.KeyMaxTokens:             true,
	settings.KeyTopP:                  true,
	settings.KeyFrequencyPenalty:      true,
	settings.KeyPresencePenalty:       true,
	settings.KeyAssistant:             true,
	settings.KeyInstructions:          true,
	settings.KeyQuestionLimit:         true,
	settings.KeyAdvanced:              true,
	settings.KeyAllowInstanceSettings: true,
}

type AdminConfig struct {
	Store    *storage.Store
	Keyring  *crypto.Keyring
	Settings *settings.Resolver
	Provider completion.Caller
	Logger   zerolog.Logger
}

// AdminHandler edits site and instance settings and probes the provider on behalf of admins.
type AdminHandler struct {
	cfg    AdminConfig
	logger zerolog.Logger
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	return &AdminHandler{cfg: cfg, logger: cfg.Logger.With().Str("component", "admin").Logger()}
}

// Config handles GET /api/admin/config
func (h *AdminHandler) Config(w http.ResponseWriter, r *http.Request) {
	values, err := h.cfg.Store.ListConfig(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list site config")
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		if v.Name == settings.KeyAPIKey {
			out[v.Name] = crypto.Redact(v.Value)
			continue
		}
		out[v.Name] = v.Value
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateConfig handles PUT /api/admin/config. Only the keys in the body are written.
func (h *AdminHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for name := range body {
		if !siteKeys[name] {
			writeError(w, http.StatusBadRequest, "unknown setting "+name)
			return
		}
	}
	if t, ok := body[settings.KeyType]; ok && !validType(t) {
		writeError(w, http.StatusBadRequest, "type must be chat or assistant")
		return
	}
	for name, value := range body {
		if err := h.cfg.Store.SetConfig(r.Context(), name, strings.TrimSpace(value)); err != nil {
			h.logger.Error().Err(err).Str("name", name).Msg("failed to store site config")
			writeError(w, http.StatusInternalServerError, "failed to store config")
			return
		}
	}
	h.Config(w, r)
}

type instanceView struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	PersistConvo bool              `json:"persistConvo"`
	APIKey       string            `json:"apiKey"`
	Settings     map[string]string `json:"settings"`
}

// instanceUpdate replaces an instance. A nil APIKey keeps the stored key and "" removes it.
type instanceUpdate struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	PersistConvo bool              `json:"persistConvo"`
	APIKey       *string           `json:"apiKey"`
	Settings     map[string]string `json:"settings"`
}

// Instance handles GET /api/admin/instances/{id}
func (h *AdminHandler) Instance(w http.ResponseWriter, r *http.Request) {
	id, err := parseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := h.cfg.Store.GetInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "activity not found")
			return
		}
		h.logger.Error().Err(err).Int64("instance_id", id).Msg("failed to load instance")
		writeError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	view, err := h.view(in)
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", id).Msg("failed to open instance api key")
		writeError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateInstance handles PUT /api/admin/instances/{id}
func (h *AdminHandler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := parseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req instanceUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type != "" && !validType(req.Type) {
		writeError(w, http.StatusBadRequest, "type must be chat or assistant")
		return
	}
	for name := range req.Settings {
		if !siteKeys[name] || name == settings.KeyAPIKey || name == settings.KeyAllowInstanceSettings || name == settings.KeyModels {
			writeError(w, http.StatusBadRequest, "setting "+name+" cannot be overridden per activity")
			return
		}
	}

	existing, err := h.cfg.Store.GetInstance(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error().Err(err).Int64("instance_id", id).Msg("failed to load instance")
		writeError(w, http.StatusInternalServerError, "failed to store instance")
		return
	}

	in := storage.Instance{
		ID:           id,
		Name:         strings.TrimSpace(req.Name),
		Type:         strings.ToLower(strings.TrimSpace(req.Type)),
		PersistConvo: req.PersistConvo,
		EncAPIKey:    existing.EncAPIKey,
		Settings:     req.Settings,
	}
	if req.APIKey != nil {
		in.EncAPIKey = nil
		if key := strings.TrimSpace(*req.APIKey); key != "" {
			sealed, err := h.cfg.Keyring.Seal(key)
			if err != nil {
				h.logger.Error().Err(err).Int64("instance_id", id).Msg("failed to seal instance api key")
				writeError(w, http.StatusInternalServerError, "failed to store instance")
				return
			}
			in.EncAPIKey = &sealed
		}
	}
	if err := h.cfg.Store.UpsertInstance(ctx, in); err != nil {
		h.logger.Error().Err(err).Int64("instance_id", id).Msg("failed to store instance")
		writeError(w, http.StatusInternalServerError, "failed to store instance")
		return
	}
	h.logger.Info().Int64("instance_id", id).Str("type", in.Type).Bool("api_key", in.EncAPIKey != nil).Msg("instance updated")
	h.Instance(w, r)
}

func (h *AdminHandler) view(in storage.Instance) (instanceView, error) {
	v := instanceView{
		ID:           in.ID,
		Name:         in.Name,
		Type:         in.Type,
		PersistConvo: in.PersistConvo,
		Settings:     in.Settings,
	}
	if in.EncAPIKey != nil {
		key, err := h.cfg.Keyring.Open(*in.EncAPIKey)
		if err != nil {
			return instanceView{}, err
		}
		v.APIKey = crypto.Redact(key)
	}
	return v, nil
}

type modelView struct {
	Model string `json:"model"`
	Type  string `json:"type"`
}

// Models handles GET /api/admin/models
func (h *AdminHandler) Models(w http.ResponseWriter, r *http.Request) {
	models, err := h.cfg.Settings.Models(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load model list")
		writeError(w, http.StatusInternalServerError, "failed to load models")
		return
	}
	out := make([]modelView, 0, len(models))
	for model, kind := range models {
		out = append(out, modelView{Model: model, Type: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	writeJSON(w, http.StatusOK, out)
}

type assistantView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Assistants handles GET /api/admin/assistants. Without modId the site key is used.
func (h *AdminHandler) Assistants(w http.ResponseWriter, r *http.Request) {
	instanceID := optionalInstance(r)
	resp, err := h.cfg.Provider.Call(r.Context(), "/assistants?order=desc&limit=100", instanceID, nil, provider.BetaHeaders)
	if err != nil {
		h.providerFailure(w, err, instanceID)
		return
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		writeError(w, http.StatusBadGateway, apiErr.Message)
		return
	}
	var list openai.AssistantsList
	if err := resp.Decode(&list); err != nil {
		writeError(w, http.StatusBadGateway, "invalid provider response")
		return
	}
	out := make([]assistantView, 0, len(list.Assistants))
	for _, a := range list.Assistants {
		name := a.ID
		if a.Name != nil && strings.TrimSpace(*a.Name) != "" {
			name = *a.Name
		}
		out = append(out, assistantView{ID: a.ID, Name: name})
	}
	writeJSON(w, http.StatusOK, out)
}

// Connection handles GET /api/admin/connection
func (h *AdminHandler) Connection(w http.ResponseWriter, r *http.Request) {
	instanceID := optionalInstance(r)
	resp, err := h.cfg.Provider.Call(r.Context(), "/models", instanceID, nil, nil)
	if err != nil {
		if errors.Is(err, settings.ErrAPIKeyMissing) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": MsgAPIKeyMissing})
			return
		}
		h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("connection test failed")
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": completion.MsgUnavailable})
		return
	}
	if apiErr := resp.ProviderError(); apiErr != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": apiErr.Message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AdminHandler) providerFailure(w http.ResponseWriter, err error, instanceID int64) {
	if errors.Is(err, settings.ErrAPIKeyMissing) {
		writeError(w, http.StatusServiceUnavailable, MsgAPIKeyMissing)
		return
	}
	h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("provider call failed")
	writeError(w, http.StatusBadGateway, completion.MsgUnavailable)
}

func optionalInstance(r *http.Request) int64 {
	id, err := instanceParam(r)
	if err != nil {
		return 0
	}
	return id
}

func validType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case settings.TypeChat, settings.TypeAssistant:
		return true
	}
	return false
}
