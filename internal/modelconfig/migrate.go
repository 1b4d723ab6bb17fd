package modelconfig

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

const (
	DefaultTimeoutSeconds    = 30
	DefaultRequestsPerMinute = 10
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 2000

	DefaultPromptTemplate = "你是一名耐心的编程导师，正在帮助学生处理“{question_label}”类问题（{question_type}）。" +
		"请引导学生思考，解释思路和原理，不要直接给出完整答案代码。"
)

// LegacyConfig decodes any stored document version. Pointer fields tell
// "absent" apart from zero values.
type LegacyConfig struct {
	SchemaVersion  int                    `json:"schema_version"`
	Endpoints      []LegacyEndpoint       `json:"endpoints"`
	SelectedModels []models.SelectedModel `json:"selected_models"`

	TimeoutSeconds           *int     `json:"timeout_seconds"`
	RequestsPerMinute        *int     `json:"requests_per_minute"`
	PromptTemplate           *string  `json:"prompt_template"`
	CustomSafetyPatternsText string   `json:"custom_safety_patterns_text"`
	Temperature              *float64 `json:"temperature"`
	MaxTokens                *int     `json:"max_tokens"`

	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type LegacyEndpoint struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	BaseURL             string   `json:"base_url"`
	EncryptedCredential string   `json:"encrypted_credential"`
	Models              []string `json:"models"`
	Enabled             *bool    `json:"enabled"`
}

// MigrateFromLegacy upgrades a document of any version to the current
// schema. It is deterministic: ids for endpoints that lack one are derived
// from the tenant and the endpoint's position, so concurrent migrations of
// the same document produce the same result.
func MigrateFromLegacy(tenantID string, legacy *LegacyConfig) *models.GatewayConfig {
	cfg := &models.GatewayConfig{
		TenantID:                 tenantID,
		SchemaVersion:            max(legacy.SchemaVersion, models.CurrentSchemaVersion),
		TimeoutSeconds:           intOr(legacy.TimeoutSeconds, DefaultTimeoutSeconds),
		RequestsPerMinute:        intOr(legacy.RequestsPerMinute, DefaultRequestsPerMinute),
		PromptTemplate:           DefaultPromptTemplate,
		CustomSafetyPatternsText: legacy.CustomSafetyPatternsText,
		Temperature:              DefaultTemperature,
		MaxTokens:                intOr(legacy.MaxTokens, DefaultMaxTokens),
		LegacyBaseURL:            legacy.APIURL,
		LegacyCredential:         legacy.APIKey,
		LegacyModelName:          legacy.Model,
	}
	if legacy.PromptTemplate != nil {
		cfg.PromptTemplate = *legacy.PromptTemplate
	}
	if legacy.Temperature != nil {
		cfg.Temperature = *legacy.Temperature
	}

	if legacy.Endpoints != nil {
		cfg.Endpoints = normalizeEndpoints(tenantID, legacy.Endpoints)
		cfg.SelectedModels = deriveSelection(cfg.Endpoints, legacy.SelectedModels, strings.TrimSpace(legacy.Model))
	} else {
		cfg.Endpoints, cfg.SelectedModels = synthesizeDefault(tenantID, legacy)
	}
	return cfg
}

func normalizeEndpoints(tenantID string, in []LegacyEndpoint) []models.ModelEndpoint {
	out := make([]models.ModelEndpoint, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, le := range in {
		ep := models.ModelEndpoint{
			ID:                  strings.TrimSpace(le.ID),
			Name:                strings.TrimSpace(le.Name),
			BaseURL:             normalizeBaseURL(le.BaseURL),
			EncryptedCredential: le.EncryptedCredential,
			Models:              normalizeModels(le.Models),
			Enabled:             le.Enabled == nil || *le.Enabled,
		}
		if ep.ID == "" || seen[ep.ID] {
			ep.ID = derivedID(tenantID, i, ep.BaseURL)
		}
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("Endpoint %d", i+1)
		}
		seen[ep.ID] = true
		out = append(out, ep)
	}
	return out
}

// deriveSelection keeps the valid existing entries, else binds the legacy
// flat model to the first endpoint, else picks each endpoint's first model.
func deriveSelection(endpoints []models.ModelEndpoint, existing []models.SelectedModel, legacyModel string) []models.SelectedModel {
	ids := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		ids[ep.ID] = true
	}

	selected := make([]models.SelectedModel, 0, len(existing))
	seen := make(map[models.SelectedModel]bool, len(existing))
	for _, sm := range existing {
		sm.ModelName = strings.TrimSpace(sm.ModelName)
		if !ids[sm.EndpointID] || sm.ModelName == "" || seen[sm] {
			continue
		}
		seen[sm] = true
		selected = append(selected, sm)
	}
	if len(selected) > 0 {
		return selected
	}

	if legacyModel != "" && len(endpoints) > 0 {
		return []models.SelectedModel{{EndpointID: endpoints[0].ID, ModelName: legacyModel}}
	}

	for _, ep := range endpoints {
		if len(ep.Models) > 0 {
			selected = append(selected, models.SelectedModel{EndpointID: ep.ID, ModelName: ep.Models[0]})
		}
	}
	return selected
}

func synthesizeDefault(tenantID string, legacy *LegacyConfig) ([]models.ModelEndpoint, []models.SelectedModel) {
	baseURL := normalizeBaseURL(legacy.APIURL)
	if baseURL == "" || legacy.APIKey == "" {
		return []models.ModelEndpoint{}, []models.SelectedModel{}
	}

	model := strings.TrimSpace(legacy.Model)
	ep := models.ModelEndpoint{
		ID:                  derivedID(tenantID, 0, baseURL),
		Name:                "Default",
		BaseURL:             baseURL,
		EncryptedCredential: legacy.APIKey,
		Models:              []string{},
		Enabled:             true,
	}
	selected := []models.SelectedModel{}
	if model != "" {
		ep.Models = []string{model}
		selected = append(selected, models.SelectedModel{EndpointID: ep.ID, ModelName: model})
	}
	return []models.ModelEndpoint{ep}, selected
}

func derivedID(tenantID string, index int, baseURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%d/%s", tenantID, index, baseURL))).String()
}

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func normalizeModels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func intOr(v *int, def int) int {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}
