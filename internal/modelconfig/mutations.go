package modelconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
	"github.com/HanTheDev/tutor-chat-gateway/internal/safety"
)

var ErrEndpointNotFound = errors.New("endpoint not found")

// ValidationError reports a rejected mutation input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type EndpointInput struct {
	Name       string   `json:"name"`
	BaseURL    string   `json:"base_url"`
	Credential string   `json:"credential"`
	Models     []string `json:"models"`
	Enabled    *bool    `json:"enabled"`
}

// EndpointPatch updates only the fields that are set.
type EndpointPatch struct {
	Name       *string   `json:"name"`
	BaseURL    *string   `json:"base_url"`
	Credential *string   `json:"credential"`
	Models     *[]string `json:"models"`
	Enabled    *bool     `json:"enabled"`
}

type SettingsPatch struct {
	TimeoutSeconds           *int     `json:"timeout_seconds"`
	RequestsPerMinute        *int     `json:"requests_per_minute"`
	PromptTemplate           *string  `json:"prompt_template"`
	CustomSafetyPatternsText *string  `json:"custom_safety_patterns_text"`
	Temperature              *float64 `json:"temperature"`
	MaxTokens                *int     `json:"max_tokens"`
}

func (r *Resolver) AddEndpoint(ctx context.Context, tenantID string, in EndpointInput) (*models.ModelEndpoint, error) {
	baseURL, err := validateBaseURL(in.BaseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Credential) == "" {
		return nil, &ValidationError{Field: "credential", Message: "required"}
	}
	sealed, err := r.cipher.Encrypt(strings.TrimSpace(in.Credential))
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	ep := models.ModelEndpoint{
		ID:                  uuid.NewString(),
		Name:                strings.TrimSpace(in.Name),
		BaseURL:             baseURL,
		EncryptedCredential: sealed,
		Models:              normalizeModels(in.Models),
		Enabled:             in.Enabled == nil || *in.Enabled,
	}

	_, err = r.update(ctx, tenantID, func(cfg *models.GatewayConfig) error {
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("Endpoint %d", len(cfg.Endpoints)+1)
		}
		cfg.Endpoints = append(cfg.Endpoints, ep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("endpoint added", slog.String("tenant", tenantID), slog.String("endpoint", ep.ID))
	return &ep, nil
}

func (r *Resolver) UpdateEndpoint(ctx context.Context, tenantID, endpointID string, patch EndpointPatch) (*models.ModelEndpoint, error) {
	var sealed string
	if patch.Credential != nil {
		if strings.TrimSpace(*patch.Credential) == "" {
			return nil, &ValidationError{Field: "credential", Message: "must not be empty"}
		}
		var err error
		if sealed, err = r.cipher.Encrypt(strings.TrimSpace(*patch.Credential)); err != nil {
			return nil, fmt.Errorf("encrypt credential: %w", err)
		}
	}
	var baseURL string
	if patch.BaseURL != nil {
		var err error
		if baseURL, err = validateBaseURL(*patch.BaseURL); err != nil {
			return nil, err
		}
	}

	var updated models.ModelEndpoint
	_, err := r.update(ctx, tenantID, func(cfg *models.GatewayConfig) error {
		ep, ok := cfg.Endpoint(endpointID)
		if !ok {
			return ErrEndpointNotFound
		}
		if patch.Name != nil && strings.TrimSpace(*patch.Name) != "" {
			ep.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.BaseURL != nil {
			ep.BaseURL = baseURL
		}
		if patch.Enabled != nil {
			ep.Enabled = *patch.Enabled
		}
		switch {
		case sealed != "":
			ep.EncryptedCredential = sealed
		case r.cipher.NeedsRotation(ep.EncryptedCredential):
			if fresh, err := r.cipher.Reencrypt(ep.EncryptedCredential); err == nil {
				ep.EncryptedCredential = fresh
			}
		}
		if patch.Models != nil {
			ep.Models = normalizeModels(*patch.Models)
			if len(ep.Models) > 0 {
				cfg.SelectedModels = slices.DeleteFunc(cfg.SelectedModels, func(sm models.SelectedModel) bool {
					return sm.EndpointID == ep.ID && !slices.Contains(ep.Models, sm.ModelName)
				})
			}
		}
		updated = *ep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteEndpoint removes the endpoint and every selection that references it.
func (r *Resolver) DeleteEndpoint(ctx context.Context, tenantID, endpointID string) error {
	_, err := r.update(ctx, tenantID, func(cfg *models.GatewayConfig) error {
		if _, ok := cfg.Endpoint(endpointID); !ok {
			return ErrEndpointNotFound
		}
		cfg.Endpoints = slices.DeleteFunc(cfg.Endpoints, func(ep models.ModelEndpoint) bool {
			return ep.ID == endpointID
		})
		cfg.SelectedModels = slices.DeleteFunc(cfg.SelectedModels, func(sm models.SelectedModel) bool {
			return sm.EndpointID == endpointID
		})
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("endpoint deleted", slog.String("tenant", tenantID), slog.String("endpoint", endpointID))
	return nil
}

// UpdateSelectedModels replaces the fallback chain. Every entry must name an
// existing endpoint and, when the endpoint advertises models, one of them.
func (r *Resolver) UpdateSelectedModels(ctx context.Context, tenantID string, selected []models.SelectedModel) ([]models.SelectedModel, error) {
	var out []models.SelectedModel
	_, err := r.update(ctx, tenantID, func(cfg *models.GatewayConfig) error {
		next := make([]models.SelectedModel, 0, len(selected))
		seen := make(map[models.SelectedModel]bool, len(selected))
		for i, sm := range selected {
			sm.ModelName = strings.TrimSpace(sm.ModelName)
			field := fmt.Sprintf("selected_models[%d]", i)
			ep, ok := cfg.Endpoint(sm.EndpointID)
			if !ok {
				return &ValidationError{Field: field, Message: "unknown endpoint " + sm.EndpointID}
			}
			if sm.ModelName == "" {
				return &ValidationError{Field: field, Message: "model name required"}
			}
			if len(ep.Models) > 0 && !slices.Contains(ep.Models, sm.ModelName) {
				return &ValidationError{Field: field, Message: "model not offered by endpoint"}
			}
			if seen[sm] {
				return &ValidationError{Field: field, Message: "duplicate entry"}
			}
			seen[sm] = true
			next = append(next, sm)
		}
		cfg.SelectedModels = next
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) UpdateSettings(ctx context.Context, tenantID string, patch SettingsPatch) (*models.GatewayConfig, error) {
	if err := validateSettings(patch); err != nil {
		return nil, err
	}
	return r.update(ctx, tenantID, func(cfg *models.GatewayConfig) error {
		if patch.TimeoutSeconds != nil {
			cfg.TimeoutSeconds = *patch.TimeoutSeconds
		}
		if patch.RequestsPerMinute != nil {
			cfg.RequestsPerMinute = *patch.RequestsPerMinute
		}
		if patch.PromptTemplate != nil {
			cfg.PromptTemplate = *patch.PromptTemplate
		}
		if patch.CustomSafetyPatternsText != nil {
			cfg.CustomSafetyPatternsText = *patch.CustomSafetyPatternsText
		}
		if patch.Temperature != nil {
			cfg.Temperature = *patch.Temperature
		}
		if patch.MaxTokens != nil {
			cfg.MaxTokens = *patch.MaxTokens
		}
		return nil
	})
}

func validateSettings(p SettingsPatch) error {
	if p.TimeoutSeconds != nil && (*p.TimeoutSeconds < 1 || *p.TimeoutSeconds > 300) {
		return &ValidationError{Field: "timeout_seconds", Message: "must be between 1 and 300"}
	}
	if p.RequestsPerMinute != nil && (*p.RequestsPerMinute < 1 || *p.RequestsPerMinute > 10000) {
		return &ValidationError{Field: "requests_per_minute", Message: "must be between 1 and 10000"}
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return &ValidationError{Field: "temperature", Message: "must be between 0 and 2"}
	}
	if p.MaxTokens != nil && (*p.MaxTokens < 1 || *p.MaxTokens > 32000) {
		return &ValidationError{Field: "max_tokens", Message: "must be between 1 and 32000"}
	}
	if p.CustomSafetyPatternsText != nil {
		problems := safety.CheckCustomPatterns(*p.CustomSafetyPatternsText)
		if len(problems) > 0 {
			bad := make([]string, 0, len(problems))
			for src := range problems {
				bad = append(bad, src)
			}
			sort.Strings(bad)
			return &ValidationError{Field: "custom_safety_patterns_text", Message: "rejected patterns: " + strings.Join(bad, ", ")}
		}
	}
	return nil
}

func validateBaseURL(raw string) (string, error) {
	baseURL := normalizeBaseURL(raw)
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &ValidationError{Field: "base_url", Message: "must be an absolute http(s) URL"}
	}
	return baseURL, nil
}

// Redacted returns a copy of cfg safe to show to administrators.
func Redacted(cfg *models.GatewayConfig) *models.GatewayConfig {
	out := cfg.Clone()
	for i := range out.Endpoints {
		if out.Endpoints[i].EncryptedCredential != "" {
			out.Endpoints[i].EncryptedCredential = "********"
		}
	}
	if out.LegacyCredential != "" {
		out.LegacyCredential = "********"
	}
	return out
}
