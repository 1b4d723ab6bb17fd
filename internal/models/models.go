package models

import (
	"slices"
	"time"
)

// CurrentSchemaVersion is the version written by the resolver. Documents
// below it are migrated on read; versions never move backwards.
const CurrentSchemaVersion = 2

// GatewayConfig is the per-tenant singleton gateway document.
type GatewayConfig struct {
	TenantID       string          `json:"tenant_id"`
	SchemaVersion  int             `json:"schema_version"`
	Endpoints      []ModelEndpoint `json:"endpoints"`
	SelectedModels []SelectedModel `json:"selected_models"`

	TimeoutSeconds           int     `json:"timeout_seconds"`
	RequestsPerMinute        int     `json:"requests_per_minute"`
	PromptTemplate           string  `json:"prompt_template"`
	CustomSafetyPatternsText string  `json:"custom_safety_patterns_text"`
	Temperature              float64 `json:"temperature"`
	MaxTokens                int     `json:"max_tokens"`

	// Flat single-provider fields of schema version 1. Kept after migration
	// so an older deployment can still read the document.
	LegacyBaseURL    string `json:"api_url,omitempty"`
	LegacyCredential string `json:"api_key,omitempty"`
	LegacyModelName  string `json:"model,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ModelEndpoint is one upstream provider credential set.
type ModelEndpoint struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	BaseURL             string   `json:"base_url"`
	EncryptedCredential string   `json:"encrypted_credential"`
	Models              []string `json:"models"`
	Enabled             bool     `json:"enabled"`
}

// SelectedModel is one fallback entry; its position in the list is its priority.
type SelectedModel struct {
	EndpointID string `json:"endpoint_id"`
	ModelName  string `json:"model_name"`
}

// ResolvedModel is a ready-to-call candidate with a decrypted credential.
type ResolvedModel struct {
	EndpointID     string
	EndpointName   string
	BaseURL        string
	Credential     string
	ModelName      string
	TimeoutSeconds int
	Temperature    float64
	MaxTokens      int
}

func (c *GatewayConfig) Endpoint(id string) (*ModelEndpoint, bool) {
	for i := range c.Endpoints {
		if c.Endpoints[i].ID == id {
			return &c.Endpoints[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (c *GatewayConfig) Clone() *GatewayConfig {
	out := *c
	out.Endpoints = slices.Clone(c.Endpoints)
	for i := range out.Endpoints {
		out.Endpoints[i].Models = slices.Clone(out.Endpoints[i].Models)
	}
	out.SelectedModels = slices.Clone(c.SelectedModels)
	return &out
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationMessage is a message as kept by the conversation store.
type ConversationMessage struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type PatternOrigin string

const (
	OriginBuiltin PatternOrigin = "builtin"
	OriginCustom  PatternOrigin = "custom"
)

// SafetyIncident is an append-only audit record of a screener match.
type SafetyIncident struct {
	ID         int64         `json:"id"`
	TenantID   string        `json:"tenant_id"`
	UserID     string        `json:"user_id"`
	Pattern    string        `json:"pattern"`
	Origin     PatternOrigin `json:"origin"`
	Excerpt    string        `json:"excerpt"`
	Blocked    bool          `json:"blocked"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type EffectivenessVerdict struct {
	ConversationID string    `json:"conversation_id"`
	IsEffective    bool      `json:"is_effective"`
	FailedRule     string    `json:"failed_rule,omitempty"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}
