package modelconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

var (
	ErrDocumentNotFound = errors.New("gateway config not found")
	// ErrConfigIncomplete means no usable endpoint/model could be resolved.
	ErrConfigIncomplete = errors.New("gateway config incomplete: no usable model endpoint")
)

// Document is the stored form of a tenant's gateway configuration.
type Document struct {
	TenantID      string
	SchemaVersion int
	Body          json.RawMessage
	UpdatedAt     time.Time
}

// Store persists one Document per tenant.
type Store interface {
	LoadGatewayConfig(ctx context.Context, tenantID string) (*Document, error)
	// UpsertMigratedGatewayConfig writes doc unless the stored document
	// already has an equal or newer schema version.
	UpsertMigratedGatewayConfig(ctx context.Context, doc *Document) error
	// UpdateGatewayConfig runs fn on the current document (nil when none
	// exists) under a row lock and stores what fn returns.
	UpdateGatewayConfig(ctx context.Context, tenantID string, fn func(current *Document) (*Document, error)) (*Document, error)
}

// CredentialCipher seals and opens upstream credentials.
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	NeedsRotation(ciphertext string) bool
	Reencrypt(ciphertext string) (string, error)
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

type Resolver struct {
	store  Store
	cipher CredentialCipher
	now    func() time.Time
	logger *slog.Logger

	migrations singleflight.Group
}

func NewResolver(store Store, cipher CredentialCipher, opts Options) *Resolver {
	r := &Resolver{
		store:  store,
		cipher: cipher,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	return r
}

// DefaultConfig is what a tenant without a stored document sees.
func DefaultConfig(tenantID string) *models.GatewayConfig {
	return MigrateFromLegacy(tenantID, &LegacyConfig{})
}

// GetConfig loads the tenant's document, migrating it forward first when
// its schema version is behind.
func (r *Resolver) GetConfig(ctx context.Context, tenantID string) (*models.GatewayConfig, error) {
	doc, err := r.store.LoadGatewayConfig(ctx, tenantID)
	if errors.Is(err, ErrDocumentNotFound) {
		return DefaultConfig(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load gateway config: %w", err)
	}

	if doc.SchemaVersion >= models.CurrentSchemaVersion {
		return decodeCurrent(doc)
	}

	// concurrent readers share one migration; it is not tied to any one caller
	v, err, _ := r.migrations.Do(tenantID, func() (any, error) {
		return r.migrate(context.WithoutCancel(ctx), doc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.GatewayConfig).Clone(), nil
}

func (r *Resolver) migrate(ctx context.Context, doc *Document) (*models.GatewayConfig, error) {
	cfg, err := r.upgrade(doc)
	if err != nil {
		return nil, err
	}

	cfg.UpdatedAt = r.now().UTC()
	out, err := encode(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.store.UpsertMigratedGatewayConfig(ctx, out); err != nil {
		return nil, fmt.Errorf("persist migrated gateway config: %w", err)
	}

	r.logger.Info("gateway config migrated",
		slog.String("tenant", doc.TenantID),
		slog.Int("from_version", doc.SchemaVersion),
		slog.Int("to_version", cfg.SchemaVersion),
		slog.Int("endpoints", len(cfg.Endpoints)),
		slog.Int("selected_models", len(cfg.SelectedModels)))
	return cfg, nil
}

// upgrade decodes doc and migrates it when it is behind.
func (r *Resolver) upgrade(doc *Document) (*models.GatewayConfig, error) {
	if doc.SchemaVersion >= models.CurrentSchemaVersion {
		return decodeCurrent(doc)
	}
	var legacy LegacyConfig
	if len(doc.Body) > 0 {
		if err := json.Unmarshal(doc.Body, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy gateway config: %w", err)
		}
	}
	if legacy.SchemaVersion < doc.SchemaVersion {
		legacy.SchemaVersion = doc.SchemaVersion
	}
	return MigrateFromLegacy(doc.TenantID, &legacy), nil
}

// ResolveOrderedModels returns the fallback chain in priority order,
// leaving out entries whose endpoint is missing, disabled or undecryptable.
func (r *Resolver) ResolveOrderedModels(ctx context.Context, tenantID string) ([]models.ResolvedModel, error) {
	cfg, err := r.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(cfg)
}

// Resolve is ResolveOrderedModels for an already loaded config.
func (r *Resolver) Resolve(cfg *models.GatewayConfig) ([]models.ResolvedModel, error) {
	out := make([]models.ResolvedModel, 0, len(cfg.SelectedModels))
	creds := make(map[string]string)

	for _, sm := range cfg.SelectedModels {
		ep, ok := cfg.Endpoint(sm.EndpointID)
		if !ok || !ep.Enabled {
			continue
		}

		cred, ok := creds[ep.ID]
		if !ok {
			plain, err := r.cipher.Decrypt(ep.EncryptedCredential)
			if err != nil {
				r.logger.Warn("skipping endpoint with unreadable credential",
					slog.String("tenant", cfg.TenantID),
					slog.String("endpoint", ep.ID),
					slog.String("error", err.Error()))
				continue
			}
			cred = plain
			creds[ep.ID] = cred
		}

		out = append(out, models.ResolvedModel{
			EndpointID:     ep.ID,
			EndpointName:   ep.Name,
			BaseURL:        ep.BaseURL,
			Credential:     cred,
			ModelName:      sm.ModelName,
			TimeoutSeconds: cfg.TimeoutSeconds,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxTokens,
		})
	}

	if len(out) == 0 {
		return nil, ErrConfigIncomplete
	}
	return out, nil
}

// update applies fn to the current config (migrated if needed) and stores
// the result in the same locked write.
func (r *Resolver) update(ctx context.Context, tenantID string, fn func(cfg *models.GatewayConfig) error) (*models.GatewayConfig, error) {
	var result *models.GatewayConfig
	_, err := r.store.UpdateGatewayConfig(ctx, tenantID, func(current *Document) (*Document, error) {
		cfg := DefaultConfig(tenantID)
		if current != nil {
			var err error
			if cfg, err = r.upgrade(current); err != nil {
				return nil, err
			}
		}
		if err := fn(cfg); err != nil {
			return nil, err
		}
		cfg.UpdatedAt = r.now().UTC()
		result = cfg
		return encode(cfg)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func decodeCurrent(doc *Document) (*models.GatewayConfig, error) {
	var cfg models.GatewayConfig
	if err := json.Unmarshal(doc.Body, &cfg); err != nil {
		return nil, fmt.Errorf("decode gateway config: %w", err)
	}
	cfg.TenantID = doc.TenantID
	cfg.SchemaVersion = doc.SchemaVersion
	if cfg.Endpoints == nil {
		cfg.Endpoints = []models.ModelEndpoint{}
	}
	if cfg.SelectedModels == nil {
		cfg.SelectedModels = []models.SelectedModel{}
	}
	return &cfg, nil
}

func encode(cfg *models.GatewayConfig) (*Document, error) {
	if cfg.Endpoints == nil {
		cfg.Endpoints = []models.ModelEndpoint{}
	}
	if cfg.SelectedModels == nil {
		cfg.SelectedModels = []models.SelectedModel{}
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode gateway config: %w", err)
	}
	return &Document{
		TenantID:      cfg.TenantID,
		SchemaVersion: cfg.SchemaVersion,
		Body:          body,
		UpdatedAt:     cfg.UpdatedAt,
	}, nil
}
