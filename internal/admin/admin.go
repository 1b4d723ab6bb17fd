package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/tutor-chat-gateway/internal/auth"
	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/modelconfig"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
	"github.com/HanTheDev/tutor-chat-gateway/internal/safety"
)

// ConfigManager is implemented by *modelconfig.Resolver.
type ConfigManager interface {
	GetConfig(ctx context.Context, tenantID string) (*models.GatewayConfig, error)
	Resolve(cfg *models.GatewayConfig) ([]models.ResolvedModel, error)
	AddEndpoint(ctx context.Context, tenantID string, in modelconfig.EndpointInput) (*models.ModelEndpoint, error)
	UpdateEndpoint(ctx context.Context, tenantID, endpointID string, patch modelconfig.EndpointPatch) (*models.ModelEndpoint, error)
	DeleteEndpoint(ctx context.Context, tenantID, endpointID string) error
	UpdateSelectedModels(ctx context.Context, tenantID string, selected []models.SelectedModel) ([]models.SelectedModel, error)
	UpdateSettings(ctx context.Context, tenantID string, patch modelconfig.SettingsPatch) (*models.GatewayConfig, error)
}

type IncidentLister interface {
	ListSafetyIncidents(ctx context.Context, tenantID string, limit int) ([]models.SafetyIncident, error)
}

type AdminHandler struct {
	configs   ConfigManager
	incidents IncidentLister
	logger    *slog.Logger
}

func NewAdminHandler(configs ConfigManager, incidents IncidentLister, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AdminHandler{configs: configs, incidents: incidents, logger: logger}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	// Gateway configuration
	router.HandleFunc("/gateway", h.GetConfig).Methods("GET")
	router.HandleFunc("/gateway/chain", h.GetChain).Methods("GET")
	router.HandleFunc("/gateway/endpoints", h.AddEndpoint).Methods("POST")
	router.HandleFunc("/gateway/endpoints/{id}", h.UpdateEndpoint).Methods("PATCH")
	router.HandleFunc("/gateway/endpoints/{id}", h.DeleteEndpoint).Methods("DELETE")
	router.HandleFunc("/gateway/selected-models", h.UpdateSelectedModels).Methods("PUT")
	router.HandleFunc("/gateway/settings", h.UpdateSettings).Methods("PATCH")

	// Safety audit
	router.HandleFunc("/safety/incidents", h.ListIncidents).Methods("GET")
	router.HandleFunc("/safety/patterns/check", h.CheckPatterns).Methods("POST")
}

func tenantOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return claims.TenantID, true
}

func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	cfg, err := h.configs.GetConfig(r.Context(), tenant)
	if err != nil {
		h.fail(w, tenant, "get gateway config", err)
		return
	}
	writeJSON(w, http.StatusOK, modelconfig.Redacted(cfg))
}

type chainEntry struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`
	ModelName    string `json:"model_name"`
}

// GetChain shows the fallback chain as chat requests would see it.
func (h *AdminHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	cfg, err := h.configs.GetConfig(r.Context(), tenant)
	if err != nil {
		h.fail(w, tenant, "get gateway config", err)
		return
	}
	resolved, err := h.configs.Resolve(cfg)
	if err != nil && !errors.Is(err, modelconfig.ErrConfigIncomplete) {
		h.fail(w, tenant, "resolve chain", err)
		return
	}
	chain := make([]chainEntry, 0, len(resolved))
	for _, m := range resolved {
		chain = append(chain, chainEntry{EndpointID: m.EndpointID, EndpointName: m.EndpointName, ModelName: m.ModelName})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"complete": len(chain) > 0,
		"chain":    chain,
	})
}

func (h *AdminHandler) AddEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	var req modelconfig.EndpointInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	ep, err := h.configs.AddEndpoint(r.Context(), tenant, req)
	if err != nil {
		h.fail(w, tenant, "add endpoint", err)
		return
	}
	ep.EncryptedCredential = "********"
	writeJSON(w, http.StatusCreated, ep)
}

func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	var patch modelconfig.EndpointPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	ep, err := h.configs.UpdateEndpoint(r.Context(), tenant, mux.Vars(r)["id"], patch)
	if err != nil {
		h.fail(w, tenant, "update endpoint", err)
		return
	}
	ep.EncryptedCredential = "********"
	writeJSON(w, http.StatusOK, ep)
}

func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	if err := h.configs.DeleteEndpoint(r.Context(), tenant, mux.Vars(r)["id"]); err != nil {
		h.fail(w, tenant, "delete endpoint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) UpdateSelectedModels(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	var req struct {
		SelectedModels []models.SelectedModel `json:"selected_models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	selected, err := h.configs.UpdateSelectedModels(r.Context(), tenant, req.SelectedModels)
	if err != nil {
		h.fail(w, tenant, "update selected models", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selected_models": selected})
}

func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	var patch modelconfig.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	cfg, err := h.configs.UpdateSettings(r.Context(), tenant, patch)
	if err != nil {
		h.fail(w, tenant, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, modelconfig.Redacted(cfg))
}

func (h *AdminHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOf(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	incidents, err := h.incidents.ListSafetyIncidents(r.Context(), tenant, limit)
	if err != nil {
		h.fail(w, tenant, "list incidents", err)
		return
	}
	if incidents == nil {
		incidents = []models.SafetyIncident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// CheckPatterns validates custom pattern text without saving it.
func (h *AdminHandler) CheckPatterns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	problems := map[string]string{}
	for src, err := range safety.CheckCustomPatterns(req.Text) {
		problems[src] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    len(problems) == 0,
		"problems": problems,
	})
}

func (h *AdminHandler) fail(w http.ResponseWriter, tenant, op string, err error) {
	var verr *modelconfig.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"field": verr.Field, "error": verr.Message})
	case errors.Is(err, modelconfig.ErrEndpointNotFound):
		http.Error(w, "Endpoint not found", http.StatusNotFound)
	default:
		h.logger.Error(op, slog.String("tenant", tenant), slog.String("error", err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
