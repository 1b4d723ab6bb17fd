package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/tutor-chat-gateway/internal/auth"
	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
	"github.com/HanTheDev/tutor-chat-gateway/internal/pipeline"
)

const maxBodyBytes = 1 << 20

type TurnHandler interface {
	Handle(ctx context.Context, t pipeline.Turn) (*pipeline.Result, error)
}

type QuotaReader interface {
	Remaining(ctx context.Context, tenant, user string, limit int) (int, bool)
	RetryAfter() int
}

type ConfigReader interface {
	GetConfig(ctx context.Context, tenantID string) (*models.GatewayConfig, error)
}

type Handler struct {
	turns   TurnHandler
	quota   QuotaReader
	configs ConfigReader
	logger  *slog.Logger
}

func NewHandler(turns TurnHandler, quota QuotaReader, configs ConfigReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{turns: turns, quota: quota, configs: configs, logger: logger}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/chat", h.Chat).Methods(http.MethodPost)
	router.HandleFunc("/quota", h.Quota).Methods(http.MethodGet)
}

// user-facing text per error code; match details stay in server logs
var messages = map[string]string{
	pipeline.ErrQuotaExceeded:      "You are sending messages too quickly. Please wait a moment and try again.",
	pipeline.ErrSafetyViolation:    "This request can't be processed. Please rephrase your question.",
	pipeline.ErrConfigIncomplete:   "The tutor is not configured yet. Please contact your administrator.",
	pipeline.ErrServiceUnavailable: "The tutor is temporarily unavailable. Please try again later.",
	pipeline.ErrInvalidRequest:     "The request is invalid.",
}

type chatResponse struct {
	*pipeline.Result
	Message string `json:"message,omitempty"`
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var turn pipeline.Turn
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&turn); err != nil {
		writeJSON(w, http.StatusBadRequest, chatResponse{
			Result:  &pipeline.Result{Error: pipeline.ErrInvalidRequest},
			Message: messages[pipeline.ErrInvalidRequest],
		})
		return
	}
	turn.TenantID = claims.TenantID
	turn.UserID = claims.UserID

	res, err := h.turns.Handle(r.Context(), turn)
	if err != nil {
		h.logger.Info("chat turn abandoned",
			slog.String("tenant", claims.TenantID),
			slog.String("user", claims.UserID),
			slog.String("error", err.Error()))
		return
	}

	status := statusFor(res)
	if res.Error == pipeline.ErrQuotaExceeded && res.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
	}
	if res.Blocked {
		h.logger.Warn("chat turn blocked",
			slog.String("tenant", claims.TenantID),
			slog.String("user", claims.UserID),
			slog.String("pattern", res.Pattern))
	}
	h.logger.Info("chat turn",
		slog.String("tenant", claims.TenantID),
		slog.String("user", claims.UserID),
		slog.Int("status", status),
		slog.String("error_code", res.Error),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	writeJSON(w, status, chatResponse{Result: res, Message: messages[res.Error]})
}

func statusFor(res *pipeline.Result) int {
	switch res.Error {
	case "":
		return http.StatusOK
	case pipeline.ErrInvalidRequest:
		return http.StatusBadRequest
	case pipeline.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case pipeline.ErrSafetyViolation:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

type quotaResponse struct {
	Limit             int  `json:"limit"`
	Remaining         int  `json:"remaining"`
	Known             bool `json:"known"`
	ResetAfterSeconds int  `json:"reset_after_seconds"`
}

// Quota reports the caller's remaining requests in the current minute.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	cfg, err := h.configs.GetConfig(r.Context(), claims.TenantID)
	if err != nil {
		h.logger.Error("load gateway config", slog.String("tenant", claims.TenantID), slog.String("error", err.Error()))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	remaining, known := h.quota.Remaining(r.Context(), claims.TenantID, claims.UserID, cfg.RequestsPerMinute)
	writeJSON(w, http.StatusOK, quotaResponse{
		Limit:             cfg.RequestsPerMinute,
		Remaining:         remaining,
		Known:             known,
		ResetAfterSeconds: h.quota.RetryAfter(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
