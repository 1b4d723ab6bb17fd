package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/modelconfig"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
	"github.com/HanTheDev/tutor-chat-gateway/internal/proxy"
	"github.com/HanTheDev/tutor-chat-gateway/internal/safety"
)

// Result error codes.
const (
	ErrQuotaExceeded      = "quota_exceeded"
	ErrSafetyViolation    = "safety_violation"
	ErrConfigIncomplete   = "config_incomplete"
	ErrServiceUnavailable = "service_unavailable"
	ErrInvalidRequest     = "invalid_request"
)

const (
	DefaultHistoryLimit = 10
	MaxTurnRunes        = 20000
)

type Turn struct {
	TenantID       string `json:"-"`
	UserID         string `json:"-"`
	QuestionType   string `json:"question_type"`
	StudentText    string `json:"student_text"`
	AttachedCode   string `json:"attached_code,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Result is what the chat handler turns into a response. Pattern is for
// server-side logs only and is never serialized.
type Result struct {
	Allowed           bool   `json:"allowed"`
	Blocked           bool   `json:"blocked,omitempty"`
	Pattern           string `json:"-"`
	Content           string `json:"content,omitempty"`
	Error             string `json:"error,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type ConfigSource interface {
	GetConfig(ctx context.Context, tenantID string) (*models.GatewayConfig, error)
	Resolve(cfg *models.GatewayConfig) ([]models.ResolvedModel, error)
}

type Quota interface {
	CheckAndIncrement(ctx context.Context, tenant, user string, limit int) (bool, error)
	RetryAfter() int
}

type Screener interface {
	Scan(ctx context.Context, in safety.ScanInput) *safety.Match
}

type Sender interface {
	Send(ctx context.Context, ordered []models.ResolvedModel, messages []models.ChatMessage, systemPrompt string) (string, error)
}

// ConversationStore is the external message history. Both methods are
// scoped to the conversation's owner: a foreign id lists nothing and
// refuses appends.
type ConversationStore interface {
	ListConversationMessages(ctx context.Context, tenantID, userID, conversationID string) ([]models.ConversationMessage, error)
	AppendMessage(ctx context.Context, tenantID, userID string, msg *models.ConversationMessage) error
}

type Enqueuer interface {
	Enqueue(conversationID string) bool
}

type Options struct {
	HistoryLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

type Pipeline struct {
	configs       ConfigSource
	quota         Quota
	screener      Screener
	sender        Sender
	conversations ConversationStore
	evaluations   Enqueuer

	historyLimit int
	now          func() time.Time
	logger       *slog.Logger
}

// New wires the stages. conversations and evaluations may be nil.
func New(configs ConfigSource, quota Quota, screener Screener, sender Sender, conversations ConversationStore, evaluations Enqueuer, opts Options) *Pipeline {
	p := &Pipeline{
		configs:       configs,
		quota:         quota,
		screener:      screener,
		sender:        sender,
		conversations: conversations,
		evaluations:   evaluations,
		historyLimit:  opts.HistoryLimit,
		now:           opts.Now,
		logger:        opts.Logger,
	}
	if p.historyLimit <= 0 {
		p.historyLimit = DefaultHistoryLimit
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	return p
}

// Handle runs one chat turn through quota, safety screening, model
// resolution and the upstream call. It reports every refusal in the
// Result and only returns an error when ctx was cancelled.
func (p *Pipeline) Handle(ctx context.Context, t Turn) (*Result, error) {
	qt, ok := ParseQuestionType(t.QuestionType)
	if !ok || t.TenantID == "" || t.UserID == "" {
		return &Result{Error: ErrInvalidRequest}, nil
	}
	text := strings.TrimSpace(t.StudentText)
	if text == "" && strings.TrimSpace(t.AttachedCode) == "" {
		return &Result{Error: ErrInvalidRequest}, nil
	}
	if utf8.RuneCountInString(t.StudentText)+utf8.RuneCountInString(t.AttachedCode) > MaxTurnRunes {
		return &Result{Error: ErrInvalidRequest}, nil
	}
	log := p.logger.With(slog.String("tenant", t.TenantID), slog.String("user", t.UserID))

	cfg, err := p.configs.GetConfig(ctx, t.TenantID)
	if err != nil {
		log.Error("load gateway config", slog.String("error", err.Error()))
		return &Result{Error: ErrServiceUnavailable}, ctx.Err()
	}

	allowed, err := p.quota.CheckAndIncrement(ctx, t.TenantID, t.UserID, cfg.RequestsPerMinute)
	if err != nil {
		log.Error("quota check", slog.String("error", err.Error()))
		return &Result{Error: ErrServiceUnavailable}, ctx.Err()
	}
	if !allowed {
		return &Result{Error: ErrQuotaExceeded, RetryAfterSeconds: p.quota.RetryAfter()}, nil
	}

	screened := text
	if t.AttachedCode != "" {
		screened += "\n" + t.AttachedCode
	}
	if m := p.screener.Scan(ctx, safety.ScanInput{
		TenantID:       t.TenantID,
		UserID:         t.UserID,
		CustomPatterns: cfg.CustomSafetyPatternsText,
		Text:           screened,
	}); m != nil && m.Blocked {
		return &Result{Blocked: true, Pattern: m.Pattern, Error: ErrSafetyViolation}, nil
	}

	ordered, err := p.configs.Resolve(cfg)
	if err != nil {
		if errors.Is(err, modelconfig.ErrConfigIncomplete) {
			log.Warn("no usable model endpoint")
			return &Result{Error: ErrConfigIncomplete}, nil
		}
		log.Error("resolve models", slog.String("error", err.Error()))
		return &Result{Error: ErrServiceUnavailable}, nil
	}

	userMsg := UserMessage(t.StudentText, t.AttachedCode)
	messages := buildMessages(p.history(ctx, log, t), p.historyLimit, userMsg)

	content, err := p.sender.Send(ctx, ordered, messages, SystemPrompt(cfg.PromptTemplate, qt))
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Error: ErrServiceUnavailable}, ctx.Err()
		}
		if errors.Is(err, proxy.ErrNotConfigured) {
			return &Result{Error: ErrConfigIncomplete}, nil
		}
		log.Error("all upstream candidates failed", slog.String("error", err.Error()))
		return &Result{Error: ErrServiceUnavailable}, nil
	}

	p.record(ctx, log, t, userMsg, content)
	return &Result{Allowed: true, Content: content}, nil
}

func (p *Pipeline) history(ctx context.Context, log *slog.Logger, t Turn) []models.ConversationMessage {
	if t.ConversationID == "" || p.conversations == nil {
		return nil
	}
	history, err := p.conversations.ListConversationMessages(ctx, t.TenantID, t.UserID, t.ConversationID)
	if err != nil {
		log.Warn("load conversation history", slog.String("conversation", t.ConversationID), slog.String("error", err.Error()))
		return nil
	}
	return history
}

// record stores the exchange and schedules an effectiveness evaluation.
// Failures here never affect the reply.
func (p *Pipeline) record(ctx context.Context, log *slog.Logger, t Turn, userMsg, reply string) {
	if t.ConversationID == "" || p.conversations == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := p.now().UTC()
	for _, m := range []*models.ConversationMessage{
		{ConversationID: t.ConversationID, Role: models.RoleUser, Content: userMsg, CreatedAt: now},
		{ConversationID: t.ConversationID, Role: models.RoleAssistant, Content: reply, CreatedAt: now},
	} {
		if err := p.conversations.AppendMessage(ctx, t.TenantID, t.UserID, m); err != nil {
			log.Warn("store conversation message", slog.String("conversation", t.ConversationID), slog.String("error", err.Error()))
			return
		}
	}
	if p.evaluations != nil {
		p.evaluations.Enqueue(t.ConversationID)
	}
}
