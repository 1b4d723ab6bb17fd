package effectiveness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

const (
	MinStudentMessages = 3
	MinAIMessages      = 3
	// MinStudentAvgLength is in runes; the average must be strictly greater.
	MinStudentAvgLength = 10
)

// Rule names reported in Verdict.FailedRule.
const (
	RuleStudentMessages  = "student_messages"
	RuleAIMessages       = "ai_messages"
	RuleStudentAvgLength = "student_avg_length"
	RuleLearningIntent   = "learning_intent"
)

// LearningKeywords signal a student asking about reasoning rather than for an answer.
var LearningKeywords = []string{
	"为什么", "怎么", "如何", "原理", "复杂度", "思路", "理解", "区别", "优化", "解释", "时间复杂度", "空间复杂度", "递归", "边界",
	"why", "how", "explain", "complexity", "understand", "difference", "approach", "optimize", "tradeoff",
}

type Verdict struct {
	IsEffective bool
	FailedRule  string
}

// Classify runs the cascade in order and stops at the first failing rule.
func Classify(messages []models.ConversationMessage) Verdict {
	var student []string
	ai := 0
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			student = append(student, m.Content)
		case models.RoleAssistant:
			ai++
		}
	}

	if len(student) < MinStudentMessages {
		return Verdict{FailedRule: RuleStudentMessages}
	}
	if ai < MinAIMessages {
		return Verdict{FailedRule: RuleAIMessages}
	}

	total := 0
	for _, s := range student {
		total += utf8.RuneCountInString(s)
	}
	if float64(total)/float64(len(student)) <= MinStudentAvgLength {
		return Verdict{FailedRule: RuleStudentAvgLength}
	}

	for _, s := range student {
		if containsKeyword(s) {
			return Verdict{IsEffective: true}
		}
	}
	return Verdict{FailedRule: RuleLearningIntent}
}

func containsKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range LearningKeywords {
		if isASCII(kw) {
			if containsWord(lower, kw) {
				return true
			}
			continue
		}
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// containsWord matches kw only where it is not part of a longer latin word,
// so "how" does not match "show".
func containsWord(s, kw string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		from = start + 1
	}
}

func isLetter(b byte) bool { return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' }

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

type ConversationStore interface {
	ConversationMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error)
}

type VerdictStore interface {
	UpsertVerdict(ctx context.Context, v *models.EffectivenessVerdict) error
}

type Classifier struct {
	conversations ConversationStore
	verdicts      VerdictStore
	now           func() time.Time
	logger        *slog.Logger
}

func NewClassifier(conversations ConversationStore, verdicts VerdictStore, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Classifier{conversations: conversations, verdicts: verdicts, now: time.Now, logger: logger}
}

// Evaluate classifies the conversation and stores the verdict, replacing
// any earlier one. It never returns an error: any failure counts as not
// effective.
func (c *Classifier) Evaluate(ctx context.Context, conversationID string) bool {
	v, err := c.evaluate(ctx, conversationID)
	if err != nil {
		c.logger.Error("effectiveness evaluation failed",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
		return false
	}
	return v.IsEffective
}

func (c *Classifier) evaluate(ctx context.Context, conversationID string) (Verdict, error) {
	messages, err := c.conversations.ConversationMessages(ctx, conversationID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load messages: %w", err)
	}
	v := Classify(messages)
	if err := c.verdicts.UpsertVerdict(ctx, &models.EffectivenessVerdict{
		ConversationID: conversationID,
		IsEffective:    v.IsEffective,
		FailedRule:     v.FailedRule,
		EvaluatedAt:    c.now().UTC(),
	}); err != nil {
		return Verdict{}, fmt.Errorf("store verdict: %w", err)
	}

	c.logger.Debug("conversation classified",
		slog.String("conversation", conversationID),
		slog.Bool("effective", v.IsEffective),
		slog.String("failed_rule", v.FailedRule))
	return v, nil
}
