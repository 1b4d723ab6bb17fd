package pipeline

import (
	"strings"

	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

type QuestionType string

const (
	QuestionUnderstand QuestionType = "understand"
	QuestionThink      QuestionType = "think"
	QuestionDebug      QuestionType = "debug"
	QuestionOptimize   QuestionType = "optimize"
	QuestionReview     QuestionType = "review"
	QuestionOther      QuestionType = "other"
)

var questionLabels = map[QuestionType]string{
	QuestionUnderstand: "理解题意",
	QuestionThink:      "解题思路",
	QuestionDebug:      "调试错误",
	QuestionOptimize:   "优化代码",
	QuestionReview:     "代码评审",
	QuestionOther:      "其他问题",
}

// ParseQuestionType accepts the known types; an empty value means other.
func ParseQuestionType(s string) (QuestionType, bool) {
	qt := QuestionType(strings.ToLower(strings.TrimSpace(s)))
	if qt == "" {
		return QuestionOther, true
	}
	_, ok := questionLabels[qt]
	return qt, ok
}

func (q QuestionType) Label() string {
	if l, ok := questionLabels[q]; ok {
		return l
	}
	return questionLabels[QuestionOther]
}

// SystemPrompt fills the {question_type} and {question_label} placeholders.
func SystemPrompt(template string, qt QuestionType) string {
	return strings.NewReplacer(
		"{question_type}", string(qt),
		"{question_label}", qt.Label(),
	).Replace(template)
}

// UserMessage is the student's text with any attached code in a fenced block.
func UserMessage(text, code string) string {
	text = strings.TrimSpace(text)
	code = strings.Trim(code, "\n")
	if strings.TrimSpace(code) == "" {
		return text
	}
	var b strings.Builder
	if text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	b.WriteString("```\n")
	b.WriteString(code)
	b.WriteString("\n```")
	return b.String()
}

// buildMessages keeps the last limit user/assistant messages of history and
// appends the new turn.
func buildMessages(history []models.ConversationMessage, limit int, turn string) []models.ChatMessage {
	kept := make([]models.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		kept = append(kept, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if limit >= 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return append(kept, models.ChatMessage{Role: models.RoleUser, Content: turn})
}
