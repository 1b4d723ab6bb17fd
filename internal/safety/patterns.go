package safety

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

const (
	MaxPatternLength  = 512
	MaxCustomPatterns = 200

	// DefaultMatchTimeout bounds a single pattern evaluation.
	DefaultMatchTimeout = 50 * time.Millisecond
)

var (
	ErrPatternTooLong        = errors.New("pattern exceeds length ceiling")
	ErrNestedQuantifier      = errors.New("pattern nests unbounded quantifiers")
	ErrUnbalancedParentheses = errors.New("pattern has unbalanced parentheses")
)

// builtinSources are always checked before tenant patterns and cannot be
// removed by configuration.
var builtinSources = []string{
	`ignore\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|prompts?|rules?|directions?)`,
	`disregard\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|guidelines?)`,
	`forget\s+(all\s+|everything\s+)?(your|the|previous)\s+(instructions?|rules?|training)`,
	`you\s+are\s+now\s+(a|an)\s+(unrestricted|unfiltered|uncensored|different|new)\s+(ai|assistant|model|character|persona)`,
	`\bact\s+as\s+(an?\s+)?(unrestricted|unfiltered|jailbroken|evil)\b`,
	`(\b(?-i:DAN)\b|\bdo\s+anything\s+now\b)`,
	`developer\s+mode\s+(enabled|on|activated)`,
	`(reveal|show|print|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions|initial\s+prompt)`,
	`pretend\s+(that\s+)?you\s+(have\s+no|are\s+not\s+bound\s+by|don'?t\s+have)\s+(rules|restrictions|limits)`,
	`忽略(之前|以上|前面|上面|先前|所有)(的)?(所有)?(指令|指示|提示|规则|要求)`,
	`无视(之前|以上|前面|上面|所有)(的)?(指令|指示|提示|规则|要求)`,
	`忘记(你|之前)(的)?(所有)?(指令|设定|规则|身份)`,
	`(输出|显示|告诉我|打印|重复)(你的|你)?(系统提示词|系统提示|系统指令|初始指令)`,
	`(你现在是|从现在开始你是|扮演)(一个)?(没有|不受)(任何)?(限制|约束|规则)`,
	`(开发者|开发人员)模式`,
	`直接(给我|告诉我)(完整|全部)?(答案|代码)(,|，)?(不要|别)(讲解|解释|引导)`,
}

type compiledPattern struct {
	source string
	origin models.PatternOrigin
	re     *regexp2.Regexp
}

func mustCompileBuiltins(timeout time.Duration) []compiledPattern {
	out := make([]compiledPattern, 0, len(builtinSources))
	for _, src := range builtinSources {
		re := regexp2.MustCompile(src, regexp2.IgnoreCase)
		re.MatchTimeout = timeout
		out = append(out, compiledPattern{source: src, origin: models.OriginBuiltin, re: re})
	}
	return out
}

// BuiltinPatterns returns the sources of the fixed pattern set.
func BuiltinPatterns() []string {
	return append([]string(nil), builtinSources...)
}

// ParsePatternLines splits the admin-supplied text into one pattern per
// line. Blank lines and lines starting with # are ignored.
func ParsePatternLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ValidatePattern applies the complexity ceiling to an untrusted pattern.
func ValidatePattern(src string) error {
	if utf8.RuneCountInString(src) > MaxPatternLength {
		return ErrPatternTooLong
	}
	return checkNesting([]rune(src))
}

// compilePattern validates and compiles one custom pattern.
func compilePattern(src string, timeout time.Duration) (*regexp2.Regexp, error) {
	if err := ValidatePattern(src); err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(src, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	re.MatchTimeout = timeout
	return re, nil
}

// checkNesting rejects a quantified group that already contains an unbounded
// quantifier, e.g. (a+)+, (.*)* or (x+){2,}.
func checkNesting(rs []rune) error {
	type frame struct{ unbounded bool }
	stack := []frame{{}}
	lastGroup := false
	lastGroupUnbounded := false

	quantify := func(unbounded bool) error {
		if lastGroup && lastGroupUnbounded && unbounded {
			return ErrNestedQuantifier
		}
		if unbounded {
			stack[len(stack)-1].unbounded = true
		}
		lastGroup = false
		return nil
	}

	for i := 0; i < len(rs); i++ {
		switch rs[i] {
		case '\\':
			i++
			lastGroup = false
		case '[':
			i++
			if i < len(rs) && rs[i] == '^' {
				i++
			}
			if i < len(rs) && rs[i] == ']' {
				i++
			}
			for i < len(rs) && rs[i] != ']' {
				if rs[i] == '\\' {
					i++
				}
				i++
			}
			lastGroup = false
		case '(':
			stack = append(stack, frame{})
			lastGroup = false
		case ')':
			if len(stack) == 1 {
				return ErrUnbalancedParentheses
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.unbounded {
				stack[len(stack)-1].unbounded = true
			}
			lastGroup = true
			lastGroupUnbounded = top.unbounded
		case '*', '+':
			if err := quantify(true); err != nil {
				return err
			}
			if i+1 < len(rs) && (rs[i+1] == '?' || rs[i+1] == '+') {
				i++
			}
		case '{':
			end := -1
			for j := i + 1; j < len(rs); j++ {
				if rs[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				lastGroup = false
				continue
			}
			unbounded, ok := parseBraces(string(rs[i+1 : end]))
			if !ok {
				lastGroup = false
				continue
			}
			if err := quantify(unbounded); err != nil {
				return err
			}
			i = end
			if i+1 < len(rs) && rs[i+1] == '?' {
				i++
			}
		default:
			lastGroup = false
		}
	}
	if len(stack) != 1 {
		return ErrUnbalancedParentheses
	}
	return nil
}

// parseBraces reads the body of {n}, {n,} or {n,m}. Upper bounds above 100
// count as unbounded.
func parseBraces(body string) (unbounded bool, ok bool) {
	lo, hi, hasComma := strings.Cut(body, ",")
	if _, err := strconv.Atoi(lo); err != nil {
		return false, false
	}
	if !hasComma {
		return false, true
	}
	if hi == "" {
		return true, true
	}
	n, err := strconv.Atoi(hi)
	if err != nil {
		return false, false
	}
	return n > 100, true
}
