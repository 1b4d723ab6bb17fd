package safety

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

// MaxExcerptRunes caps how much offending text is kept in an incident.
const MaxExcerptRunes = 200

// Policy decides what the pipeline does with a match.
type Policy string

const (
	PolicyBlock Policy = "block"
	PolicyLog   Policy = "log"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyBlock:
		return PolicyBlock, nil
	case PolicyLog:
		return PolicyLog, nil
	}
	return "", errors.New("unknown safety policy: " + s)
}

// IncidentWriter appends audit records. Implementations must not mutate
// existing records.
type IncidentWriter interface {
	InsertSafetyIncident(ctx context.Context, incident *models.SafetyIncident) error
}

type Match struct {
	Pattern string
	Origin  models.PatternOrigin
	Excerpt string
	// Blocked is true when the configured policy refuses the request.
	Blocked bool
}

type ScanInput struct {
	TenantID       string
	UserID         string
	CustomPatterns string
	Text           string
}

type Options struct {
	Policy       Policy
	MatchTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// customSet is the compiled form of one tenant's pattern text.
type customSet struct {
	hash     uint64
	patterns []compiledPattern
}

type Screener struct {
	incidents    IncidentWriter
	policy       Policy
	matchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	builtins     []compiledPattern

	mu     sync.RWMutex
	custom map[string]*customSet
}

func NewScreener(incidents IncidentWriter, opts Options) *Screener {
	s := &Screener{
		incidents:    incidents,
		policy:       opts.Policy,
		matchTimeout: opts.MatchTimeout,
		now:          opts.Now,
		logger:       opts.Logger,
		custom:       make(map[string]*customSet),
	}
	if s.policy == "" {
		s.policy = PolicyBlock
	}
	if s.matchTimeout <= 0 {
		s.matchTimeout = DefaultMatchTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.builtins = mustCompileBuiltins(s.matchTimeout)
	return s
}

func (s *Screener) Policy() Policy { return s.policy }

// Scan checks text against the built-in patterns and then the tenant's
// custom patterns. It returns nil when nothing matched.
func (s *Screener) Scan(ctx context.Context, in ScanInput) *Match {
	text := Normalize(in.Text)
	if text == "" {
		return nil
	}

	m := s.firstMatch(text, s.builtins)
	if m == nil {
		m = s.firstMatch(text, s.customPatterns(in.TenantID, in.CustomPatterns))
	}
	if m == nil {
		return nil
	}
	m.Blocked = s.policy == PolicyBlock

	s.logger.Warn("safety pattern matched",
		slog.String("tenant", in.TenantID),
		slog.String("user", in.UserID),
		slog.String("origin", string(m.Origin)),
		slog.String("pattern", m.Pattern),
		slog.Bool("blocked", m.Blocked))

	s.recordIncident(ctx, in, m)
	return m
}

func (s *Screener) firstMatch(text string, patterns []compiledPattern) *Match {
	runes := []rune(text)
	for _, p := range patterns {
		found, err := p.re.FindRunesMatch(runes)
		if err != nil {
			s.logger.Warn("safety pattern skipped",
				slog.String("pattern", p.source),
				slog.String("error", err.Error()))
			continue
		}
		if found == nil {
			continue
		}
		return &Match{
			Pattern: p.source,
			Origin:  p.origin,
			Excerpt: excerpt(runes, found.Index, found.Length),
		}
	}
	return nil
}

// customPatterns returns the compiled set for tenant, recompiling when the
// configured text changed since the last scan.
func (s *Screener) customPatterns(tenant, text string) []compiledPattern {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	h := xxhash.Sum64String(text)

	s.mu.RLock()
	set, ok := s.custom[tenant]
	s.mu.RUnlock()
	if ok && set.hash == h {
		return set.patterns
	}

	set = &customSet{hash: h, patterns: s.compileCustom(tenant, text)}
	s.mu.Lock()
	s.custom[tenant] = set
	s.mu.Unlock()
	return set.patterns
}

func (s *Screener) compileCustom(tenant, text string) []compiledPattern {
	lines := ParsePatternLines(text)
	if len(lines) > MaxCustomPatterns {
		s.logger.Warn("custom safety patterns truncated",
			slog.String("tenant", tenant),
			slog.Int("configured", len(lines)),
			slog.Int("kept", MaxCustomPatterns))
		lines = lines[:MaxCustomPatterns]
	}

	out := make([]compiledPattern, 0, len(lines))
	for _, src := range lines {
		re, err := compilePattern(src, s.matchTimeout)
		if err != nil {
			s.logger.Warn("custom safety pattern rejected",
				slog.String("tenant", tenant),
				slog.String("pattern", src),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, compiledPattern{source: src, origin: models.OriginCustom, re: re})
	}
	return out
}

// CheckCustomPatterns reports the lines of text that would be rejected.
// Used by admin mutations to surface problems before saving.
func CheckCustomPatterns(text string) map[string]error {
	problems := make(map[string]error)
	for _, src := range ParsePatternLines(text) {
		if _, err := compilePattern(src, DefaultMatchTimeout); err != nil {
			problems[src] = err
		}
	}
	return problems
}

func (s *Screener) recordIncident(ctx context.Context, in ScanInput, m *Match) {
	if s.incidents == nil {
		return
	}
	// the audit write outlives a cancelled caller but is still bounded
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	incident := &models.SafetyIncident{
		TenantID:   in.TenantID,
		UserID:     in.UserID,
		Pattern:    m.Pattern,
		Origin:     m.Origin,
		Excerpt:    m.Excerpt,
		Blocked:    m.Blocked,
		OccurredAt: s.now().UTC(),
	}
	if err := s.incidents.InsertSafetyIncident(writeCtx, incident); err != nil {
		s.logger.Error("failed to record safety incident",
			slog.String("tenant", in.TenantID),
			slog.String("user", in.UserID),
			slog.String("error", err.Error()))
	}
}

// Normalize folds compatibility and width variants so that full-width or
// decorated spellings match the same patterns as plain text.
func Normalize(text string) string {
	return width.Fold.String(norm.NFKC.String(text))
}

// excerpt returns at most MaxExcerptRunes runes around the match.
func excerpt(runes []rune, index, length int) string {
	if len(runes) <= MaxExcerptRunes {
		return string(runes)
	}
	if length >= MaxExcerptRunes {
		return string(runes[index : index+MaxExcerptRunes])
	}
	pad := (MaxExcerptRunes - length) / 2
	start := index - pad
	if start < 0 {
		start = 0
	}
	end := start + MaxExcerptRunes
	if end > len(runes) {
		end = len(runes)
		start = end - MaxExcerptRunes
	}
	return string(runes[start:end])
}
