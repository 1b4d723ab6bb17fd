package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
)

// BucketTTL is how long a minute bucket survives after its first request.
const BucketTTL = 2 * time.Minute

// ErrCounterUnknown is returned by stores when the key has no counter.
var ErrCounterUnknown = errors.New("counter not found")

// CounterStore increments and reads per-bucket counters. Incr must be one
// atomic operation that also sets ttl when it creates the counter.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

type Options struct {
	// FailOpen admits requests when the store fails.
	FailOpen     bool
	DefaultLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Guard enforces a per (tenant, user, minute) request ceiling.
type Guard struct {
	store        CounterStore
	failOpen     bool
	defaultLimit int
	now          func() time.Time
	logger       *slog.Logger
}

func NewGuard(store CounterStore, opts Options) *Guard {
	g := &Guard{
		store:        store,
		failOpen:     opts.FailOpen,
		defaultLimit: opts.DefaultLimit,
		now:          opts.Now,
		logger:       opts.Logger,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = logging.Discard()
	}
	if g.defaultLimit <= 0 {
		g.defaultLimit = 10
	}
	return g
}

// BucketKey returns the counter key for the minute containing t. The ids are
// query-escaped so a ':' inside one cannot collide with another pair.
func BucketKey(tenant, user string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", url.QueryEscape(tenant), url.QueryEscape(user),
		t.UTC().Truncate(time.Minute).Format("200601021504"))
}

// CheckAndIncrement counts one request and reports whether it is within limit.
func (g *Guard) CheckAndIncrement(ctx context.Context, tenant, user string, limit int) (bool, error) {
	limit = g.limit(limit)
	key := BucketKey(tenant, user, g.now())

	count, err := g.store.Incr(ctx, key, BucketTTL)
	if err != nil {
		if g.failOpen {
			g.logger.Warn("quota store unavailable, admitting request",
				slog.String("tenant", tenant),
				slog.String("user", user),
				slog.String("error", err.Error()))
			return true, nil
		}
		return false, fmt.Errorf("quota check: %w", err)
	}

	if count > int64(limit) {
		g.logger.Info("quota exceeded",
			slog.String("tenant", tenant),
			slog.String("user", user),
			slog.Int64("count", count),
			slog.Int("limit", limit))
		return false, nil
	}
	return true, nil
}

// Remaining is a display-only read; it is never used for enforcement.
// The second result is false when the store could not be read.
func (g *Guard) Remaining(ctx context.Context, tenant, user string, limit int) (int, bool) {
	limit = g.limit(limit)
	count, err := g.store.Get(ctx, BucketKey(tenant, user, g.now()))
	if errors.Is(err, ErrCounterUnknown) {
		return limit, true
	}
	if err != nil {
		g.logger.Debug("quota remaining unavailable", slog.String("error", err.Error()))
		return 0, false
	}
	if rest := limit - int(count); rest > 0 {
		return rest, true
	}
	return 0, true
}

// RetryAfter is the number of seconds until the current bucket rolls over.
func (g *Guard) RetryAfter() int {
	now := g.now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	secs := int(next.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (g *Guard) limit(limit int) int {
	if limit <= 0 {
		return g.defaultLimit
	}
	return limit
}
