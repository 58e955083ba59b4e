// Package ratelimit provides sliding-window admission control keyed by
// (action, identifier, source address).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aegis-auth/aegis/internal/shared"
)

const (
	// DefaultLimit and DefaultWindow apply when a policy does not
	// override them.
	DefaultLimit  = 5
	DefaultWindow = 60 * time.Second

	keyPrefix = "rl"
)

// Result reports one admission decision.
type Result struct {
	OK        bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter makes admission decisions against a Store. It is constructed
// once per process and shared by reference.
type Limiter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Key builds the namespaced bucket key. Actions get separate budgets:
// login and magic_link attempts against the same identifier never share
// a counter.
func Key(action, identifier, sourceAddr string) string {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		identifier = "anonymous"
	}
	if sourceAddr == "" {
		sourceAddr = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, action, identifier, sourceAddr)
}

// Check admits or rejects one attempt. Store failures fail open: an
// unreachable counter backend must not lock users out of sign-in, so
// the attempt is admitted and the failure logged.
func (l *Limiter) Check(ctx context.Context, action, identifier, sourceAddr string, limit int64, window time.Duration) Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	key := Key(action, identifier, sourceAddr)
	count, resetAt, err := l.store.Incr(ctx, key, window)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("rate limit store unavailable", slog.String("action", action), slog.Any("error", err))
		}
		return Result{OK: true, Remaining: limit - 1, ResetAt: l.now().Add(window)}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	// ResetAt is the bucket's fixed rollover moment, not a value that
	// drifts with each attempt.
	return Result{
		OK:        count <= limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Allow wraps Check with the default limit and window and converts a
// rejection into a RATE_LIMITED error.
func (l *Limiter) Allow(ctx context.Context, action, identifier, sourceAddr string) error {
	res := l.Check(ctx, action, identifier, sourceAddr, DefaultLimit, DefaultWindow)
	if !res.OK {
		return shared.NewError(shared.CodeRateLimited, "Too many attempts. Please try again later.")
	}
	return nil
}
