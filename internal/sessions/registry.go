// Package sessions lists and revokes the sessions belonging to a user,
// enumerated from the identity provider.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/shared"
)

// Session is a normalized session record for display and revocation.
type Session struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IsCurrent  bool      `json:"isCurrent"`
}

// Registry wraps the provider's session operations.
type Registry struct {
	provider identity.Provider
	logger   *slog.Logger
	group    singleflight.Group
}

// NewRegistry constructs a Registry.
func NewRegistry(provider identity.Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{provider: provider, logger: logger}
}

// List enumerates the caller's sessions. Provider failures degrade to
// an empty list rather than failing the request; the UI renders zero
// sessions and the failure is logged.
func (r *Registry) List(ctx context.Context, currentToken string) []Session {
	// Concurrent listings for the same credential collapse into one
	// provider call.
	result, err, _ := r.group.Do(currentToken, func() (any, error) {
		return r.provider.ListSessions(ctx, currentToken)
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("list sessions", slog.Any("error", err))
		}
		return []Session{}
	}
	records := result.([]identity.Session)
	sessions := make([]Session, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, normalize(record, currentToken))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].IsCurrent != sessions[j].IsCurrent {
			return sessions[i].IsCurrent
		}
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	return sessions
}

// normalize fills missing timestamps from createdAt and computes
// IsCurrent by comparing the record's token to the caller's credential.
func normalize(record identity.Session, currentToken string) Session {
	sess := Session{
		ID:         record.ID,
		Token:      record.Token,
		CreatedAt:  record.CreatedAt,
		LastUsedAt: record.LastUsedAt,
		ExpiresAt:  record.ExpiresAt,
		IPAddress:  record.IPAddress,
		UserAgent:  record.UserAgent,
		IsCurrent:  currentToken != "" && record.Token == currentToken,
	}
	if sess.ID == "" {
		sess.ID = sess.Token
	}
	if sess.LastUsedAt.IsZero() {
		sess.LastUsedAt = sess.CreatedAt
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = sess.CreatedAt
	}
	return sess
}

// Revoke invalidates one targeted session. Revoking the caller's own
// session is rejected locally before any provider call; only the
// whole-account paths may invalidate it.
func (r *Registry) Revoke(ctx context.Context, currentToken, target string) error {
	if target == "" {
		return shared.NewError(shared.CodeValidation, "Missing sessionToken")
	}
	if currentToken == "" {
		return shared.NewError(shared.CodeValidation, "Missing current session")
	}
	if target == currentToken {
		return shared.NewError(shared.CodeValidation, "Cannot revoke the current session from this action")
	}
	if err := r.provider.RevokeSession(ctx, currentToken, target); err != nil {
		return wrapProvider(err, "Failed to revoke session")
	}
	return nil
}

// RevokeOthers invalidates every session except the caller's.
func (r *Registry) RevokeOthers(ctx context.Context, currentToken string) error {
	if err := r.provider.RevokeOtherSessions(ctx, currentToken); err != nil {
		return wrapProvider(err, "Failed to revoke other sessions")
	}
	return nil
}

// RevokeAll signs the caller out everywhere, including the current
// session. When the provider has no single revoke-all primitive, the
// fallback composes revoke-others with an explicit sign-out.
func (r *Registry) RevokeAll(ctx context.Context, currentToken string) error {
	if err := r.provider.RevokeAllSessions(ctx, currentToken); err == nil {
		// Revoke-all implies local sign-out even if the provider already
		// dropped the current session.
		_ = r.provider.SignOut(ctx, currentToken)
		return nil
	} else if r.logger != nil {
		r.logger.Warn("revoke all sessions, falling back", slog.Any("error", err))
	}
	if err := r.provider.RevokeOtherSessions(ctx, currentToken); err != nil {
		return wrapProvider(err, "Failed to revoke sessions")
	}
	if err := r.provider.SignOut(ctx, currentToken); err != nil {
		return wrapProvider(err, "Failed to sign out")
	}
	return nil
}

func wrapProvider(err error, fallback string) error {
	if pe, ok := identity.AsProviderError(err); ok {
		return shared.WrapError(shared.CodeProviderError, pe.Message, err)
	}
	return shared.WrapError(shared.CodeProviderError, fallback, err)
}
