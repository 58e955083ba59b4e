// Package audit records security-relevant transitions to an
// append-only log. Writes are fire-and-forget: a failed audit write is
// never surfaced to the caller and never blocks the primary operation.
package audit

import "time"

// Kind enumerates the recorded event types.
type Kind string

const (
	KindRoleChanged            Kind = "role_changed"
	KindSignIn                 Kind = "sign_in"
	KindSignOut                Kind = "sign_out"
	KindPasswordResetRequested Kind = "password_reset_requested"
	KindPasswordResetCompleted Kind = "password_reset_completed"
	KindPasswordChanged        Kind = "password_changed"
	KindEmailChangeRequested   Kind = "email_change_requested"
	KindTwoFactorEnabled       Kind = "2fa_enabled"
	KindTwoFactorDisabled      Kind = "2fa_disabled"
	KindSessionRevoked         Kind = "session_revoked"
	KindAccountDeleted         Kind = "account_deleted"
	KindMagicLinkRequested     Kind = "magic_link_requested"
	KindVerificationResent     Kind = "verification_resent"
)

// Event is one audit record. Metadata must never contain raw sensitive
// values; callers store one-way digests (shared.Digest) instead so that
// records stay correlatable without retaining the secret.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	ActorID   string            `json:"actorId"`
	TargetID  string            `json:"targetId,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}

// TimelineFilters narrows a timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  string
	Kind     string
	Page     int
	PageSize int
}

// PagingInfo carries simple pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Timeline bundles one page of events with its paging info.
type Timeline struct {
	Events []Event
	Paging PagingInfo
}
