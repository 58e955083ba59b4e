package identity

import "time"

// Account is the provider's view of a user account.
type Account struct {
	ID               string
	Email            string
	Name             string
	EmailVerified    bool
	HasPassword      bool
	TwoFactorEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is a raw session record as the provider reports it. Timestamp
// normalization and the is-current computation happen in the session
// registry, not here.
type Session struct {
	ID         string
	Token      string
	UserID     string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	IPAddress  string
	UserAgent  string
}

// TwoFactorSetup is returned when 2FA is enabled for an account.
type TwoFactorSetup struct {
	Secret      string
	BackupCodes []string
}
