package identity

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the identity provider contract. It owns credential
// verification, session issuance, and second-factor validation; this
// service only orchestrates calls against it. One implementation is
// selected at startup and used for every request.
type Provider interface {
	// Authenticate verifies email/password credentials and issues a session.
	Authenticate(ctx context.Context, email, password string) (*Session, error)
	// GetSession resolves the caller's session and account from a credential.
	GetSession(ctx context.Context, token string) (*Session, *Account, error)
	// ListSessions enumerates the sessions belonging to the caller's account.
	ListSessions(ctx context.Context, token string) ([]Session, error)
	// RevokeSession invalidates the session identified by target.
	RevokeSession(ctx context.Context, token, target string) error
	// RevokeOtherSessions invalidates every session except the caller's.
	RevokeOtherSessions(ctx context.Context, token string) error
	// RevokeAllSessions invalidates every session including the caller's.
	RevokeAllSessions(ctx context.Context, token string) error
	// SignOut terminates the caller's own session.
	SignOut(ctx context.Context, token string) error

	// Enable2FA turns on the second factor after re-verifying the password.
	Enable2FA(ctx context.Context, token, password string) (*TwoFactorSetup, error)
	// Disable2FA turns off the second factor after re-verifying the password.
	Disable2FA(ctx context.Context, token, password string) error
	// VerifyTOTP validates a numeric one-time code for the caller.
	VerifyTOTP(ctx context.Context, token, code string) error
	// VerifyBackupCode validates and consumes a single-use backup code.
	VerifyBackupCode(ctx context.Context, token, code string) error
	// TwoFactorEnabled reports whether the account has a second factor.
	TwoFactorEnabled(ctx context.Context, token, userID string) (bool, error)

	// ChangeEmail starts an email change confirmed via the new address.
	ChangeEmail(ctx context.Context, token, newEmail string) error
	// ChangePassword replaces the password after checking the current one.
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error
	// SetPassword sets an initial password on a passwordless account.
	SetPassword(ctx context.Context, token, newPassword string) error
	// DeleteUser removes the account. Password may be empty when the
	// caller proved identity through a second factor instead.
	DeleteUser(ctx context.Context, token, password string) error

	// RequestPasswordReset sends a reset link when the account exists.
	RequestPasswordReset(ctx context.Context, email string) error
	// ResetPassword completes a reset flow with the emailed token.
	ResetPassword(ctx context.Context, resetToken, newPassword string) error
	// SendMagicLink sends a passwordless sign-in link when the account exists.
	SendMagicLink(ctx context.Context, email string) error
	// ResendVerification re-sends the address verification email.
	ResendVerification(ctx context.Context, email string) error
}

// ProviderError is a rejection authored by the identity provider. Its
// message was written for end users and is safe to surface verbatim.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider: %s (status %d)", e.Message, e.Status)
}

// AsProviderError unwraps a recognized provider rejection from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
