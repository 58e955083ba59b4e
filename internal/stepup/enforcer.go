// Package stepup decides whether a sensitive operation requires fresh
// second-factor proof and validates that proof against the identity
// provider. The decision is evaluated fresh on every call; nothing is
// remembered across requests.
package stepup

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/shared"
)

// Proof is a one-shot step-up claim. Exactly one field may be set.
type Proof struct {
	Code       string
	BackupCode string
}

// Empty reports whether no proof was supplied.
func (p Proof) Empty() bool {
	return strings.TrimSpace(p.Code) == "" && strings.TrimSpace(p.BackupCode) == ""
}

// Enforcer gates step-up sensitive operations.
type Enforcer struct {
	provider identity.Provider
	plan     rbac.Plan
	logger   *slog.Logger
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(provider identity.Provider, plan rbac.Plan, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{provider: provider, plan: plan, logger: logger}
}

// Require evaluates the step-up state machine for one operation.
// A nil return means the caller may proceed to the mutation.
//
// Step-up is not required when the guard is bypassed (dev only), the
// plan is not pro, or the principal's session carries no second
// factor. The enabled flag comes from the principal snapshot resolved
// when the session was loaded: the decision stages never call the
// provider. Supplying both proof types is a validation error and
// supplying neither signals that step-up is needed; only a single
// submitted proof is delegated to the provider for verification.
func (e *Enforcer) Require(ctx context.Context, token string, principal *shared.Principal, proof Proof) error {
	if shared.GuardFromContext(ctx).Bypass {
		return nil
	}
	if e.plan != rbac.PlanPro {
		return nil
	}

	code := strings.TrimSpace(proof.Code)
	backup := strings.TrimSpace(proof.BackupCode)
	if code != "" && backup != "" {
		return shared.NewError(shared.CodeValidation, "Provide either a 2FA code or a backup code, not both")
	}

	if principal == nil {
		return shared.ErrNotAuthenticated
	}
	if !principal.TwoFactorEnabled {
		return nil
	}

	if code == "" && backup == "" {
		return shared.NewError(shared.CodeStepUpRequired, "2FA required: provide a 2FA code or a backup code")
	}

	var err error
	if backup != "" {
		err = e.provider.VerifyBackupCode(ctx, token, backup)
	} else {
		err = e.provider.VerifyTOTP(ctx, token, code)
	}
	if err == nil {
		return nil
	}
	if pe, ok := identity.AsProviderError(err); ok {
		return shared.WrapError(shared.CodeStepUpRejected, "Step-up verification failed: "+pe.Message, err)
	}
	if e.logger != nil {
		e.logger.Warn("step-up verification transport failure", slog.Any("error", err))
	}
	return shared.WrapError(shared.CodeStepUpRejected, "Step-up verification failed", err)
}
