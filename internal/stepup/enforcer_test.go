package stepup

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/shared"
	_ "github.com/aegis-auth/aegis/internal/testing/guard"
)

// countingProvider counts second-factor calls so tests can assert which
// stages never reach the provider.
type countingProvider struct {
	identity.Provider
	enabledChecks int
	totpCalls     int
	backupCalls   int
}

func (p *countingProvider) TwoFactorEnabled(ctx context.Context, token, userID string) (bool, error) {
	p.enabledChecks++
	return p.Provider.TwoFactorEnabled(ctx, token, userID)
}

func (p *countingProvider) VerifyTOTP(ctx context.Context, token, code string) error {
	p.totpCalls++
	return p.Provider.VerifyTOTP(ctx, token, code)
}

func (p *countingProvider) VerifyBackupCode(ctx context.Context, token, code string) error {
	p.backupCalls++
	return p.Provider.VerifyBackupCode(ctx, token, code)
}

func newEnforcerFixture(t *testing.T, plan rbac.Plan, twoFactor bool) (*Enforcer, *countingProvider, string, *shared.Principal) {
	t.Helper()
	mem := identity.NewMemoryProvider()
	userID, err := mem.Seed(identity.Account{Email: "user@aegis.local"}, "password123")
	require.NoError(t, err)
	if twoFactor {
		mem.SetTwoFactor(userID, "123456", []string{"backup-1", "backup-2"})
	}
	sess, err := mem.OpenSession(userID, "127.0.0.1", "test")
	require.NoError(t, err)
	provider := &countingProvider{Provider: mem}
	principal := &shared.Principal{UserID: userID, Email: "user@aegis.local", TwoFactorEnabled: twoFactor}
	return NewEnforcer(provider, plan, nil), provider, sess.Token, principal
}

func TestRequireSkipsOnGuardBypass(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanPro, true)
	ctx := shared.ContextWithGuard(context.Background(), shared.GuardPolicy{Bypass: true})

	require.NoError(t, enforcer.Require(ctx, token, principal, Proof{}))
	require.Zero(t, provider.enabledChecks)
}

func TestRequireSkipsOnFreePlan(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanFree, true)

	require.NoError(t, enforcer.Require(context.Background(), token, principal, Proof{}))
	require.Zero(t, provider.enabledChecks)
}

func TestRequireRejectsBothProofsBeforeProviderCall(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanPro, true)

	err := enforcer.Require(context.Background(), token, principal, Proof{Code: "123456", BackupCode: "backup-1"})
	require.Equal(t, shared.CodeValidation, shared.CodeOf(err))
	require.Zero(t, provider.enabledChecks)
	require.Zero(t, provider.totpCalls)
	require.Zero(t, provider.backupCalls)
}

func TestRequireSkipsWhenTwoFactorDisabled(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanPro, false)

	require.NoError(t, enforcer.Require(context.Background(), token, principal, Proof{}))
	require.Zero(t, provider.enabledChecks)
}

func TestRequireDemandsProofWithoutProviderCall(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanPro, true)

	err := enforcer.Require(context.Background(), token, principal, Proof{})
	require.Equal(t, shared.CodeStepUpRequired, shared.CodeOf(err))

	// The enabled flag rides on the principal snapshot; the decision
	// stages never round-trip to the provider.
	require.Zero(t, provider.enabledChecks)
	require.Zero(t, provider.totpCalls)
	require.Zero(t, provider.backupCalls)
}

func TestRequireRejectsNilPrincipal(t *testing.T) {
	enforcer, provider, token, _ := newEnforcerFixture(t, rbac.PlanPro, true)

	err := enforcer.Require(context.Background(), token, nil, Proof{Code: "123456"})
	require.Equal(t, shared.CodeNotAuthenticated, shared.CodeOf(err))
	require.Zero(t, provider.totpCalls)
}

func TestRequireAcceptsValidCode(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanPro, true)

	require.NoError(t, enforcer.Require(context.Background(), token, principal, Proof{Code: "123456"}))
	require.Equal(t, 1, provider.totpCalls)
	require.Zero(t, provider.backupCalls)
	require.Zero(t, provider.enabledChecks)
}

func TestRequireRejectsInvalidCodeWithProviderMessage(t *testing.T) {
	enforcer, _, token, principal := newEnforcerFixture(t, rbac.PlanPro, true)

	err := enforcer.Require(context.Background(), token, principal, Proof{Code: "000000"})
	require.Equal(t, shared.CodeStepUpRejected, shared.CodeOf(err))
	require.True(t, strings.HasPrefix(shared.UserMessage(err), "Step-up verification failed: "))
}

func TestRequireConsumesBackupCodeOnce(t *testing.T) {
	enforcer, provider, token, principal := newEnforcerFixture(t, rbac.PlanPro, true)

	require.NoError(t, enforcer.Require(context.Background(), token, principal, Proof{BackupCode: "backup-1"}))

	err := enforcer.Require(context.Background(), token, principal, Proof{BackupCode: "backup-1"})
	require.Equal(t, shared.CodeStepUpRejected, shared.CodeOf(err))
	require.Equal(t, 2, provider.backupCalls)
}
