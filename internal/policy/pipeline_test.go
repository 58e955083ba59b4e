package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-auth/aegis/internal/audit"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/observability"
	"github.com/aegis-auth/aegis/internal/ratelimit"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/shared"
	"github.com/aegis-auth/aegis/internal/stepup"
	_ "github.com/aegis-auth/aegis/internal/testing/guard"
)

type stubRoleRepo struct {
	roles map[string]rbac.Role
}

func (r *stubRoleRepo) RolesForUser(_ context.Context, userID string) ([]string, error) {
	if role, ok := r.roles[userID]; ok {
		return []string{string(role)}, nil
	}
	return nil, nil
}

func (r *stubRoleRepo) RoleExists(_ context.Context, role rbac.Role) (bool, error) {
	_, ok := rbac.ParseRole(string(role))
	return ok, nil
}

func (r *stubRoleRepo) CountAdmins(context.Context) (int, error) { return 1, nil }

func (r *stubRoleRepo) ListAdminUsers(context.Context) ([]rbac.AdminUser, error) { return nil, nil }

func (r *stubRoleRepo) WithTx(ctx context.Context, fn func(context.Context, rbac.TxRepository) error) error {
	return fn(ctx, nil)
}

type memoryAuditStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memoryAuditStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryAuditStore) Timeline(context.Context, audit.TimelineFilters) (audit.Timeline, error) {
	return audit.Timeline{}, nil
}

func (s *memoryAuditStore) Export(context.Context, audit.TimelineFilters) ([]audit.Event, error) {
	return s.snapshot(), nil
}

func (s *memoryAuditStore) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

type fixture struct {
	pipeline *Pipeline
	provider *identity.MemoryProvider
	store    *memoryAuditStore
	userID   string
	token    string
}

func newFixture(t *testing.T, plan rbac.Plan, role rbac.Role) *fixture {
	t.Helper()
	provider := identity.NewMemoryProvider()
	userID, err := provider.Seed(identity.Account{Email: "user@aegis.local"}, "password123")
	require.NoError(t, err)
	sess, err := provider.OpenSession(userID, "", "")
	require.NoError(t, err)

	repo := &stubRoleRepo{roles: map[string]rbac.Role{}}
	if role != "" {
		repo.roles[userID] = role
	}
	store := &memoryAuditStore{}
	pipeline := NewPipeline(
		ratelimit.NewLimiter(ratelimit.NewMemoryStore(), nil),
		rbac.NewService(repo, plan, nil),
		stepup.NewEnforcer(provider, plan, nil),
		audit.NewRecorder(nil, store, nil),
		observability.NewMetrics(),
		nil,
	)
	return &fixture{pipeline: pipeline, provider: provider, store: store, userID: userID, token: sess.Token}
}

// authedContext mirrors the principal middleware: the snapshot carries
// the provider's current two-factor flag for the session.
func (f *fixture) authedContext() context.Context {
	_, acct, err := f.provider.GetSession(context.Background(), f.token)
	twoFactor := err == nil && acct.TwoFactorEnabled
	ctx := shared.ContextWithPrincipal(context.Background(), &shared.Principal{
		UserID:           f.userID,
		Email:            "user@aegis.local",
		TwoFactorEnabled: twoFactor,
	})
	return shared.ContextWithSessionToken(ctx, f.token)
}

func TestExecuteRequiresAuthentication(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, rbac.RoleUser)
	called := false

	err := f.pipeline.Execute(context.Background(), Request{
		Action:     Action{Name: "change_email"},
		Identifier: "anon",
		SourceAddr: "10.0.0.1",
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.Equal(t, shared.CodeNotAuthenticated, shared.CodeOf(err))
	require.False(t, called, "mutation must not run after a failed stage")
}

func TestExecuteShortCircuitsOnRateLimit(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, rbac.RoleUser)
	calls := 0
	run := func() error {
		return f.pipeline.Execute(f.authedContext(), Request{
			Action:     Action{Name: "change_password"},
			Identifier: f.userID,
			SourceAddr: "10.0.0.1",
		}, func(context.Context) error {
			calls++
			return nil
		})
	}

	for i := 0; i < ratelimit.DefaultLimit; i++ {
		require.NoError(t, run())
	}
	err := run()
	require.Equal(t, shared.CodeRateLimited, shared.CodeOf(err))
	require.Equal(t, ratelimit.DefaultLimit, calls)
}

func TestExecuteEnforcesRole(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, rbac.RoleUser)
	called := false

	err := f.pipeline.Execute(f.authedContext(), Request{
		Action:     Action{Name: "set_role", RequiredRole: rbac.RoleAdmin},
		Identifier: f.userID,
		SourceAddr: "10.0.0.1",
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.Equal(t, shared.CodeForbidden, shared.CodeOf(err))
	require.False(t, called)
}

func TestExecuteEnforcesEntitlement(t *testing.T) {
	// Admin role on the free plan still has no admin_tab entitlement.
	f := newFixture(t, rbac.PlanFree, rbac.RoleAdmin)
	called := false

	err := f.pipeline.Execute(f.authedContext(), Request{
		Action: Action{
			Name:                "set_role",
			RequiredRole:        rbac.RoleAdmin,
			RequiredEntitlement: rbac.EntitlementAdminTab,
		},
		Identifier: f.userID,
		SourceAddr: "10.0.0.1",
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.Equal(t, shared.CodeForbidden, shared.CodeOf(err))
	require.False(t, called)
}

func TestExecuteEnforcesStepUp(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, rbac.RoleUser)
	f.provider.SetTwoFactor(f.userID, "123456", nil)
	called := false

	err := f.pipeline.Execute(f.authedContext(), Request{
		Action:     Action{Name: "disable_2fa", StepUpSensitive: true},
		Identifier: f.userID,
		SourceAddr: "10.0.0.1",
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.Equal(t, shared.CodeStepUpRequired, shared.CodeOf(err))
	require.False(t, called)

	err = f.pipeline.Execute(f.authedContext(), Request{
		Action:     Action{Name: "disable_2fa", StepUpSensitive: true},
		Identifier: f.userID,
		SourceAddr: "10.0.0.1",
		Proof:      stepup.Proof{Code: "123456"},
	}, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestExecuteRecordsAuditOnSuccess(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, rbac.RoleUser)

	err := f.pipeline.Execute(f.authedContext(), Request{
		Action:     Action{Name: "change_password", AuditKind: audit.KindPasswordChanged},
		Identifier: f.userID,
		SourceAddr: "10.0.0.1",
		UserAgent:  "settings-ui/2.1",
		Metadata:   map[string]string{"source": "settings"},
	}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.store.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	got := f.store.snapshot()[0]
	require.Equal(t, audit.KindPasswordChanged, got.Kind)
	require.Equal(t, f.userID, got.ActorID)
	require.Equal(t, "10.0.0.1", got.IPAddress)
	require.Equal(t, "settings-ui/2.1", got.UserAgent)
}

func TestExecuteSkipsAuditOnFailedMutation(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, rbac.RoleUser)

	err := f.pipeline.Execute(f.authedContext(), Request{
		Action:     Action{Name: "change_password", AuditKind: audit.KindPasswordChanged},
		Identifier: f.userID,
		SourceAddr: "10.0.0.1",
	}, func(context.Context) error {
		return shared.NewError(shared.CodeProviderError, "Invalid password")
	})
	require.Equal(t, shared.CodeProviderError, shared.CodeOf(err))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.store.snapshot())
}

func TestExecuteAnonymousActionSkipsAuthStages(t *testing.T) {
	f := newFixture(t, rbac.PlanPro, "")

	err := f.pipeline.Execute(context.Background(), Request{
		Action:     Action{Name: "forgot_password", AllowAnonymous: true, AuditKind: audit.KindPasswordResetRequested},
		Identifier: "someone@aegis.local",
		SourceAddr: "10.0.0.1",
	}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.store.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	// Anonymous actors are correlated by identifier digest, never the
	// raw address.
	got := f.store.snapshot()[0]
	require.Equal(t, shared.Digest("someone@aegis.local"), got.ActorID)
	require.NotContains(t, got.ActorID, "@")
}
