package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-auth/aegis/internal/shared"
	_ "github.com/aegis-auth/aegis/internal/testing/guard"
)

type memoryRoleRepo struct {
	roles map[string]Role
}

type memoryRoleTx struct {
	repo *memoryRoleRepo
}

func newMemoryRoleRepo() *memoryRoleRepo {
	return &memoryRoleRepo{roles: make(map[string]Role)}
}

func (r *memoryRoleRepo) RolesForUser(_ context.Context, userID string) ([]string, error) {
	role, ok := r.roles[userID]
	if !ok {
		return nil, nil
	}
	return []string{string(role)}, nil
}

func (r *memoryRoleRepo) RoleExists(_ context.Context, role Role) (bool, error) {
	_, ok := ParseRole(string(role))
	return ok, nil
}

func (r *memoryRoleRepo) CountAdmins(_ context.Context) (int, error) {
	count := 0
	for _, role := range r.roles {
		if role == RoleAdmin {
			count++
		}
	}
	return count, nil
}

func (r *memoryRoleRepo) ListAdminUsers(_ context.Context) ([]AdminUser, error) {
	var users []AdminUser
	for userID, role := range r.roles {
		users = append(users, AdminUser{UserID: userID, Role: role, AssignedAt: time.Now()})
	}
	return users, nil
}

func (r *memoryRoleRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return fn(ctx, &memoryRoleTx{repo: r})
}

func (t *memoryRoleTx) UserHasRole(_ context.Context, userID string, role Role) (bool, error) {
	return t.repo.roles[userID] == role, nil
}

func (t *memoryRoleTx) CountAdminsForUpdate(ctx context.Context) (int, error) {
	return t.repo.CountAdmins(ctx)
}

func (t *memoryRoleTx) ReplaceUserRole(_ context.Context, userID string, role Role) error {
	t.repo.roles[userID] = role
	return nil
}

func TestResolveRolesDefaultsToUser(t *testing.T) {
	svc := NewService(newMemoryRoleRepo(), PlanPro, nil)
	roles, err := svc.ResolveRoles(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, []Role{RoleUser}, roles)
}

func TestHasRequiredRoleUsesHighestRank(t *testing.T) {
	require.True(t, HasRequiredRole([]Role{RoleUser, RoleAdmin}, RoleModerator))
	require.True(t, HasRequiredRole([]Role{RoleModerator}, RoleModerator))
	require.False(t, HasRequiredRole([]Role{RoleUser}, RoleModerator))
	require.False(t, HasRequiredRole(nil, RoleUser))
}

func TestNormalizeRolesFiltersUnknown(t *testing.T) {
	require.Equal(t, []Role{RoleAdmin}, NormalizeRoles([]string{"superuser", "admin"}))
	require.Equal(t, []Role{RoleUser}, NormalizeRoles([]string{"superuser"}))
	require.Equal(t, []Role{RoleUser}, NormalizeRoles(nil))
}

func TestRequireRole(t *testing.T) {
	repo := newMemoryRoleRepo()
	repo.roles["mod-1"] = RoleModerator
	svc := NewService(repo, PlanPro, nil)

	_, err := svc.RequireRole(context.Background(), nil, RoleUser)
	require.Equal(t, shared.CodeNotAuthenticated, shared.CodeOf(err))

	_, err = svc.RequireRole(context.Background(), &shared.Principal{UserID: "mod-1"}, RoleAdmin)
	require.Equal(t, shared.CodeForbidden, shared.CodeOf(err))

	roles, err := svc.RequireRole(context.Background(), &shared.Principal{UserID: "mod-1"}, RoleModerator)
	require.NoError(t, err)
	require.Equal(t, []Role{RoleModerator}, roles)
}

func TestComputeEntitlements(t *testing.T) {
	// Free plan yields nothing, regardless of role.
	free := ComputeEntitlements([]Role{RoleAdmin}, PlanFree)
	require.False(t, free.AdminTab)
	require.False(t, free.ProfilePlusTab)
	require.False(t, free.SecurityTab)

	admin := ComputeEntitlements([]Role{RoleAdmin}, PlanPro)
	require.True(t, admin.AdminTab)
	require.True(t, admin.ProfilePlusTab)
	require.True(t, admin.SecurityTab)

	mod := ComputeEntitlements([]Role{RoleModerator}, PlanPro)
	require.False(t, mod.AdminTab)
	require.True(t, mod.ProfilePlusTab)

	base := ComputeEntitlements(nil, PlanPro)
	require.False(t, base.AdminTab)
	require.True(t, base.ProfilePlusTab)
}

func TestSetRoleBlocksLastAdminDemotion(t *testing.T) {
	repo := newMemoryRoleRepo()
	repo.roles["admin-1"] = RoleAdmin
	svc := NewService(repo, PlanPro, nil)

	err := svc.SetRole(context.Background(), "admin-1", RoleUser)
	require.ErrorIs(t, err, ErrLastAdmin)
	require.Equal(t, RoleAdmin, repo.roles["admin-1"], "stored role must be unchanged")

	// Re-assigning admin to the last admin is a no-op, not a demotion.
	require.NoError(t, svc.SetRole(context.Background(), "admin-1", RoleAdmin))
}

func TestSetRoleDemotesWhenAnotherAdminRemains(t *testing.T) {
	repo := newMemoryRoleRepo()
	repo.roles["admin-1"] = RoleAdmin
	repo.roles["admin-2"] = RoleAdmin
	svc := NewService(repo, PlanPro, nil)

	require.NoError(t, svc.SetRole(context.Background(), "admin-1", RoleModerator))
	require.Equal(t, RoleModerator, repo.roles["admin-1"])
	require.Equal(t, RoleAdmin, repo.roles["admin-2"])
}

func TestSetRoleValidation(t *testing.T) {
	svc := NewService(newMemoryRoleRepo(), PlanPro, nil)

	err := svc.SetRole(context.Background(), "", RoleUser)
	require.Equal(t, shared.CodeValidation, shared.CodeOf(err))

	err = svc.SetRole(context.Background(), "user-1", Role("superuser"))
	require.Equal(t, shared.CodeValidation, shared.CodeOf(err))
}

func TestSetRolePromotion(t *testing.T) {
	repo := newMemoryRoleRepo()
	repo.roles["user-1"] = RoleUser
	svc := NewService(repo, PlanPro, nil)

	require.NoError(t, svc.SetRole(context.Background(), "user-1", RoleAdmin))
	require.Equal(t, RoleAdmin, repo.roles["user-1"])
}
