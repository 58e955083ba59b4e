package rbac

import (
	"context"
	"log/slog"

	"github.com/aegis-auth/aegis/internal/shared"
)

// ErrLastAdmin rejects a role change that would leave the system
// without any admin.
var ErrLastAdmin = shared.NewError(shared.CodeForbidden, "Cannot demote the last admin")

// Service resolves roles and entitlements and owns role mutations.
type Service struct {
	repo   Repository
	plan   Plan
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, plan Plan, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, plan: plan, logger: logger}
}

// Plan exposes the configured subscription tier.
func (s *Service) Plan() Plan {
	return s.plan
}

// ResolveRoles returns the user's normalized roles, defaulting to the
// base user role when none are assigned.
func (s *Service) ResolveRoles(ctx context.Context, userID string) ([]Role, error) {
	raw, err := s.repo.RolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NormalizeRoles(raw), nil
}

// RequireRole resolves the principal's roles and verifies the required
// rank. Fails with NOT_AUTHENTICATED before FORBIDDEN.
func (s *Service) RequireRole(ctx context.Context, principal *shared.Principal, required Role) ([]Role, error) {
	if principal == nil {
		return nil, shared.ErrNotAuthenticated
	}
	roles, err := s.ResolveRoles(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	if !HasRequiredRole(roles, required) {
		return nil, shared.ErrForbidden
	}
	return roles, nil
}

// Entitlements derives the principal's capability flags.
func (s *Service) Entitlements(ctx context.Context, userID string) (Entitlements, error) {
	roles, err := s.ResolveRoles(ctx, userID)
	if err != nil {
		return Entitlements{}, err
	}
	return ComputeEntitlements(roles, s.plan), nil
}

// RequireEntitlement verifies a single derived capability.
func (s *Service) RequireEntitlement(ctx context.Context, principal *shared.Principal, ent Entitlement) error {
	if principal == nil {
		return shared.ErrNotAuthenticated
	}
	ents, err := s.Entitlements(ctx, principal.UserID)
	if err != nil {
		return err
	}
	if !ents.Has(ent) {
		return shared.ErrForbidden
	}
	return nil
}

// SetRole replaces the target user's role. The last-admin check and the
// delete-and-reinsert run in one transaction; partial states are never
// observable and concurrent role changes serialize on the locked admin
// rows.
func (s *Service) SetRole(ctx context.Context, targetUserID string, next Role) error {
	if targetUserID == "" {
		return shared.NewError(shared.CodeValidation, "Missing userId")
	}
	if _, ok := ParseRole(string(next)); !ok {
		return shared.NewError(shared.CodeValidation, "Invalid role")
	}
	exists, err := s.repo.RoleExists(ctx, next)
	if err != nil {
		return err
	}
	if !exists {
		return shared.NewError(shared.CodeNotFound, "Role not found")
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		targetIsAdmin, err := tx.UserHasRole(ctx, targetUserID, RoleAdmin)
		if err != nil {
			return err
		}
		adminCount, err := tx.CountAdminsForUpdate(ctx)
		if err != nil {
			return err
		}
		if shouldBlockLastAdminDemotion(targetIsAdmin, next, adminCount) {
			return ErrLastAdmin
		}
		return tx.ReplaceUserRole(ctx, targetUserID, next)
	})
}

// ListAdminUsers returns role assignments for the admin tab.
func (s *Service) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	return s.repo.ListAdminUsers(ctx)
}

// CountAdmins reports how many users currently hold admin.
func (s *Service) CountAdmins(ctx context.Context) (int, error) {
	return s.repo.CountAdmins(ctx)
}

// shouldBlockLastAdminDemotion implements the last-admin invariant: a
// demotion is blocked when the target is an admin, the next role is not
// admin, and no other admin remains.
func shouldBlockLastAdminDemotion(targetIsAdmin bool, next Role, adminCount int) bool {
	if !targetIsAdmin || next == RoleAdmin {
		return false
	}
	return adminCount <= 1
}
