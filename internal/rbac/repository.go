package rbac

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-auth/aegis/internal/platform/db"
)

// Repository defines persistence for role assignments. The role table
// is the only state this layer owns; user accounts live with the
// identity provider.
type Repository interface {
	RolesForUser(ctx context.Context, userID string) ([]string, error)
	RoleExists(ctx context.Context, role Role) (bool, error)
	CountAdmins(ctx context.Context) (int, error)
	ListAdminUsers(ctx context.Context) ([]AdminUser, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository exposes the operations that must share one transaction
// so the last-admin check cannot interleave with a concurrent writer.
type TxRepository interface {
	UserHasRole(ctx context.Context, userID string, role Role) (bool, error)
	CountAdminsForUpdate(ctx context.Context) (int, error)
	ReplaceUserRole(ctx context.Context, userID string, role Role) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RolesForUser fetches the raw role names assigned to a user.
func (r *PGRepository) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleExists checks the role reference table.
func (r *PGRepository) RoleExists(ctx context.Context, role Role) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, string(role)).Scan(&exists)
	return exists, err
}

// CountAdmins returns the number of users holding the admin role.
func (r *PGRepository) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_roles WHERE role_id = $1`, string(RoleAdmin)).Scan(&count)
	return count, err
}

// ListAdminUsers returns every assignment with its primary role, admins
// first, for the admin tab listing.
func (r *PGRepository) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, role_id, assigned_at
		FROM user_roles
		ORDER BY CASE role_id WHEN 'admin' THEN 0 WHEN 'moderator' THEN 1 ELSE 2 END, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []AdminUser
	for rows.Next() {
		var user AdminUser
		var role string
		var assignedAt time.Time
		if err := rows.Scan(&user.UserID, &role, &assignedAt); err != nil {
			return nil, err
		}
		user.Role = Role(role)
		user.AssignedAt = assignedAt
		users = append(users, user)
	}
	return users, rows.Err()
}

// WithTx runs fn inside a transaction, committing when it returns nil.
func (r *PGRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgTxRepository) UserHasRole(ctx context.Context, userID string, role Role) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2)`,
		userID, string(role)).Scan(&exists)
	return exists, err
}

// CountAdminsForUpdate locks the admin assignment rows so the count
// stays valid until the transaction commits.
func (r *pgTxRepository) CountAdminsForUpdate(ctx context.Context) (int, error) {
	rows, err := r.tx.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 FOR UPDATE`, string(RoleAdmin))
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return 0, err
		}
		count++
	}
	return count, rows.Err()
}

// ReplaceUserRole deletes and reinserts the user's role row. Runs
// inside the surrounding transaction so the no-role state is never
// observable.
func (r *pgTxRepository) ReplaceUserRole(ctx context.Context, userID string, role Role) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return err
	}
	_, err := r.tx.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1, $2, $3)`,
		userID, string(role), time.Now().UTC())
	return err
}

var _ Repository = (*PGRepository)(nil)
