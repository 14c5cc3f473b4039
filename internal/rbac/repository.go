package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const roleColumns = `name, COALESCE(parent, ''), permissions, COALESCE(metadata, '{}'::jsonb), disabled, created_at, updated_at`

// PostgresRepository provides PostgreSQL backed persistence.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (r *PostgresRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM authz_roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole fetches a role by name.
func (r *PostgresRepository) GetRole(ctx context.Context, name string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM authz_roles WHERE name = $1`, name)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role.
func (r *PostgresRepository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO authz_roles (name, parent, permissions, metadata, disabled, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
RETURNING `+roleColumns, role.Name, role.Parent, role.Permissions, role.Metadata, role.Disabled, role.CreatedAt, role.UpdatedAt)
	created, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrRoleExists
		}
		return Role{}, err
	}
	return created, nil
}

// UpdateRole updates an existing role.
func (r *PostgresRepository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `UPDATE authz_roles
SET parent = NULLIF($2, ''), permissions = $3, metadata = $4, disabled = $5, updated_at = $6
WHERE name = $1
RETURNING `+roleColumns, role.Name, role.Parent, role.Permissions, role.Metadata, role.Disabled, role.UpdatedAt)
	updated, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return updated, nil
}

// SetRoleDisabled toggles the soft-disable flag.
func (r *PostgresRepository) SetRoleDisabled(ctx context.Context, name string, disabled bool, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE authz_roles SET disabled = $2, updated_at = $3 WHERE name = $1`, name, disabled, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAssignment records an active assignment. The partial unique index on
// active rows enforces one active assignment per subject, role and scope.
func (r *PostgresRepository) InsertAssignment(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO authz_user_roles (subject_id, role_name, scope_id, assigned_by, assigned_at, active)
VALUES ($1, $2, $3, $4, $5, TRUE)`, a.SubjectID, a.RoleName, a.ScopeID, a.AssignedBy, a.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAssignmentExists
		}
		return err
	}
	return nil
}

// RemoveAssignment soft-removes the active assignment.
func (r *PostgresRepository) RemoveAssignment(ctx context.Context, subjectID, roleName, scopeID, removedBy string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE authz_user_roles
SET active = FALSE, removed_by = $4, removed_at = $5
WHERE subject_id = $1 AND role_name = $2 AND scope_id = $3 AND active`, subjectID, roleName, scopeID, removedBy, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SubjectRoles reads the materialized effective-roles view. The view may lag
// behind recent assignments until the next refresh.
func (r *PostgresRepository) SubjectRoles(ctx context.Context, subjectID, scopeID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_name FROM authz_user_effective_roles WHERE subject_id = $1 AND scope_id = $2 ORDER BY role_name`, subjectID, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.Name, &role.Parent, &role.Permissions, &role.Metadata, &role.Disabled, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
