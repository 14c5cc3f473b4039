package policy

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const policyColumns = `id::text, scope_id, name, version, statements, active, created_by, created_at, updated_by, updated_at`

// PostgresRepository provides PostgreSQL backed persistence.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Insert stores a new policy.
func (r *PostgresRepository) Insert(ctx context.Context, p Policy) (Policy, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO authz_policies (id, scope_id, name, version, statements, active, created_by, created_at, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+policyColumns,
		p.ID, p.ScopeID, p.Name, p.Version, p.Statements, p.Active, p.CreatedBy, p.CreatedAt, p.UpdatedBy, p.UpdatedAt)
	return scanPolicy(row)
}

// Update overwrites the mutable fields of a policy.
func (r *PostgresRepository) Update(ctx context.Context, p Policy) (Policy, error) {
	row := r.pool.QueryRow(ctx, `UPDATE authz_policies
SET scope_id = $2, name = $3, version = $4, statements = $5, updated_by = $6, updated_at = $7
WHERE id = $1
RETURNING `+policyColumns,
		p.ID, p.ScopeID, p.Name, p.Version, p.Statements, p.UpdatedBy, p.UpdatedAt)
	updated, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	return updated, err
}

// Get fetches a policy by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Policy, error) {
	p, err := scanPolicy(r.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM authz_policies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	return p, err
}

// Deactivate marks a policy inactive.
func (r *PostgresRepository) Deactivate(ctx context.Context, id, actor string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE authz_policies SET active = FALSE, updated_by = $2, updated_at = $3 WHERE id = $1 AND active`, id, actor, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns active policies of the scope and global policies,
// oldest first.
func (r *PostgresRepository) ListActive(ctx context.Context, scopeID string) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+policyColumns+` FROM authz_policies
WHERE active AND (scope_id = $1 OR scope_id = '')
ORDER BY created_at, id`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row pgx.Row) (Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.ScopeID, &p.Name, &p.Version, &p.Statements, &p.Active, &p.CreatedBy, &p.CreatedAt, &p.UpdatedBy, &p.UpdatedAt)
	return p, err
}
