package abac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides PostgreSQL backed persistence.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// RuleSet loads the enabled flag and rules of a scope. A scope without a
// settings row is disabled.
func (r *PostgresRepository) RuleSet(ctx context.Context, scopeID string) (RuleSet, error) {
	set := RuleSet{ScopeID: scopeID}
	err := r.pool.QueryRow(ctx, `SELECT enabled FROM authz_abac_scopes WHERE scope_id = $1`, scopeID).Scan(&set.Enabled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return RuleSet{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT scope_id, name, description, conditions, created_at, updated_at
FROM authz_abac_rules WHERE scope_id = $1 ORDER BY name`, scopeID)
	if err != nil {
		return RuleSet{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ScopeID, &rule.Name, &rule.Description, &rule.Conditions, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return RuleSet{}, err
		}
		set.Rules = append(set.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return RuleSet{}, err
	}
	return set, nil
}

// UpsertRule inserts or replaces a rule by (scope, name).
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule Rule) (Rule, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO authz_abac_rules (scope_id, name, description, conditions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (scope_id, name) DO UPDATE SET description = EXCLUDED.description, conditions = EXCLUDED.conditions, updated_at = EXCLUDED.updated_at
RETURNING scope_id, name, description, conditions, created_at, updated_at`,
		rule.ScopeID, rule.Name, rule.Description, rule.Conditions, rule.CreatedAt, rule.UpdatedAt)
	var saved Rule
	if err := row.Scan(&saved.ScopeID, &saved.Name, &saved.Description, &saved.Conditions, &saved.CreatedAt, &saved.UpdatedAt); err != nil {
		return Rule{}, err
	}
	return saved, nil
}

// DeleteRule removes a rule.
func (r *PostgresRepository) DeleteRule(ctx context.Context, scopeID, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM authz_abac_rules WHERE scope_id = $1 AND name = $2`, scopeID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled upserts the scope's enabled flag.
func (r *PostgresRepository) SetEnabled(ctx context.Context, scopeID string, enabled bool) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO authz_abac_scopes (scope_id, enabled) VALUES ($1, $2)
ON CONFLICT (scope_id) DO UPDATE SET enabled = EXCLUDED.enabled`, scopeID, enabled)
	return err
}
