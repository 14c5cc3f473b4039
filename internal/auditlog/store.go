package auditlog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
)

// Store persists batches of entries. A batch is written atomically and
// writing the same entry id twice is a no-op, so a failed batch can be
// retried whole. Request ids are not unique: callers may reuse one id for
// several checks.
type Store interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

// PostgresStore writes entries into authz_audit_log.
type PostgresStore struct {
	conn db.Beginner
}

// NewPostgresStore returns a new PostgresStore. conn is usually a
// *pgxpool.Pool.
func NewPostgresStore(conn db.Beginner) *PostgresStore {
	return &PostgresStore{conn: conn}
}

const insertEntry = `INSERT INTO authz_audit_log
	(id, request_id, subject_id, scope_id, action, resource_type, resource_id, allowed, outcome, reason, matched_policies, cached, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()))
ON CONFLICT (id) DO NOTHING`

// WriteBatch inserts all entries in one transaction.
func (s *PostgresStore) WriteBatch(ctx context.Context, entries []Entry) error {
	if s == nil || s.conn == nil {
		return errors.New("auditlog: store not initialised")
	}
	if len(entries) == 0 {
		return nil
	}
	return db.WithTx(ctx, s.conn, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			matched := e.MatchedPolicies
			if matched == nil {
				matched = []string{}
			}
			var at any
			if !e.At.IsZero() {
				at = e.At
			}
			batch.Queue(insertEntry, e.ID, e.RequestID, e.SubjectID, e.ScopeID, e.Action, e.ResourceType, e.ResourceID,
				e.Allowed, e.Outcome, e.Reason, matched, e.Cached, at)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
