// Package views refreshes the materialized views that denormalize role
// assignments and effective permissions.
package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

const (
	// EffectiveRoles lists each subject's active roles per scope.
	EffectiveRoles = "authz_user_effective_roles"
	// EffectivePermissions lists each subject's effective permissions per scope.
	EffectivePermissions = "authz_user_effective_permissions"

	// DefaultStaleAfter is the age after which a view needs a refresh.
	DefaultStaleAfter = time.Hour

	stateKey = "authz:views:refreshed"
)

// ErrUnknownView reports a refresh request for a view this package does not
// manage.
var ErrUnknownView = errors.New("views: unknown view")

// Names lists the managed views in refresh order.
var Names = []string{EffectiveRoles, EffectivePermissions}

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Status describes one view's refresh state.
type Status struct {
	View          string    `json:"view"`
	LastRefreshed time.Time `json:"last_refreshed"`
	Stale         bool      `json:"stale"`
}

// Refresher recomputes views and records when each was last refreshed in a
// Redis hash shared by every instance.
type Refresher struct {
	db         Execer
	redis      *redis.Client
	staleAfter time.Duration
	logger     *slog.Logger
	clock      func() time.Time
}

// NewRefresher wires dependencies.
func NewRefresher(db Execer, client *redis.Client, staleAfter time.Duration, logger *slog.Logger) *Refresher {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		db:         db,
		redis:      client,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "views")),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Refresh recomputes one view.
func (r *Refresher) Refresh(ctx context.Context, view string) error {
	if !known(view) {
		return fmt.Errorf("%w: %s", ErrUnknownView, view)
	}
	start := r.clock()
	if _, err := r.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY `+pgx.Identifier{view}.Sanitize()); err != nil {
		r.logger.Error("refresh view", slog.String("view", view), slog.Any("error", err))
		return fmt.Errorf("views: refresh %s: %w", view, err)
	}
	now := r.clock()
	if r.redis != nil {
		if err := r.redis.HSet(ctx, stateKey, view, now.Unix()).Err(); err != nil {
			r.logger.Warn("record refresh time", slog.String("view", view), slog.Any("error", err))
		}
	}
	r.logger.Info("refreshed view", slog.String("view", view), slog.Duration("took", now.Sub(start)))
	return nil
}

// RefreshAll recomputes every managed view, stopping at the first failure.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	for _, view := range Names {
		if err := r.Refresh(ctx, view); err != nil {
			return err
		}
	}
	return nil
}

// RefreshStale recomputes only the views that need it and returns their
// names.
func (r *Refresher) RefreshStale(ctx context.Context) ([]string, error) {
	var refreshed []string
	for _, view := range Names {
		if !r.NeedsRefresh(ctx, view) {
			continue
		}
		if err := r.Refresh(ctx, view); err != nil {
			return refreshed, err
		}
		refreshed = append(refreshed, view)
	}
	return refreshed, nil
}

// NeedsRefresh reports whether view was never refreshed or was refreshed
// longer ago than the threshold. An unreadable state counts as stale.
func (r *Refresher) NeedsRefresh(ctx context.Context, view string) bool {
	last, err := r.LastRefreshed(ctx, view)
	if err != nil || last.IsZero() {
		return true
	}
	return r.clock().Sub(last) >= r.staleAfter
}

// LastRefreshed returns when view was last refreshed, or the zero time.
func (r *Refresher) LastRefreshed(ctx context.Context, view string) (time.Time, error) {
	if r.redis == nil {
		return time.Time{}, nil
	}
	raw, err := r.redis.HGet(ctx, stateKey, view).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("views: malformed refresh time for %s: %w", view, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// Status reports the refresh state of every managed view.
func (r *Refresher) Status(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(Names))
	for _, view := range Names {
		last, err := r.LastRefreshed(ctx, view)
		if err != nil {
			return nil, err
		}
		out = append(out, Status{View: view, LastRefreshed: last, Stale: last.IsZero() || r.clock().Sub(last) >= r.staleAfter})
	}
	return out, nil
}

// WithClock overrides the internal clock for deterministic tests.
func (r *Refresher) WithClock(clock func() time.Time) {
	if r != nil && clock != nil {
		r.clock = clock
	}
}

func known(view string) bool {
	for _, name := range Names {
		if name == view {
			return true
		}
	}
	return false
}
