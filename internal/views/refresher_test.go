package views

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (e *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if e.failOn != "" && sql == `REFRESH MATERIALIZED VIEW CONCURRENTLY "`+e.failOn+`"` {
		return pgconn.CommandTag{}, errors.New("could not obtain lock")
	}
	e.statements = append(e.statements, sql)
	return pgconn.NewCommandTag("REFRESH MATERIALIZED VIEW"), nil
}

func newTestRefresher(t *testing.T, db Execer) (*Refresher, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRefresher(db, client, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return now })
	return r, &now
}

func TestRefreshAllRecordsState(t *testing.T) {
	db := &recordingExecer{}
	r, now := newTestRefresher(t, db)
	ctx := context.Background()

	assert.True(t, r.NeedsRefresh(ctx, EffectiveRoles))
	require.NoError(t, r.RefreshAll(ctx))
	assert.Equal(t, []string{
		`REFRESH MATERIALIZED VIEW CONCURRENTLY "authz_user_effective_roles"`,
		`REFRESH MATERIALIZED VIEW CONCURRENTLY "authz_user_effective_permissions"`,
	}, db.statements)

	last, err := r.LastRefreshed(ctx, EffectivePermissions)
	require.NoError(t, err)
	assert.Equal(t, *now, last)
	assert.False(t, r.NeedsRefresh(ctx, EffectiveRoles))

	*now = now.Add(59 * time.Minute)
	assert.False(t, r.NeedsRefresh(ctx, EffectiveRoles))
	*now = now.Add(time.Minute)
	assert.True(t, r.NeedsRefresh(ctx, EffectiveRoles))
}

func TestRefreshStaleOnlyTouchesStaleViews(t *testing.T) {
	db := &recordingExecer{}
	r, now := newTestRefresher(t, db)
	ctx := context.Background()

	require.NoError(t, r.Refresh(ctx, EffectiveRoles))
	*now = now.Add(10 * time.Minute)

	refreshed, err := r.RefreshStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{EffectivePermissions}, refreshed)

	refreshed, err = r.RefreshStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, refreshed)
}

func TestRefreshFailureLeavesStateUntouched(t *testing.T) {
	db := &recordingExecer{failOn: EffectivePermissions}
	r, _ := newTestRefresher(t, db)
	ctx := context.Background()

	err := r.RefreshAll(ctx)
	require.Error(t, err)
	assert.False(t, r.NeedsRefresh(ctx, EffectiveRoles))
	assert.True(t, r.NeedsRefresh(ctx, EffectivePermissions))

	status, err := r.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.False(t, status[0].Stale)
	assert.True(t, status[1].Stale)
	assert.True(t, status[1].LastRefreshed.IsZero())
}

func TestRefreshRejectsUnknownView(t *testing.T) {
	db := &recordingExecer{}
	r, _ := newTestRefresher(t, db)
	err := r.Refresh(context.Background(), "users; DROP TABLE users")
	assert.ErrorIs(t, err, ErrUnknownView)
	assert.Empty(t, db.statements)
}
