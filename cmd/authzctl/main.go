package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	authzcli "github.com/odyssey-erp/odyssey-authz/cmd/authzctl/cli"
	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/views"
)

func main() {
	cmd := &cli.Command{
		Name:  "authzctl",
		Usage: "Operate the authorization service: permission views, jobs and the decision cache",
		Commands: []*cli.Command{
			{
				Name:  "views",
				Usage: "Inspect and refresh the permission materialized views",
				Commands: []*cli.Command{
					{
						Name:  "refresh",
						Usage: "Refresh stale views, or the named ones",
						Flags: []cli.Flag{
							&cli.StringSliceFlag{Name: "view", Usage: "Refresh `VIEW`. Can be specified multiple times."},
							&cli.BoolFlag{Name: "force", Usage: "Refresh every view even when fresh"},
						},
						Action: refreshViews,
					},
					{
						Name:  "status",
						Usage: "Show when each view was last refreshed; exits 10 when any is stale",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
						},
						Action: viewsStatus,
					},
				},
			},
			{
				Name:  "jobs",
				Usage: "Manage background jobs",
				Commands: []*cli.Command{
					{
						Name:      "trigger",
						Usage:     "Enqueue a job by task name",
						ArgsUsage: "TASK",
						Action:    triggerJob,
					},
					{
						Name:   "stats",
						Usage:  "Print queue statistics as JSON",
						Action: jobStats,
					},
				},
			},
			{
				Name:   "cache-bump",
				Usage:  "Invalidate every cached access decision",
				Action: bumpCache,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg    *app.Config
	logger *slog.Logger
	redis  cache.Options
}

func loadEnv() (env, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return env{}, err
	}
	return env{cfg: cfg, logger: app.NewLogger(cfg), redis: cache.Options{Addr: cfg.RedisAddr}}, nil
}

func withRefresher(ctx context.Context, fn func(*views.Refresher, *decisioncache.Cache) int) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	pool, err := db.New(ctx, e.cfg.PGDSN, db.Options{MaxConns: 2, ApplicationName: "authzctl"})
	if err != nil {
		return err
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, e.redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	refresher := views.NewRefresher(pool, redisClient, e.cfg.ViewsStaleAfter, e.logger)
	if code := fn(refresher, decisioncache.New(redisClient, e.cfg.CacheTTL, e.logger)); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func refreshViews(ctx context.Context, cmd *cli.Command) error {
	return withRefresher(ctx, func(r *views.Refresher, decisions *decisioncache.Cache) int {
		return authzcli.NewViewsCLI(r).WithInvalidator(decisions).RefreshCommand(ctx, authzcli.ViewsRefreshOptions{
			Views: cmd.StringSlice("view"),
			Force: cmd.Bool("force"),
		})
	})
}

func viewsStatus(ctx context.Context, cmd *cli.Command) error {
	return withRefresher(ctx, func(r *views.Refresher, _ *decisioncache.Cache) int {
		return authzcli.NewViewsCLI(r).StatusCommand(ctx, authzcli.ViewsStatusOptions{JSONOutput: cmd.Bool("json")})
	})
}

func triggerJob(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("jobs trigger: task name required")
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	jobsCLI := authzcli.NewJobsCLI(cache.AsynqOpt(e.redis))
	defer jobsCLI.Close()
	info, err := jobsCLI.Trigger(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return nil
}

func jobStats(ctx context.Context, cmd *cli.Command) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	jobsCLI := authzcli.NewJobsCLI(cache.AsynqOpt(e.redis))
	defer jobsCLI.Close()
	stats, err := jobsCLI.InspectQueues(ctx)
	if err != nil {
		return err
	}
	scheduled, err := jobsCLI.ListScheduled(ctx, 10)
	if err != nil {
		return err
	}
	next := make([]string, 0, len(scheduled))
	for _, t := range scheduled {
		next = append(next, t.Type+" @ "+t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{"queues": stats, "scheduled": next})
}

func bumpCache(ctx context.Context, cmd *cli.Command) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	redisClient, err := cache.New(ctx, e.redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	if err := decisioncache.New(redisClient, e.cfg.CacheTTL, e.logger).Bump(ctx); err != nil {
		return err
	}
	fmt.Println("decision cache invalidated")
	return nil
}
