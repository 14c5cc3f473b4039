package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/views"
)

// ViewRefresher is the part of views.Refresher the CLI drives.
type ViewRefresher interface {
	Refresh(ctx context.Context, view string) error
	RefreshStale(ctx context.Context) ([]string, error)
	Status(ctx context.Context) ([]views.Status, error)
}

// Invalidator drops cached decisions.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// ViewsCLI refreshes and inspects the permission views synchronously.
type ViewsCLI struct {
	refresher ViewRefresher
	cache     Invalidator
}

// NewViewsCLI constructs the helper.
func NewViewsCLI(refresher ViewRefresher) *ViewsCLI {
	return &ViewsCLI{refresher: refresher}
}

// ViewsRefreshOptions defines flags for the views refresh command.
type ViewsRefreshOptions struct {
	Views  []string
	Force  bool
	Stdout io.Writer
	Stderr io.Writer
}

// ViewsStatusOptions defines flags for the views status command.
type ViewsStatusOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RefreshCommand refreshes the named views, every view when Force is set,
// or only the stale ones otherwise.
func (c *ViewsCLI) RefreshCommand(ctx context.Context, opts ViewsRefreshOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	names := opts.Views
	if len(names) == 0 && opts.Force {
		names = views.Names
	}
	refreshedCount := 0
	defer func() { c.invalidate(ctx, stderr, refreshedCount) }()
	if len(names) == 0 {
		refreshed, err := c.refresher.RefreshStale(ctx)
		refreshedCount = len(refreshed)
		for _, view := range refreshed {
			_, _ = fmt.Fprintf(stdout, "refreshed %s\n", view)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "views refresh: %v\n", err)
			return 1
		}
		if len(refreshed) == 0 {
			_, _ = fmt.Fprintln(stdout, "all views fresh")
		}
		return 0
	}
	for _, view := range names {
		start := time.Now()
		if err := c.refresher.Refresh(ctx, view); err != nil {
			_, _ = fmt.Fprintf(stderr, "views refresh: %s: %v\n", view, err)
			return 1
		}
		refreshedCount++
		_, _ = fmt.Fprintf(stdout, "refreshed %s in %s\n", view, time.Since(start).Round(time.Millisecond))
	}
	return 0
}

// WithInvalidator makes RefreshCommand drop cached decisions after any view
// was rebuilt.
func (c *ViewsCLI) WithInvalidator(inv Invalidator) *ViewsCLI {
	c.cache = inv
	return c
}

func (c *ViewsCLI) invalidate(ctx context.Context, stderr io.Writer, refreshed int) {
	if refreshed == 0 || c.cache == nil {
		return
	}
	if err := c.cache.Bump(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "views refresh: invalidate decisions: %v\n", err)
	}
}

// StatusCommand prints when each view was last refreshed. It exits with 10
// when any view is stale.
func (c *ViewsCLI) StatusCommand(ctx context.Context, opts ViewsStatusOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	statuses, err := c.refresher.Status(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "views status: %v\n", err)
		return 1
	}
	stale := false
	for _, s := range statuses {
		stale = stale || s.Stale
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(statuses); err != nil {
			_, _ = fmt.Fprintf(stderr, "views status: encode json: %v\n", err)
			return 1
		}
	} else {
		for _, s := range statuses {
			last := "never"
			if !s.LastRefreshed.IsZero() {
				last = s.LastRefreshed.Format(time.RFC3339)
			}
			marker := ""
			if s.Stale {
				marker = " (stale)"
			}
			_, _ = fmt.Fprintf(stdout, "%s: %s%s\n", s.View, last, marker)
		}
	}
	if stale {
		return 10
	}
	return 0
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
