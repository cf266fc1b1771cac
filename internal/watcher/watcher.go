// Package watcher follows a submitted application until it ends.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/jobcoord/pkg/model"
)

// Reporter returns application reports.
type Reporter interface {
	Report(ctx context.Context, appID string) (*model.Application, error)
}

// LogsHint is the command that retrieves an application's task logs.
func LogsHint(appID string) string {
	return "jobcoord logs " + appID
}

// Watch polls the application report every interval and logs its progress
// until the application reaches FINISHED, FAILED or KILLED. Report errors
// are logged and polling continues. Cancelling ctx ends the wait with the
// context's error and no verdict.
func Watch(ctx context.Context, r Reporter, appID string, interval time.Duration, logger *slog.Logger) (*model.Application, error) {
	logger = logger.With("component", "watcher", "app_id", appID)

	for {
		app, err := r.Report(ctx, appID)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("failed to get application report", "error", err)
		case app != nil:
			logger.Info("application report",
				"state", app.State,
				"progress", fmt.Sprintf("%.0f%%", app.Progress*100),
				"tracking_url", app.TrackingURL,
			)
			if app.State.IsTerminal() {
				logFinal(logger, app)
				return app, nil
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("stopped watching", "reason", ctx.Err())
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func logFinal(logger *slog.Logger, app *model.Application) {
	attrs := []any{
		"state", app.State,
		"final_status", app.FinalStatus,
		"diagnostics", app.Diagnostics,
	}
	if app.StartedAt != nil && app.FinishedAt != nil {
		attrs = append(attrs, "ran", strings.TrimSpace(humanize.RelTime(*app.StartedAt, *app.FinishedAt, "", "")))
	}
	attrs = append(attrs, "logs", LogsHint(app.ID))

	if app.State == model.AppStateFinished && app.FinalStatus == model.FinalStatusSucceeded {
		logger.Info("application finished", attrs...)
		return
	}
	logger.Warn("application did not succeed", attrs...)
}
