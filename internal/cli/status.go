package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/me/jobcoord/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <app_id>",
		Short: "Show the report of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			app, err := apps.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), app)
			return nil
		},
	}
}

func printReport(w io.Writer, app *model.Application) {
	fmt.Fprintf(w, "Application: %s\n", app.ID)
	fmt.Fprintf(w, "  Name:     %s\n", app.Name)
	fmt.Fprintf(w, "  Queue:    %s\n", app.Queue)
	if app.User != "" {
		fmt.Fprintf(w, "  User:     %s\n", app.User)
	}
	fmt.Fprintf(w, "  State:    %s\n", app.State)
	fmt.Fprintf(w, "  Final:    %s\n", app.FinalStatus)
	fmt.Fprintf(w, "  Progress: %.0f%%\n", app.Progress*100)
	if app.TrackingURL != "" {
		fmt.Fprintf(w, "  Tracking: %s\n", app.TrackingURL)
	}
	if app.Diagnostics != "" {
		fmt.Fprintf(w, "  Diagnostics: %s\n", app.Diagnostics)
	}
	fmt.Fprintf(w, "  Submitted: %s\n", humanize.Time(app.CreatedAt))
	if app.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished:  %s\n", humanize.Time(*app.FinishedAt))
	}
}
