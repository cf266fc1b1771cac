package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/me/jobcoord/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var opts model.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			list, err := apps.List(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No applications found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-10s  %-10s  %-9s  %-24s  %s\n", "ID", "STATE", "FINAL", "PROGRESS", "NAME", "SUBMITTED")
			for _, app := range list {
				fmt.Fprintf(out, "%-40s  %-10s  %-10s  %8.0f%%  %-24s  %s\n",
					app.ID, app.State, app.FinalStatus, app.Progress*100, app.Name, humanize.Time(app.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "Only list applications in this state")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of applications")
	return cmd
}
