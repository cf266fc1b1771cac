package cli

import (
	"fmt"
	"io"

	"github.com/me/jobcoord/pkg/model"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var slotID string

	cmd := &cobra.Command{
		Use:   "logs <app_id>",
		Short: "Show the task log tails of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			slots, err := apps.Slots(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			shown := 0
			for _, s := range slots {
				if slotID != "" && s.ID != slotID {
					continue
				}
				printSlotLogs(out, s)
				shown++
			}
			if shown == 0 {
				fmt.Fprintln(out, "No slots found.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&slotID, "slot", "s", "", "Specific slot ID")
	return cmd
}

func printSlotLogs(w io.Writer, s *model.Slot) {
	role := "task"
	if s.Coordinator {
		role = "coordinator"
	}
	fmt.Fprintf(w, "=== %s %s on %s (%s) ===\n", role, s.ID, s.NodeAddr, s.State)

	if s.Stdout != "" {
		fmt.Fprintf(w, "[stdout]\n%s", s.Stdout)
	}
	if s.Stderr != "" {
		fmt.Fprintf(w, "[stderr]\n%s", s.Stderr)
	}
	if s.ExitCode != nil {
		fmt.Fprintf(w, "[exit code: %d]\n", *s.ExitCode)
	}
	if s.Diagnostics != "" {
		fmt.Fprintf(w, "[diagnostics: %s]\n", s.Diagnostics)
	}
	fmt.Fprintln(w)
}
