package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/internal/watcher"
	"github.com/me/jobcoord/pkg/model"
	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var configFile string
	var detach bool

	cmd := &cobra.Command{
		Use:   "submit -c <job.yaml>",
		Short: "Stage and submit a job",
		Long: "Upload the runnable, the job configuration and the coordinator into shared\n" +
			"storage, submit the coordinator to the broker and follow the application.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(configFile)
			if err != nil {
				return &SubmitError{Err: err}
			}
			if cmd.Flags().Changed("broker") {
				cfg.Broker.URL = flagBroker
			}
			if err := cfg.Validate(); err != nil {
				return &SubmitError{Err: err}
			}

			ctx := cmd.Context()
			st, err := storage.New(ctx, cfg.Storage.URL)
			if err != nil {
				return &SubmitError{Err: err}
			}
			req, err := Stage(ctx, cfg, configFile, st, logger)
			if err != nil {
				return &SubmitError{Err: fmt.Errorf("stage: %w", err)}
			}

			c := client.NewAppClient(cfg.Broker.URL)
			app, err := c.Submit(ctx, req)
			if err != nil {
				return &SubmitError{Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Application submitted: %s (state: %s)\n", app.ID, app.State)
			if detach {
				return nil
			}

			wctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			final, err := watcher.Watch(wctx, c, app.ID, cfg.App.CheckStatusInterval.Duration(), logger)
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped watching %s; it keeps running on the cluster.\n", app.ID)
				return nil
			}
			if err != nil {
				return err
			}
			return verdict(final)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config-file", "c", "", "Job configuration file (YAML)")
	cmd.Flags().BoolVar(&detach, "detach", false, "Return once the application is submitted")
	_ = cmd.MarkFlagRequired("config-file")
	return cmd
}

// verdict turns the final report into the command's outcome.
func verdict(app *model.Application) error {
	if app.State == model.AppStateFinished && app.FinalStatus == model.FinalStatusSucceeded {
		return nil
	}
	return fmt.Errorf("application %s ended %s (final status %s): %s", app.ID, app.State, app.FinalStatus, app.Diagnostics)
}
