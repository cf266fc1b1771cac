// Package cli implements the jobcoord command line client.
package cli

import (
	"errors"
	"log/slog"
	"os"

	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagBroker    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	apps   *client.AppClient
)

// SubmitError marks a failure to get an application accepted by the broker.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string { return "submission failed: " + e.Err.Error() }

func (e *SubmitError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by the root command to a process exit
// code: 2 for a failed submission, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return 2
	}
	return 1
}

// defaultBroker returns the default broker URL, checking JOBCOORD_BROKER_URL first.
func defaultBroker() string {
	if s := os.Getenv(config.EnvPrefix + "BROKER_URL"); s != "" {
		return s
	}
	return config.DefaultJobConfig().Broker.URL
}

// NewRootCmd creates the root cobra command for the jobcoord CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobcoord",
		Short: "Submit and follow jobs on a jobcoord cluster",
		Long: "jobcoord stages a job into shared storage, submits its coordinator to the\n" +
			"resource broker and follows the application until it ends.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), logFormat(flagLogFormat), cmd.ErrOrStderr())
			apps = client.NewAppClient(flagBroker)
		},
	}

	root.PersistentFlags().StringVar(&flagBroker, "broker", defaultBroker(), "Broker URL (or JOBCOORD_BROKER_URL env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json, auto)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newKillCmd(),
		newLogsCmd(),
	)

	return root
}

func logFormat(format string) string {
	if format == "auto" {
		return logging.AutoFormat(os.Stderr.Fd())
	}
	return format
}
