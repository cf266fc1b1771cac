package coordinator

import (
	"context"
	"log/slog"

	"github.com/me/jobcoord/internal/workitem"
	"github.com/me/jobcoord/pkg/model"
)

// Finish decides the final status of the job and unregisters once. A
// non-nil runErr means the loop did not run to completion and the job
// fails. An unregister error is logged and does not change the verdict.
func Finish(ctx context.Context, b Broker, reg *workitem.Registry, runErr error, logger *slog.Logger) model.FinalStatus {
	logger = logger.With("component", "coordinator")

	status, message := model.FinalStatusSucceeded, "Finished"
	switch {
	case runErr != nil:
		status, message = model.FinalStatusFailed, "interrupted: "+runErr.Error()
		logger.Warn("job interrupted", "finished", reg.CountFinished(), "total", reg.Len(), "error", runErr)
	case !reg.AllSuccessful():
		status, message = model.FinalStatusFailed, "Failed due to at least one task failing"
		logger.Warn("some tasks did not finish successfully, check the task logs")
	}

	logger.Info("unregistering", "final_status", status, "message", message)
	if err := b.Unregister(ctx, status, message); err != nil {
		logger.Error("unregister", "error", err)
	}
	return status
}
