package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/internal/workitem"
	"github.com/me/jobcoord/pkg/model"
)

// unregisterTimeout bounds the final unregister after ctx is done.
const unregisterTimeout = 10 * time.Second

// Job runs one application from coordinator registration to unregistration.
type Job struct {
	Broker   Broker
	Launcher Launcher
	Storage  storage.Storage
	Config   *config.JobConfig
	AppID    string
	AuthBlob []byte

	// Announced on registration.
	Host        string
	Port        int
	TrackingURL string

	Logger *slog.Logger

	loop atomic.Pointer[Loop]
}

// Run registers, resolves the work list, drives the loop and unregisters.
// It returns an error when registration fails, when the job cannot be set
// up, or when ctx ends before every task finished.
func (j *Job) Run(ctx context.Context) (model.FinalStatus, error) {
	logger := j.Logger.With("app_id", j.AppID)

	logger.Info("registering coordinator", "host", j.Host, "port", j.Port)
	if err := j.Broker.Register(ctx, j.Host, j.Port, j.TrackingURL); err != nil {
		return model.FinalStatusUndefined, fmt.Errorf("register coordinator: %w", err)
	}

	commands, err := Commands(ctx, j.Config, j.Storage)
	if err != nil {
		return j.fail(ctx, logger, err)
	}
	files, err := StagedFiles(ctx, j.Config, j.Storage)
	if err != nil {
		return j.fail(ctx, logger, err)
	}
	logger.Info("work list resolved", "commands", len(commands), "files", len(files))

	reg := workitem.NewRegistry(commands)
	loop := NewLoop(j.Broker, j.Launcher, reg, Config{
		AppID: j.AppID,
		TaskResource: model.Resource{
			MemoryMB: j.Config.Task.MemoryMB,
			VCores:   j.Config.Task.VCores,
		},
		Priority:     j.Config.App.Priority,
		PollInterval: j.Config.App.CompletionPollInterval.Duration(),
		Files:        files,
		AuthBlob:     j.AuthBlob,
	}, logger)
	j.loop.Store(loop)

	runErr := loop.Run(ctx)

	finishCtx := ctx
	if runErr != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), unregisterTimeout)
		defer cancel()
	}
	return Finish(finishCtx, j.Broker, reg, runErr, logger), runErr
}

// Snapshot returns the state of the running loop, or nil before it starts.
func (j *Job) Snapshot() *Snapshot {
	if l := j.loop.Load(); l != nil {
		return l.Snapshot()
	}
	return nil
}

func (j *Job) fail(ctx context.Context, logger *slog.Logger, cause error) (model.FinalStatus, error) {
	logger.Error("job setup failed", "error", cause)
	if err := j.Broker.Unregister(ctx, model.FinalStatusFailed, cause.Error()); err != nil {
		logger.Error("unregister", "error", err)
	}
	return model.FinalStatusFailed, cause
}
