// Package agent is the node execution agent. It offers the node's capacity
// to the broker, runs the tasks the broker and coordinators launch into its
// slots, and reports how they ended.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/pkg/model"
)

// TailSize is how much of each output stream is reported with a completion.
const TailSize = 4 * 1024

// Reporter is the broker's node API.
type Reporter interface {
	Register(ctx context.Context, reg model.NodeRegistration) (*model.Node, error)
	Heartbeat(ctx context.Context) error
	Deregister(ctx context.Context) error
	SlotStarted(ctx context.Context, slotID string) error
	SlotCompleted(ctx context.Context, slotID string, done model.SlotCompletion) error
}

// Config holds agent configuration.
type Config struct {
	Name              string
	AdvertiseAddr     string
	Capacity          model.Resource
	WorkDir           string
	HeartbeatInterval time.Duration
}

// ErrSlotExists is returned when a slot is launched twice.
var ErrSlotExists = errors.New("slot already launched")

// ErrUnknownSlot is returned when stopping a slot the agent is not running.
var ErrUnknownSlot = errors.New("unknown slot")

// Agent runs tasks in slots on this node.
type Agent struct {
	reporter Reporter
	storage  storage.Storage
	runtime  Runtime
	config   Config
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*slotRun
	wg    sync.WaitGroup
}

type slotRun struct {
	appID   string
	cancel  context.CancelFunc
	stopped bool
}

// New creates an agent.
func New(cfg Config, reporter Reporter, st storage.Storage, rt Runtime, logger *slog.Logger) *Agent {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	return &Agent{
		reporter: reporter,
		storage:  st,
		runtime:  rt,
		config:   cfg,
		logger:   logger.With("component", "agent"),
		slots:    make(map[string]*slotRun),
	}
}

// Run registers with the broker and heartbeats until ctx is cancelled. On
// the way out it stops every running task, waits for their completions to
// be reported and deregisters.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.config.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", a.config.WorkDir, err)
	}

	node, err := a.reporter.Register(ctx, model.NodeRegistration{
		Name:     a.config.Name,
		Addr:     a.config.AdvertiseAddr,
		Capacity: a.config.Capacity,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("registered with broker",
		"node_id", node.ID,
		"name", node.Name,
		"addr", node.Addr,
		"capacity", node.Capacity.String(),
	)

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down, deregistering...")
			a.StopAll()
			a.wg.Wait()

			deregCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := a.reporter.Deregister(deregCtx)
			cancel()
			if err != nil {
				a.logger.Error("deregister failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := a.reporter.Heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Launch starts the task of a slot in the background.
func (a *Agent) Launch(ctx context.Context, slotID, appID string, spec model.LaunchSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slots[slotID]; ok {
		return fmt.Errorf("%w: %s", ErrSlotExists, slotID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &slotRun{appID: appID, cancel: cancel}
	a.slots[slotID] = run

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		done := a.execute(runCtx, slotID, appID, spec)
		cancel()

		a.mu.Lock()
		if run.stopped {
			done.ExitCode = model.ExitKilledByCoordinator
			done.Diagnostics = "container killed on request"
		}
		delete(a.slots, slotID)
		a.mu.Unlock()

		a.report(ctx, slotID, done)
	}()

	a.logger.Info("slot launched", "slot_id", slotID, "app_id", appID)
	return nil
}

// Stop kills the task of a slot. Its completion is reported with -105.
func (a *Agent) Stop(slotID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.slots[slotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}
	run.stopped = true
	run.cancel()
	a.logger.Info("slot stop requested", "slot_id", slotID, "app_id", run.appID)
	return nil
}

// StopAll kills every running task.
func (a *Agent) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, run := range a.slots {
		run.stopped = true
		run.cancel()
	}
}

// Running returns the IDs of slots with a live task.
func (a *Agent) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	return ids
}

// SlotDir returns the work directory of a slot.
func (a *Agent) SlotDir(appID, slotID string) string {
	return filepath.Join(a.config.WorkDir, appID, slotID)
}

// execute localizes the slot's files, runs its command and collects the
// result.
func (a *Agent) execute(ctx context.Context, slotID, appID string, spec model.LaunchSpec) model.SlotCompletion {
	logger := a.logger.With("slot_id", slotID, "app_id", appID)
	dir := a.SlotDir(appID, slotID)
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return launchFailure(fmt.Errorf("create slot dir: %w", err))
	}

	if err := a.localize(ctx, dir, spec.Files); err != nil {
		logger.Error("localization failed", "error", err)
		return launchFailure(err)
	}

	env := make(map[string]string, len(spec.Environment)+3)
	for k, v := range spec.Environment {
		env[k] = v
	}
	env[model.EnvSlotID] = slotID
	env[model.EnvWorkDir] = dir
	if len(spec.AuthBlob) > 0 {
		credPath := filepath.Join(dir, model.CredentialsFileName)
		if err := os.WriteFile(credPath, spec.AuthBlob, 0o600); err != nil {
			return launchFailure(fmt.Errorf("write credentials: %w", err))
		}
		env[model.EnvCredentialsFile] = credPath
	}

	stdoutPath := filepath.Join(logDir, "stdout")
	stderrPath := filepath.Join(logDir, "stderr")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return launchFailure(err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return launchFailure(err)
	}
	defer stderr.Close()

	if err := a.reporter.SlotStarted(ctx, slotID); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrConflict {
			logger.Warn("slot no longer allocated, not starting", "error", err)
			return model.SlotCompletion{ExitCode: model.ExitAborted, Diagnostics: apiErr.Message}
		}
		logger.Warn("slot started report failed", "error", err)
	}

	logger.Debug("running", "command", spec.Command, "dir", dir)
	start := time.Now()
	code, runErr := a.runtime.Run(ctx, RunSpec{
		Command: spec.Command,
		WorkDir: dir,
		Env:     env,
		Stdout:  stdout,
		Stderr:  stderr,
	})

	done := model.SlotCompletion{
		ExitCode: code,
		Stdout:   tail(stdoutPath, TailSize),
		Stderr:   tail(stderrPath, TailSize),
	}
	switch {
	case runErr != nil:
		done.ExitCode = model.ExitLaunchFailed
		done.Diagnostics = runErr.Error()
	case code != 0:
		done.Diagnostics = fmt.Sprintf("exit code %d", code)
	}
	logger.Info("task ended", "exit_code", done.ExitCode, "duration", time.Since(start).Round(time.Millisecond).String())
	return done
}

// localize fetches every file of the launch spec into dir.
func (a *Agent) localize(ctx context.Context, dir string, files map[string]model.LocalFile) error {
	for name, f := range files {
		if !filepath.IsLocal(name) {
			return fmt.Errorf("localize %s: name escapes the slot directory", name)
		}
		if err := storage.Fetch(ctx, a.storage, f, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("localize %s: %w", name, err)
		}
	}
	return nil
}

func (a *Agent) report(ctx context.Context, slotID string, done model.SlotCompletion) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.reporter.SlotCompleted(reportCtx, slotID, done); err != nil {
		a.logger.Error("completion report failed", "slot_id", slotID, "exit_code", done.ExitCode, "error", err)
	}
}

func launchFailure(err error) model.SlotCompletion {
	return model.SlotCompletion{ExitCode: model.ExitLaunchFailed, Diagnostics: err.Error()}
}

// tail returns the last n bytes of the file at path.
func tail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
