package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/me/jobcoord/internal/workitem"
	"github.com/me/jobcoord/pkg/model"
)

// Config holds what the loop needs besides its collaborators.
type Config struct {
	AppID        string
	TaskResource model.Resource
	Priority     int
	PollInterval time.Duration

	// Handed to every task launch.
	Files       map[string]model.LocalFile
	Environment map[string]string
	AuthBlob    []byte
}

// Progress is the hint sent with each poll. Small jobs report 0.1 until
// their first command finishes.
func Progress(finished, total int) float64 {
	if finished == 0 && total < 10 {
		return 0.1
	}
	if total == 0 {
		return 1
	}
	return float64(finished) / float64(total)
}

// Loop drives the work items of one job to completion.
type Loop struct {
	broker   Broker
	launcher Launcher
	registry *workitem.Registry
	config   Config
	logger   *slog.Logger

	released map[string]bool // slots given back by the loop itself
	unsent   int             // slot requests the broker has not accepted yet
	snapshot atomic.Pointer[Snapshot]
}

// Snapshot is the job state as of the last completed iteration.
type Snapshot struct {
	Progress float64         `json:"progress"`
	Finished int             `json:"finished"`
	Total    int             `json:"total"`
	Items    []workitem.Item `json:"items"`
	At       time.Time       `json:"at"`
}

// NewLoop creates a loop over reg. The registry must not be touched by
// anything else while the loop runs.
func NewLoop(b Broker, l Launcher, reg *workitem.Registry, cfg Config, logger *slog.Logger) *Loop {
	loop := &Loop{
		broker:   b,
		launcher: l,
		registry: reg,
		config:   cfg,
		logger:   logger.With("component", "coordinator"),
		released: make(map[string]bool),
	}
	loop.publish()
	return loop
}

// Snapshot returns the latest published state. Safe for concurrent use.
func (l *Loop) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Run requests one slot per work item, then polls until every item is
// FINISHED. It returns early only when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	total := l.registry.Len()
	l.logger.Info("requesting slots", "count", total, "resource", l.config.TaskResource, "priority", l.config.Priority)
	l.requestSlots(ctx, total)

	for finished := l.registry.CountFinished(); finished < total; finished = l.registry.CountFinished() {
		if err := l.Tick(ctx); err != nil {
			l.logger.Error("tick error", "error", err)
		}
		l.publish()

		l.logger.Debug("waiting for tasks to complete", "finished", l.registry.CountFinished(), "total", total)
		select {
		case <-ctx.Done():
			l.logger.Info("coordinator loop stopping (context cancelled)")
			return ctx.Err()
		case <-time.After(l.config.PollInterval):
		}
	}

	l.publish()
	l.logger.Info("all tasks finished", "total", total, "successful", l.registry.AllSuccessful())
	return nil
}

// Tick runs a single poll iteration: grants are consumed before completions.
func (l *Loop) Tick(ctx context.Context) error {
	if l.unsent > 0 {
		n := l.unsent
		l.unsent = 0
		l.requestSlots(ctx, n)
	}

	progress := Progress(l.registry.CountFinished(), l.registry.Len())
	resp, err := l.broker.Poll(ctx, progress)
	if err != nil {
		return fmt.Errorf("poll broker: %w", err)
	}

	l.launchGranted(ctx, resp.Granted)
	l.handleCompleted(ctx, resp.Completed)
	return nil
}

// launchGranted binds each granted slot to a pending item and starts it.
// Once no item is pending the rest of the batch is released. Grants for
// slots the loop already holds or gave back are redeliveries and ignored.
func (l *Loop) launchGranted(ctx context.Context, granted []model.Slot) {
	for i, slot := range granted {
		if l.known(slot.ID) {
			l.logger.Debug("ignoring redelivered grant", "slot_id", slot.ID)
			continue
		}
		it := l.registry.FindPending()
		if it == nil {
			for _, extra := range granted[i:] {
				if l.known(extra.ID) {
					continue
				}
				l.logger.Warn("no pending command for granted slot, releasing it", "slot_id", extra.ID, "node", extra.NodeAddr)
				l.release(ctx, extra.ID)
			}
			return
		}

		if err := l.registry.Assign(it, slot.ID); err != nil {
			l.logger.Error("assign slot", "slot_id", slot.ID, "error", err)
			l.release(ctx, slot.ID)
			continue
		}

		l.logger.Info("launching task",
			"slot_id", slot.ID, "node", slot.NodeAddr,
			"index", it.Index, "attempt", it.Tries, "command", it.Command)
		if err := l.launcher.StartTask(ctx, slot, l.launchSpec(it)); err != nil {
			// The item stays RUNNING; releasing the slot makes the broker
			// report it as aborted, which feeds the retry path.
			l.logger.Warn("could not start task", "slot_id", slot.ID, "index", it.Index, "error", err)
			l.release(ctx, slot.ID)
		}
	}
}

// handleCompleted applies task outcomes to the registry.
func (l *Loop) handleCompleted(ctx context.Context, completed []model.TaskStatus) {
	for _, st := range completed {
		it := l.registry.FindBySlot(st.SlotID)
		if it == nil {
			if l.released[st.SlotID] {
				delete(l.released, st.SlotID)
				l.logger.Debug("released slot completed", "slot_id", st.SlotID, "exit_code", st.ExitCode)
			} else {
				l.logger.Error("completion for unknown slot", "slot_id", st.SlotID, "exit_code", st.ExitCode)
			}
			continue
		}
		delete(l.released, st.SlotID)

		if st.Succeeded() {
			l.registry.Complete(it, true)
			l.logger.Info("task succeeded", "slot_id", st.SlotID, "index", it.Index, "attempt", it.Tries)
			continue
		}

		l.logger.Warn("task failed",
			"slot_id", st.SlotID, "index", it.Index, "attempt", it.Tries,
			"exit_code", st.ExitCode, "state", st.State, "diagnostics", st.Diagnostics)
		if l.registry.Complete(it, false) {
			l.logger.Info("retrying task", "index", it.Index, "tries", it.Tries, "max_tries", workitem.MaxTries)
			l.requestSlots(ctx, 1)
		} else {
			l.logger.Warn("task failed permanently", "index", it.Index, "tries", it.Tries, "command", it.Command)
		}
	}
}

// requestSlots sends n slot requests. Requests the broker rejects are kept
// and resent on the next tick.
func (l *Loop) requestSlots(ctx context.Context, n int) {
	req := model.SlotRequest{Resource: l.config.TaskResource, Priority: l.config.Priority}
	for i := 0; i < n; i++ {
		if err := l.broker.RequestSlot(ctx, req); err != nil {
			l.logger.Error("request slot", "error", err)
			l.unsent += n - i
			return
		}
	}
}

// known reports whether slotID is bound to an item or was released by the loop.
func (l *Loop) known(slotID string) bool {
	return l.registry.FindBySlot(slotID) != nil || l.released[slotID]
}

func (l *Loop) release(ctx context.Context, slotID string) {
	l.released[slotID] = true
	if err := l.broker.ReleaseSlot(ctx, slotID); err != nil {
		l.logger.Error("release slot", "slot_id", slotID, "error", err)
	}
}

func (l *Loop) launchSpec(it *workitem.Item) model.LaunchSpec {
	env := make(map[string]string, len(l.config.Environment)+3)
	maps.Copy(env, l.config.Environment)
	env[model.EnvAppID] = l.config.AppID
	env[model.EnvTaskIndex] = strconv.Itoa(it.Index)
	env[model.EnvTaskAttempt] = strconv.Itoa(it.Tries)

	return model.LaunchSpec{
		Files:       l.config.Files,
		Environment: env,
		Command:     it.Command,
		AuthBlob:    l.config.AuthBlob,
	}
}

func (l *Loop) publish() {
	finished, total := l.registry.CountFinished(), l.registry.Len()
	l.snapshot.Store(&Snapshot{
		Progress: Progress(finished, total),
		Finished: finished,
		Total:    total,
		Items:    l.registry.Items(),
		At:       time.Now().UTC(),
	})
}
