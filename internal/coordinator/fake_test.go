package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/me/jobcoord/pkg/model"
)

// fakeCluster is a broker and launcher in one. Launched commands complete on
// the following poll with the exit code scripted for their attempt.
type fakeCluster struct {
	// failures maps a command to the number of attempts that fail before
	// one succeeds.
	failures map[string]int
	// grantLimit caps grants per poll; 0 grants every outstanding ask.
	grantLimit int
	// extra excess grants handed out on the given poll number (1-based).
	extra map[int]int
	// startErrs makes the first N StartTask calls fail.
	startErrs int
	// pollErrs makes the first N polls fail.
	pollErrs int
	// stray completions for unknown slots sent on the first poll.
	stray []model.TaskStatus

	registerErr   error
	unregisterErr error

	asks      int
	nextSlot  int
	polls     []float64
	queued    []model.TaskStatus
	live      map[string]bool // granted, not yet completed
	assigned  map[string]string
	released  []string
	starts    int
	finals    []model.FinalStatus
	messages  []string
	registers int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		failures: map[string]int{},
		extra:    map[int]int{},
		live:     map[string]bool{},
		assigned: map[string]string{},
	}
}

func (f *fakeCluster) Register(_ context.Context, _ string, _ int, _ string) error {
	f.registers++
	return f.registerErr
}

func (f *fakeCluster) RequestSlot(_ context.Context, req model.SlotRequest) error {
	if req.Resource.MemoryMB <= 0 {
		return errors.New("bad ask")
	}
	f.asks++
	return nil
}

func (f *fakeCluster) grant() model.Slot {
	f.nextSlot++
	id := fmt.Sprintf("slot_%d", f.nextSlot)
	f.live[id] = true
	return model.Slot{ID: id, NodeAddr: "node-1:8042", State: model.SlotStateAllocated}
}

func (f *fakeCluster) Poll(_ context.Context, progress float64) (*model.AllocateResponse, error) {
	f.polls = append(f.polls, progress)
	if f.pollErrs > 0 {
		f.pollErrs--
		return nil, errors.New("broker unavailable")
	}

	resp := &model.AllocateResponse{Completed: f.queued}
	f.queued = nil
	if len(f.polls) == 1 {
		resp.Completed = append(resp.Completed, f.stray...)
	}

	n := f.asks
	if f.grantLimit > 0 && n > f.grantLimit {
		n = f.grantLimit
	}
	f.asks -= n
	n += f.extra[len(f.polls)]
	for i := 0; i < n; i++ {
		resp.Granted = append(resp.Granted, f.grant())
	}
	return resp, nil
}

func (f *fakeCluster) ReleaseSlot(_ context.Context, slotID string) error {
	f.released = append(f.released, slotID)
	if f.live[slotID] {
		delete(f.live, slotID)
		f.queued = append(f.queued, model.TaskStatus{
			SlotID:   slotID,
			State:    model.SlotStateReleased,
			ExitCode: model.ExitAborted,
		})
	}
	return nil
}

func (f *fakeCluster) Unregister(_ context.Context, status model.FinalStatus, message string) error {
	f.finals = append(f.finals, status)
	f.messages = append(f.messages, message)
	return f.unregisterErr
}

func (f *fakeCluster) StartTask(_ context.Context, slot model.Slot, spec model.LaunchSpec) error {
	f.starts++
	if prev, ok := f.assigned[slot.ID]; ok {
		return fmt.Errorf("slot %s started twice (%s, %s)", slot.ID, prev, spec.Command)
	}
	f.assigned[slot.ID] = spec.Command
	if f.startErrs > 0 {
		f.startErrs--
		return errors.New("connection refused")
	}

	attempt, _ := strconv.Atoi(spec.Environment[model.EnvTaskAttempt])
	exit := model.ExitSuccess
	if attempt <= f.failures[spec.Command] {
		exit = 1
	}
	delete(f.live, slot.ID)
	f.queued = append(f.queued, model.TaskStatus{
		SlotID:   slot.ID,
		State:    model.SlotStateCompleted,
		ExitCode: exit,
	})
	return nil
}
