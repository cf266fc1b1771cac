// Package workitem tracks the commands of one job through their
// PENDING -> RUNNING -> FINISHED lifecycle.
package workitem

import (
	"fmt"

	"github.com/me/jobcoord/pkg/model"
)

// MaxTries is the number of launches a command gets before it is
// finished as failed.
const MaxTries = 3

// Item is one command of the job.
type Item struct {
	Index      int                 `json:"index"`
	Command    string              `json:"command"`
	State      model.WorkItemState `json:"state"`
	Tries      int                 `json:"tries"`
	SlotID     string              `json:"slot_id,omitempty"`
	Successful *bool               `json:"successful,omitempty"`
}

// Registry owns the items of a job. It is not safe for concurrent use; the
// scheduler loop is its only writer.
type Registry struct {
	items  []*Item
	bySlot map[string]*Item
}

// NewRegistry creates one PENDING item per command. The item count is fixed
// from here on.
func NewRegistry(commands []string) *Registry {
	r := &Registry{
		items:  make([]*Item, len(commands)),
		bySlot: make(map[string]*Item, len(commands)),
	}
	for i, cmd := range commands {
		r.items[i] = &Item{Index: i, Command: cmd, State: model.WorkItemPending}
	}
	return r
}

// Len returns the number of items.
func (r *Registry) Len() int { return len(r.items) }

// Items returns a copy of every item in work list order.
func (r *Registry) Items() []Item {
	out := make([]Item, len(r.items))
	for i, it := range r.items {
		out[i] = *it
		if it.Successful != nil {
			ok := *it.Successful
			out[i].Successful = &ok
		}
	}
	return out
}

// FindPending returns the first PENDING item, or nil.
func (r *Registry) FindPending() *Item {
	for _, it := range r.items {
		if it.State == model.WorkItemPending {
			return it
		}
	}
	return nil
}

// FindBySlot returns the item currently bound to slotID, or nil.
func (r *Registry) FindBySlot(slotID string) *Item {
	return r.bySlot[slotID]
}

// CountFinished returns the number of FINISHED items.
func (r *Registry) CountFinished() int {
	n := 0
	for _, it := range r.items {
		if it.State == model.WorkItemFinished {
			n++
		}
	}
	return n
}

// AllSuccessful reports whether every item finished successfully. It is
// true for an empty registry.
func (r *Registry) AllSuccessful() bool {
	for _, it := range r.items {
		if it.Successful == nil || !*it.Successful {
			return false
		}
	}
	return true
}

// Assign binds a PENDING item to a slot and counts the launch attempt.
func (r *Registry) Assign(it *Item, slotID string) error {
	if slotID == "" {
		return fmt.Errorf("assign item %d: empty slot id", it.Index)
	}
	if !it.State.CanTransitionTo(model.WorkItemRunning) {
		return &model.InvalidTransitionError{
			Entity: "work item",
			ID:     fmt.Sprint(it.Index),
			From:   it.State.String(),
			To:     model.WorkItemRunning.String(),
		}
	}
	if other, ok := r.bySlot[slotID]; ok {
		return fmt.Errorf("assign item %d: slot %s already bound to item %d", it.Index, slotID, other.Index)
	}
	it.State = model.WorkItemRunning
	it.Tries++
	it.SlotID = slotID
	r.bySlot[slotID] = it
	return nil
}

// Complete records the outcome of the item's current attempt and unbinds its
// slot. A failed attempt with tries left puts the item back to PENDING and
// returns retry=true; otherwise the item is FINISHED.
func (r *Registry) Complete(it *Item, success bool) (retry bool) {
	if it.State != model.WorkItemRunning {
		return false
	}
	if r.bySlot[it.SlotID] == it {
		delete(r.bySlot, it.SlotID)
	}
	if !success && it.Tries < MaxTries {
		it.State = model.WorkItemPending
		return true
	}
	it.State = model.WorkItemFinished
	ok := success
	it.Successful = &ok
	return false
}
