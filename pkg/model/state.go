package model

// WorkItemState represents the lifecycle state of one command of a job.
type WorkItemState string

const (
	WorkItemPending  WorkItemState = "PENDING"
	WorkItemRunning  WorkItemState = "RUNNING"
	WorkItemFinished WorkItemState = "FINISHED"
)

// String returns the string representation of the work item state.
func (s WorkItemState) String() string {
	return string(s)
}

// ValidWorkItemTransitions defines the allowed state transitions for work items.
// RUNNING -> PENDING is the retry path.
var ValidWorkItemTransitions = map[WorkItemState][]WorkItemState{
	WorkItemPending: {WorkItemRunning},
	WorkItemRunning: {WorkItemFinished, WorkItemPending},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkItemState) CanTransitionTo(next WorkItemState) bool {
	for _, allowed := range ValidWorkItemTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AppState represents the lifecycle state of an Application as tracked by the broker.
type AppState string

const (
	AppStateNew       AppState = "NEW"
	AppStateSubmitted AppState = "SUBMITTED"
	AppStateAccepted  AppState = "ACCEPTED"
	AppStateRunning   AppState = "RUNNING"
	AppStateFinished  AppState = "FINISHED"
	AppStateFailed    AppState = "FAILED"
	AppStateKilled    AppState = "KILLED"
)

// String returns the string representation of the application state.
func (s AppState) String() string {
	return string(s)
}

// IsTerminal returns true if the application has ended.
func (s AppState) IsTerminal() bool {
	switch s {
	case AppStateFinished, AppStateFailed, AppStateKilled:
		return true
	}
	return false
}

// ValidAppTransitions defines the allowed state transitions for Applications.
var ValidAppTransitions = map[AppState][]AppState{
	AppStateNew:       {AppStateSubmitted, AppStateKilled},
	AppStateSubmitted: {AppStateAccepted, AppStateFailed, AppStateKilled},
	AppStateAccepted:  {AppStateRunning, AppStateFailed, AppStateKilled},
	AppStateRunning:   {AppStateFinished, AppStateFailed, AppStateKilled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s AppState) CanTransitionTo(next AppState) bool {
	for _, allowed := range ValidAppTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FinalStatus is the outcome a coordinator reports when it unregisters.
type FinalStatus string

const (
	FinalStatusUndefined FinalStatus = "UNDEFINED"
	FinalStatusSucceeded FinalStatus = "SUCCEEDED"
	FinalStatusFailed    FinalStatus = "FAILED"
	FinalStatusKilled    FinalStatus = "KILLED"
)

// String returns the string representation of the final status.
func (s FinalStatus) String() string {
	return string(s)
}

// Valid reports whether s may be sent by a coordinator on unregistration.
func (s FinalStatus) Valid() bool {
	return s == FinalStatusSucceeded || s == FinalStatusFailed
}

// SlotState represents the lifecycle state of a granted Slot.
type SlotState string

const (
	SlotStateAllocated SlotState = "ALLOCATED"
	SlotStateRunning   SlotState = "RUNNING"
	SlotStateCompleted SlotState = "COMPLETED"
	SlotStateReleased  SlotState = "RELEASED"
)

// String returns the string representation of the slot state.
func (s SlotState) String() string {
	return string(s)
}

// IsTerminal returns true if the slot no longer holds node resources.
func (s SlotState) IsTerminal() bool {
	return s == SlotStateCompleted || s == SlotStateReleased
}

// NodeState represents the lifecycle state of an execution node.
type NodeState string

const (
	NodeStateRunning        NodeState = "RUNNING"
	NodeStateLost           NodeState = "LOST"
	NodeStateDecommissioned NodeState = "DECOMMISSIONED"
)

// String returns the string representation of the node state.
func (s NodeState) String() string {
	return string(s)
}

// ValidNodeTransitions defines the allowed state transitions for Nodes.
var ValidNodeTransitions = map[NodeState][]NodeState{
	NodeStateRunning: {NodeStateLost, NodeStateDecommissioned},
	NodeStateLost:    {NodeStateRunning, NodeStateDecommissioned},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	for _, allowed := range ValidNodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
