// Package broker implements the resource broker: application bookkeeping,
// the slot request queue, node membership and the allocation loop that
// grants slots first-fit over the registered nodes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/jobcoord/internal/credentials"
	"github.com/me/jobcoord/internal/store"
	"github.com/me/jobcoord/pkg/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// Launcher starts and stops tasks on node agents.
type Launcher interface {
	StartTask(ctx context.Context, slot model.Slot, spec model.LaunchSpec) error
	StopTask(ctx context.Context, slot model.Slot) error
}

// Options configures optional Service dependencies.
type Options struct {
	// AdvertiseURL is handed to coordinators as their broker address.
	AdvertiseURL string
	// Verifier checks coordinator auth blobs at submit time. Nil disables the check.
	Verifier *credentials.Verifier
}

// Service is the broker core. Every state change goes through mu.
type Service struct {
	mu       sync.Mutex
	store    store.Store
	launcher Launcher
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a broker service over st.
func NewService(st store.Store, launcher Launcher, opts Options, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		launcher: launcher,
		opts:     opts,
		logger:   logger.With("component", "broker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// --- Applications ---

// SubmitApplication validates req, persists the application and queues its
// coordinator slot request.
func (s *Service) SubmitApplication(ctx context.Context, req model.SubmitRequest) (*model.Application, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	user := req.User
	if s.opts.Verifier != nil {
		principal, err := s.opts.Verifier.Verify(req.Coordinator.Launch.AuthBlob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		user = principal
	}

	queue := req.Queue
	if queue == "" {
		queue = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	app := &model.Application{
		ID:          newID("app"),
		Name:        req.Name,
		Queue:       queue,
		User:        user,
		Priority:    req.Priority,
		State:       model.AppStateNew,
		FinalStatus: model.FinalStatusUndefined,
		Coordinator: req.Coordinator,
		Token:       uuid.New().String(),
		CreatedAt:   now,
	}
	for _, next := range []model.AppState{model.AppStateSubmitted, model.AppStateAccepted} {
		if err := transitionApp(app, next); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}

	pr := &model.PendingRequest{
		ID:          newID("req"),
		AppID:       app.ID,
		Resource:    req.Coordinator.Resource,
		Priority:    app.Priority,
		Coordinator: true,
		CreatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, pr); err != nil {
		return nil, fmt.Errorf("queue coordinator request: %w", err)
	}

	s.logger.Info("application accepted",
		"app_id", app.ID, "name", app.Name, "queue", app.Queue, "user", app.User,
		"coordinator", app.Coordinator.Resource.String())
	return app, nil
}

func validateSubmit(req model.SubmitRequest) error {
	var details []model.FieldError
	if strings.TrimSpace(req.Name) == "" {
		details = append(details, model.FieldError{Field: "name", Message: "required"})
	}
	if req.Coordinator.Resource.MemoryMB <= 0 {
		details = append(details, model.FieldError{Field: "coordinator.resource.memory_mb", Message: "must be positive"})
	}
	if req.Coordinator.Resource.VCores <= 0 {
		details = append(details, model.FieldError{Field: "coordinator.resource.vcores", Message: "must be positive"})
	}
	if strings.TrimSpace(req.Coordinator.Launch.Command) == "" {
		details = append(details, model.FieldError{Field: "coordinator.launch.command", Message: "required"})
	}
	if len(details) > 0 {
		return model.NewValidationError("invalid submission", details...)
	}
	return nil
}

func transitionApp(app *model.Application, next model.AppState) error {
	if !app.State.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "application", ID: app.ID, From: app.State.String(), To: next.String(),
		}
	}
	app.State = next
	return nil
}

func transitionNode(node *model.Node, next model.NodeState) error {
	if !node.State.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "node", ID: node.ID, From: node.State.String(), To: next.String(),
		}
	}
	node.State = next
	return nil
}

// GetApplication returns the application report.
func (s *Service) GetApplication(ctx context.Context, appID string) (*model.Application, error) {
	app, err := s.store.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, appID)
	}
	return app, nil
}

// ListApplications returns applications, newest first.
func (s *Service) ListApplications(ctx context.Context, opts model.ListOptions) ([]*model.Application, error) {
	return s.store.ListApplications(ctx, opts)
}

// ListSlots returns every slot the application was granted, including the
// coordinator slot, with their log tails.
func (s *Service) ListSlots(ctx context.Context, appID string) ([]*model.Slot, error) {
	if _, err := s.GetApplication(ctx, appID); err != nil {
		return nil, err
	}
	return s.store.ListSlotsByApp(ctx, appID)
}

// AuthorizeCoordinator checks the per-application token a coordinator
// presents on its calls.
func (s *Service) AuthorizeCoordinator(ctx context.Context, appID, token string) error {
	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	if token == "" || token != app.Token {
		return fmt.Errorf("%w: bad application token", ErrUnauthorized)
	}
	return nil
}

// RegisterCoordinator moves an ACCEPTED application to RUNNING.
func (s *Service) RegisterCoordinator(ctx context.Context, appID string, req model.RegisterRequest) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.State != model.AppStateAccepted {
		return nil, fmt.Errorf("%w: application %s is %s", ErrConflict, appID, app.State)
	}

	now := s.now()
	app.State = model.AppStateRunning
	app.Host = req.Host
	app.RPCPort = req.RPCPort
	app.TrackingURL = req.TrackingURL
	app.StartedAt = &now
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("update application: %w", err)
	}

	s.logger.Info("coordinator registered", "app_id", appID, "host", req.Host, "tracking_url", req.TrackingURL)
	return app, nil
}

// Allocate records progress, queues asks, applies releases and hands out
// every grant and completion not delivered yet.
func (s *Service) Allocate(ctx context.Context, appID string, req model.AllocateRequest) (*model.AllocateResponse, error) {
	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.State != model.AppStateRunning {
		return nil, fmt.Errorf("%w: application %s is %s", ErrConflict, appID, app.State)
	}
	for i, ask := range req.Asks {
		if ask.Resource.MemoryMB <= 0 || ask.Resource.VCores <= 0 {
			return nil, model.NewValidationError("invalid ask",
				model.FieldError{Field: fmt.Sprintf("asks[%d].resource", i), Message: "must be positive"})
		}
	}

	app.Progress = min(max(req.Progress, 0), 1)
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("update progress: %w", err)
	}

	now := s.now()
	for _, ask := range req.Asks {
		pr := &model.PendingRequest{
			ID:        newID("req"),
			AppID:     appID,
			Resource:  ask.Resource,
			Priority:  app.Priority,
			CreatedAt: now,
		}
		if err := s.store.CreateRequest(ctx, pr); err != nil {
			return nil, fmt.Errorf("queue request: %w", err)
		}
	}

	for _, slotID := range req.Releases {
		slot, err := s.store.GetSlot(ctx, slotID)
		if err != nil {
			return nil, err
		}
		if slot == nil || slot.AppID != appID {
			s.logger.Warn("release of unknown slot", "app_id", appID, "slot_id", slotID)
			continue
		}
		switch slot.State {
		case model.SlotStateAllocated:
			if err := s.finishSlot(ctx, slot, model.SlotStateReleased, model.ExitAborted, "released by application"); err != nil {
				return nil, err
			}
		case model.SlotStateRunning:
			stops = append(stops, *slot)
		}
	}

	resp, err := s.collect(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(req.Asks) > 0 || len(req.Releases) > 0 || len(resp.Granted) > 0 || len(resp.Completed) > 0 {
		s.logger.Debug("allocate",
			"app_id", appID, "progress", app.Progress,
			"asks", len(req.Asks), "releases", len(req.Releases),
			"granted", len(resp.Granted), "completed", len(resp.Completed))
	}
	return resp, nil
}

// collect marks every undelivered grant and completion of appID delivered
// and returns them.
func (s *Service) collect(ctx context.Context, appID string) (*model.AllocateResponse, error) {
	slots, err := s.store.ListUndelivered(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	resp := &model.AllocateResponse{Granted: []model.Slot{}, Completed: []model.TaskStatus{}}
	for _, slot := range slots {
		if !slot.Delivered {
			slot.Delivered = true
			resp.Granted = append(resp.Granted, *slot)
		}
		if slot.State.IsTerminal() && !slot.DoneDelivered {
			slot.DoneDelivered = true
			resp.Completed = append(resp.Completed, taskStatus(slot))
		}
		if err := s.store.UpdateSlot(ctx, slot); err != nil {
			return nil, fmt.Errorf("mark delivered: %w", err)
		}
	}
	return resp, nil
}

func taskStatus(slot *model.Slot) model.TaskStatus {
	code := model.ExitInvalid
	if slot.ExitCode != nil {
		code = *slot.ExitCode
	}
	return model.TaskStatus{
		SlotID:      slot.ID,
		State:       slot.State,
		ExitCode:    code,
		Diagnostics: slot.Diagnostics,
	}
}

// Unregister records the coordinator's final status. Only the first call
// takes effect.
func (s *Service) Unregister(ctx context.Context, appID string, req model.UnregisterRequest) (*model.Application, error) {
	if !req.FinalStatus.Valid() {
		return nil, model.NewValidationError("invalid final status",
			model.FieldError{Field: "final_status", Message: fmt.Sprintf("must be %s or %s", model.FinalStatusSucceeded, model.FinalStatusFailed)})
	}

	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.State.IsTerminal() {
		s.logger.Debug("duplicate unregister ignored", "app_id", appID, "state", app.State)
		return app, nil
	}

	app.FinalStatus = req.FinalStatus
	app.Diagnostics = req.Message
	app.Progress = 1
	if stops, err = s.endApplication(ctx, app, model.AppStateFinished, false); err != nil {
		return nil, err
	}

	s.logger.Info("application unregistered", "app_id", appID, "final_status", app.FinalStatus, "message", req.Message)
	return app, nil
}

// Kill ends an application and stops all of its running slots, including
// the coordinator.
func (s *Service) Kill(ctx context.Context, appID string) (*model.Application, error) {
	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.State.IsTerminal() {
		return nil, fmt.Errorf("%w: application %s already %s", ErrConflict, appID, app.State)
	}

	app.FinalStatus = model.FinalStatusKilled
	app.Diagnostics = "killed by user"
	if stops, err = s.endApplication(ctx, app, model.AppStateKilled, true); err != nil {
		return nil, err
	}

	s.logger.Info("application killed", "app_id", appID)
	return app, nil
}

// endApplication moves app to a terminal state, drops its outstanding
// requests and releases its unlaunched slots. It returns the running slots
// the caller must stop once the lock is released.
func (s *Service) endApplication(ctx context.Context, app *model.Application, state model.AppState, stopCoordinator bool) ([]model.Slot, error) {
	if err := transitionApp(app, state); err != nil {
		return nil, err
	}
	now := s.now()
	app.FinishedAt = &now
	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("update application: %w", err)
	}

	dropped, err := s.store.DeleteRequestsByApp(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("drop requests: %w", err)
	}

	slots, err := s.store.ListSlotsByApp(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	var stops []model.Slot
	for _, slot := range slots {
		switch slot.State {
		case model.SlotStateAllocated:
			if err := s.finishSlot(ctx, slot, model.SlotStateReleased, model.ExitAborted, "application finished"); err != nil {
				return nil, err
			}
		case model.SlotStateRunning:
			if slot.Coordinator && !stopCoordinator {
				continue
			}
			stops = append(stops, *slot)
		}
	}
	if dropped > 0 || len(stops) > 0 {
		s.logger.Debug("application cleanup", "app_id", app.ID, "dropped_requests", dropped, "stopping", len(stops))
	}
	return stops, nil
}

// failApplication marks a non-terminal application FAILED.
func (s *Service) failApplication(ctx context.Context, appID, diagnostics string) ([]model.Slot, error) {
	app, err := s.store.GetApplication(ctx, appID)
	if err != nil || app == nil || app.State.IsTerminal() {
		return nil, err
	}
	app.FinalStatus = model.FinalStatusFailed
	app.Diagnostics = diagnostics
	stops, err := s.endApplication(ctx, app, model.AppStateFailed, true)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("application failed", "app_id", appID, "diagnostics", diagnostics)
	return stops, nil
}

// finishSlot moves a slot to a terminal state and gives its resources back
// to the node.
func (s *Service) finishSlot(ctx context.Context, slot *model.Slot, state model.SlotState, exitCode int, diagnostics string) error {
	now := s.now()
	slot.State = state
	slot.ExitCode = &exitCode
	if slot.Diagnostics == "" {
		slot.Diagnostics = diagnostics
	}
	slot.CompletedAt = &now
	if err := s.store.UpdateSlot(ctx, slot); err != nil {
		return fmt.Errorf("update slot: %w", err)
	}

	node, err := s.store.GetNode(ctx, slot.NodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	node.Used = node.Used.Sub(slot.Resource)
	if node.Used.MemoryMB < 0 || node.Used.VCores < 0 {
		node.Used = model.Resource{}
	}
	return s.store.UpdateNode(ctx, node)
}

// stopSlots asks the agents to kill tasks. Called without the lock held;
// the agents report the completions through SlotCompleted.
func (s *Service) stopSlots(ctx context.Context, slots []model.Slot) {
	for _, slot := range slots {
		if err := s.launcher.StopTask(ctx, slot); err != nil {
			s.logger.Warn("stop task failed", "slot_id", slot.ID, "node", slot.NodeAddr, "error", err)
		}
	}
}

// --- Nodes ---

// RegisterNode adds an agent to the pool.
func (s *Service) RegisterNode(ctx context.Context, reg model.NodeRegistration) (*model.Node, error) {
	var details []model.FieldError
	if strings.TrimSpace(reg.Addr) == "" {
		details = append(details, model.FieldError{Field: "addr", Message: "required"})
	}
	if reg.Capacity.MemoryMB <= 0 || reg.Capacity.VCores <= 0 {
		details = append(details, model.FieldError{Field: "capacity", Message: "must be positive"})
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("invalid node registration", details...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	name := reg.Name
	if name == "" {
		name = reg.Addr
	}
	node := &model.Node{
		ID:           newID("node"),
		Name:         name,
		Addr:         reg.Addr,
		State:        model.NodeStateRunning,
		Capacity:     reg.Capacity,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	s.logger.Info("node registered", "node_id", node.ID, "name", node.Name, "addr", node.Addr, "capacity", node.Capacity.String())
	return node, nil
}

// Heartbeat refreshes a node's last-seen time. A LOST node comes back.
func (s *Service) Heartbeat(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	if node.State == model.NodeStateLost {
		if err := transitionNode(node, model.NodeStateRunning); err != nil {
			return err
		}
		s.logger.Info("node back", "node_id", nodeID)
	}
	node.LastSeen = s.now()
	return s.store.UpdateNode(ctx, node)
}

// DeregisterNode removes a node. Its unfinished slots are aborted.
func (s *Service) DeregisterNode(ctx context.Context, nodeID string) error {
	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	if err := transitionNode(node, model.NodeStateDecommissioned); err != nil {
		return err
	}
	if stops, err = s.abortNodeSlots(ctx, node, "node deregistered"); err != nil {
		return err
	}
	if err := s.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	s.logger.Info("node deregistered", "node_id", nodeID, "name", node.Name)
	return nil
}

// abortNodeSlots completes every live slot of node with -100.
func (s *Service) abortNodeSlots(ctx context.Context, node *model.Node, reason string) ([]model.Slot, error) {
	slots, err := s.store.ListSlotsByNode(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("list node slots: %w", err)
	}
	var stops []model.Slot
	for _, slot := range slots {
		if slot.State.IsTerminal() {
			continue
		}
		if err := s.finishSlot(ctx, slot, model.SlotStateCompleted, model.ExitAborted, reason); err != nil {
			return nil, err
		}
		if slot.Coordinator {
			more, err := s.failApplication(ctx, slot.AppID, "coordinator lost: "+reason)
			if err != nil {
				return nil, err
			}
			stops = append(stops, more...)
		}
	}
	return stops, nil
}

// --- Slots ---

// SlotStarted records that the agent started the task of a slot.
func (s *Service) SlotStarted(ctx context.Context, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if slot == nil {
		return fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
	}
	if slot.State != model.SlotStateAllocated {
		return fmt.Errorf("%w: slot %s is %s", ErrConflict, slotID, slot.State)
	}
	now := s.now()
	slot.State = model.SlotStateRunning
	slot.StartedAt = &now
	return s.store.UpdateSlot(ctx, slot)
}

// SlotCompleted records the end of the task in a slot. A report for a slot
// that already ended is ignored.
func (s *Service) SlotCompleted(ctx context.Context, slotID string, done model.SlotCompletion) error {
	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if slot == nil {
		return fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
	}
	if slot.State.IsTerminal() {
		s.logger.Debug("late completion ignored", "slot_id", slotID, "state", slot.State, "exit_code", done.ExitCode)
		return nil
	}

	slot.Diagnostics = done.Diagnostics
	slot.Stdout = done.Stdout
	slot.Stderr = done.Stderr
	if err := s.finishSlot(ctx, slot, model.SlotStateCompleted, done.ExitCode, ""); err != nil {
		return err
	}
	s.logger.Info("slot completed", "slot_id", slotID, "app_id", slot.AppID, "exit_code", done.ExitCode)

	if slot.Coordinator {
		diag := fmt.Sprintf("coordinator exited with code %d before unregistering", done.ExitCode)
		if done.Diagnostics != "" {
			diag += ": " + done.Diagnostics
		}
		stops, err = s.failApplication(ctx, slot.AppID, diag)
		return err
	}
	return nil
}

// ListNodes returns every registered node.
func (s *Service) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return s.store.ListNodes(ctx)
}
