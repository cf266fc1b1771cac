package broker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/me/jobcoord/pkg/model"
)

// LoopConfig holds allocation loop configuration.
type LoopConfig struct {
	TickInterval time.Duration
	NodeTimeout  time.Duration
}

// DefaultLoopConfig returns sensible defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{TickInterval: time.Second, NodeTimeout: 30 * time.Second}
}

// Loop periodically expires silent nodes, grants queued requests and
// launches coordinator slots.
type Loop struct {
	svc    *Service
	config LoopConfig
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates an allocation loop for svc.
func NewLoop(svc *Service, cfg LoopConfig, logger *slog.Logger) *Loop {
	return &Loop{
		svc:    svc,
		config: cfg,
		logger: logger.With("component", "allocator"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	logger := l.logger
	logger.Info("allocation loop started", "tick_interval", l.config.TickInterval, "node_timeout", l.config.NodeTimeout)
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			logger.Info("allocation loop stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			logger.Info("allocation loop stopping (stop called)")
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single allocation iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: Mark silent nodes LOST and abort their slots.
	if err := l.expireNodes(ctx); err != nil {
		return fmt.Errorf("phase 1 (nodes): %w", err)
	}

	// Phase 2: Grant queued requests first-fit.
	if err := l.grantRequests(ctx); err != nil {
		return fmt.Errorf("phase 2 (grant): %w", err)
	}

	// Phase 3: Launch newly granted coordinator slots.
	if err := l.launchCoordinators(ctx); err != nil {
		return fmt.Errorf("phase 3 (coordinators): %w", err)
	}
	return nil
}

func (l *Loop) expireNodes(ctx context.Context) error {
	s := l.svc
	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-l.config.NodeTimeout)
	for _, node := range nodes {
		if node.State != model.NodeStateRunning || !node.LastSeen.Before(cutoff) {
			continue
		}
		if err := transitionNode(node, model.NodeStateLost); err != nil {
			return err
		}
		if err := s.store.UpdateNode(ctx, node); err != nil {
			return err
		}
		s.logger.Warn("node lost", "node_id", node.ID, "name", node.Name, "last_seen", node.LastSeen)

		more, err := s.abortNodeSlots(ctx, node, "node lost")
		if err != nil {
			return err
		}
		stops = append(stops, more...)
	}
	return nil
}

func (l *Loop) grantRequests(ctx context.Context) error {
	s := l.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, err := s.store.ListRequests(ctx)
	if err != nil || len(reqs) == 0 {
		return err
	}
	all, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	var nodes []*model.Node
	for _, n := range all {
		if n.State == model.NodeStateRunning {
			nodes = append(nodes, n)
		}
	}

	touched := make(map[string]*model.Node)
	for _, req := range reqs {
		var node *model.Node
		for _, n := range nodes {
			if req.Resource.Fits(n.Free()) {
				node = n
				break
			}
		}
		if node == nil {
			continue
		}

		slot := &model.Slot{
			ID:          newID("slot"),
			AppID:       req.AppID,
			NodeID:      node.ID,
			NodeAddr:    node.Addr,
			Resource:    req.Resource,
			Priority:    req.Priority,
			State:       model.SlotStateAllocated,
			Coordinator: req.Coordinator,
			CreatedAt:   s.now(),
		}
		if err := s.store.CreateSlot(ctx, slot); err != nil {
			return fmt.Errorf("create slot: %w", err)
		}
		if err := s.store.DeleteRequest(ctx, req.ID); err != nil {
			return fmt.Errorf("delete request: %w", err)
		}
		node.Used = node.Used.Add(req.Resource)
		touched[node.ID] = node

		s.logger.Debug("slot granted",
			"slot_id", slot.ID, "app_id", slot.AppID, "node", node.Name,
			"resource", slot.Resource.String(), "coordinator", slot.Coordinator)
	}

	for _, n := range touched {
		if err := s.store.UpdateNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

type coordinatorLaunch struct {
	slot model.Slot
	spec model.LaunchSpec
}

func (l *Loop) launchCoordinators(ctx context.Context) error {
	s := l.svc

	launches, err := l.pendingCoordinators(ctx)
	if err != nil {
		return err
	}

	for _, cl := range launches {
		err := s.launcher.StartTask(ctx, cl.slot, cl.spec)
		if err == nil {
			s.logger.Info("coordinator launched", "app_id", cl.slot.AppID, "slot_id", cl.slot.ID, "node", cl.slot.NodeAddr)
			continue
		}
		s.logger.Error("coordinator launch failed", "app_id", cl.slot.AppID, "slot_id", cl.slot.ID, "error", err)
		if err := l.launchFailed(ctx, cl.slot.ID, err); err != nil {
			return err
		}
	}
	return nil
}

// pendingCoordinators claims the coordinator slots not launched yet. For
// coordinator slots the delivered flag records the launch attempt.
func (l *Loop) pendingCoordinators(ctx context.Context) ([]coordinatorLaunch, error) {
	s := l.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, err := s.store.ListSlotsByState(ctx, model.SlotStateAllocated)
	if err != nil {
		return nil, err
	}
	var launches []coordinatorLaunch
	for _, slot := range slots {
		if !slot.Coordinator || slot.Delivered {
			continue
		}
		app, err := s.store.GetApplication(ctx, slot.AppID)
		if err != nil {
			return nil, err
		}
		slot.Delivered = true
		if err := s.store.UpdateSlot(ctx, slot); err != nil {
			return nil, err
		}
		if app == nil || app.State.IsTerminal() {
			continue
		}
		launches = append(launches, coordinatorLaunch{slot: *slot, spec: l.coordinatorSpec(app, slot)})
	}
	return launches, nil
}

func (l *Loop) coordinatorSpec(app *model.Application, slot *model.Slot) model.LaunchSpec {
	spec := app.Coordinator.Launch
	env := make(map[string]string, len(spec.Environment)+3)
	maps.Copy(env, spec.Environment)
	env[model.EnvAppID] = app.ID
	env[model.EnvBrokerURL] = l.svc.opts.AdvertiseURL
	env[model.EnvBrokerToken] = app.Token
	spec.Environment = env
	return spec
}

func (l *Loop) launchFailed(ctx context.Context, slotID string, cause error) error {
	s := l.svc
	var stops []model.Slot
	defer func() { s.stopSlots(ctx, stops) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil || slot == nil {
		return err
	}
	if !slot.State.IsTerminal() {
		if err := s.finishSlot(ctx, slot, model.SlotStateCompleted, model.ExitLaunchFailed, cause.Error()); err != nil {
			return err
		}
	}
	stops, err = s.failApplication(ctx, slot.AppID, "coordinator launch failed: "+cause.Error())
	return err
}
