package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/jobcoord/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleApplication() *model.Application {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Application{
		ID:          "app_test-1",
		Name:        "wordcount",
		Queue:       "default",
		User:        "alice",
		Priority:    1,
		State:       model.AppStateSubmitted,
		FinalStatus: model.FinalStatusUndefined,
		Coordinator: model.CoordinatorSpec{
			Resource: model.Resource{MemoryMB: 512, VCores: 1},
			Launch: model.LaunchSpec{
				Command: "./coordinator --config job.yaml",
				Files: map[string]model.LocalFile{
					"coordinator": {Location: "file:///tmp/stage/coordinator", Size: 1024, Timestamp: 1700000000000},
				},
				Environment: map[string]string{"A": "1"},
			},
		},
		Token:     "secret-token",
		CreatedAt: now,
	}
}

func sampleSlot(id, appID string) *model.Slot {
	return &model.Slot{
		ID:        id,
		AppID:     appID,
		NodeID:    "node_1",
		NodeAddr:  "localhost:8042",
		Resource:  model.Resource{MemoryMB: 256, VCores: 1},
		State:     model.SlotStateAllocated,
		CreatedAt: time.Now().UTC(),
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Application tests ---

func TestCreateAndGetApplication(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	app := sampleApplication()

	if err := st.CreateApplication(ctx, app); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil application")
	}
	if got.Name != app.Name {
		t.Errorf("name = %q, want %q", got.Name, app.Name)
	}
	if got.User != "alice" {
		t.Errorf("user = %q, want alice", got.User)
	}
	if got.Token != "secret-token" {
		t.Errorf("token = %q, want secret-token", got.Token)
	}
	if got.State != model.AppStateSubmitted {
		t.Errorf("state = %q, want SUBMITTED", got.State)
	}
	if got.Coordinator.Resource != app.Coordinator.Resource {
		t.Errorf("coordinator resource = %v, want %v", got.Coordinator.Resource, app.Coordinator.Resource)
	}
	f, ok := got.Coordinator.Launch.Files["coordinator"]
	if !ok || f.Size != 1024 || f.Timestamp != 1700000000000 {
		t.Errorf("coordinator file not preserved: %+v", got.Coordinator.Launch.Files)
	}
	if !got.CreatedAt.Equal(app.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, app.CreatedAt)
	}
	if got.StartedAt != nil {
		t.Errorf("started_at = %v, want nil", got.StartedAt)
	}
}

func TestGetApplication_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetApplication(context.Background(), "app_nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateApplication(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	app := sampleApplication()
	if err := st.CreateApplication(ctx, app); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	app.State = model.AppStateFinished
	app.FinalStatus = model.FinalStatusSucceeded
	app.Progress = 1
	app.Diagnostics = "Finished"
	app.Host = "worker-3"
	app.RPCPort = 9000
	app.TrackingURL = "http://worker-3:9000/status"
	app.StartedAt = &now
	app.FinishedAt = &now
	if err := st.UpdateApplication(ctx, app); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetApplication(ctx, app.ID)
	if got.State != model.AppStateFinished {
		t.Errorf("state = %q, want FINISHED", got.State)
	}
	if got.FinalStatus != model.FinalStatusSucceeded {
		t.Errorf("final_status = %q, want SUCCEEDED", got.FinalStatus)
	}
	if got.Progress != 1 {
		t.Errorf("progress = %v, want 1", got.Progress)
	}
	if got.TrackingURL != app.TrackingURL {
		t.Errorf("tracking_url = %q, want %q", got.TrackingURL, app.TrackingURL)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, now)
	}
}

func TestUpdateApplication_NotFound(t *testing.T) {
	st := testStore(t)
	app := sampleApplication()
	if err := st.UpdateApplication(context.Background(), app); err == nil {
		t.Error("expected error updating missing application")
	}
}

func TestListApplications_FilterAndOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		app := sampleApplication()
		app.ID = fmt.Sprintf("app_test-%d", i)
		app.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i == 2 {
			app.State = model.AppStateRunning
		}
		if err := st.CreateApplication(ctx, app); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	apps, err := st.ListApplications(ctx, model.DefaultListOptions())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 3 {
		t.Fatalf("len = %d, want 3", len(apps))
	}
	if apps[0].ID != "app_test-2" {
		t.Errorf("first = %q, want newest app_test-2", apps[0].ID)
	}

	apps, _ = st.ListApplications(ctx, model.ListOptions{Limit: 10, State: "RUNNING"})
	if len(apps) != 1 || apps[0].ID != "app_test-2" {
		t.Errorf("state filter returned %d apps", len(apps))
	}

	apps, _ = st.ListApplications(ctx, model.ListOptions{Limit: 2})
	if len(apps) != 2 {
		t.Errorf("limited len = %d, want 2", len(apps))
	}
}

// --- Request tests ---

func TestListRequests_PriorityThenAge(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	reqs := []*model.PendingRequest{
		{ID: "req_a", AppID: "app_1", Priority: 0, CreatedAt: base},
		{ID: "req_b", AppID: "app_1", Priority: 5, CreatedAt: base.Add(2 * time.Second)},
		{ID: "req_c", AppID: "app_2", Priority: 5, CreatedAt: base.Add(time.Second)},
		{ID: "req_d", AppID: "app_2", Priority: 0, CreatedAt: base},
	}
	for _, r := range reqs {
		r.Resource = model.Resource{MemoryMB: 128, VCores: 1}
		if err := st.CreateRequest(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	got, err := st.ListRequests(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"req_c", "req_b", "req_a", "req_d"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("requests[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
	if got[0].Resource.MemoryMB != 128 {
		t.Errorf("memory = %d, want 128", got[0].Resource.MemoryMB)
	}
}

func TestListRequests_WholeSecondOrdersBeforeFraction(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	older := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	// The newer request is inserted first so rowid cannot hide a wrong order.
	for _, r := range []*model.PendingRequest{
		{ID: "req_newer", AppID: "app_1", CreatedAt: older.Add(300 * time.Millisecond)},
		{ID: "req_older", AppID: "app_1", CreatedAt: older},
	} {
		if err := st.CreateRequest(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	got, err := st.ListRequests(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "req_older" || got[1].ID != "req_newer" {
		t.Fatalf("order = %v, want [req_older req_newer]", requestIDs(got))
	}
	if !got[0].CreatedAt.Equal(older) {
		t.Errorf("created_at = %v, want %v", got[0].CreatedAt, older)
	}
}

func TestFormatTime_FixedWidth(t *testing.T) {
	whole := formatTime(time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC))
	frac := formatTime(time.Date(2026, 3, 1, 12, 0, 5, 300_000_000, time.UTC))
	if len(whole) != len(frac) {
		t.Errorf("len(%q) != len(%q)", whole, frac)
	}
	if whole >= frac {
		t.Errorf("%q sorts after %q", whole, frac)
	}
}

func requestIDs(reqs []*model.PendingRequest) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

func TestDeleteRequests(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i, appID := range []string{"app_1", "app_1", "app_2"} {
		r := &model.PendingRequest{ID: fmt.Sprintf("req_%d", i), AppID: appID, CreatedAt: time.Now().UTC()}
		if err := st.CreateRequest(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := st.DeleteRequestsByApp(ctx, "app_1")
	if err != nil {
		t.Fatalf("delete by app: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if err := st.DeleteRequest(ctx, "req_2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := st.ListRequests(ctx)
	if len(got) != 0 {
		t.Errorf("remaining = %d, want 0", len(got))
	}
}

// --- Slot tests ---

func TestCreateAndUpdateSlot(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	slot := sampleSlot("slot_1", "app_1")
	if err := st.CreateSlot(ctx, slot); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetSlot(ctx, "slot_1")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.ExitCode != nil {
		t.Errorf("exit_code = %v, want nil", *got.ExitCode)
	}
	if got.Delivered {
		t.Error("delivered = true, want false")
	}

	code := model.ExitKilledByCoordinator
	now := time.Now().UTC()
	got.State = model.SlotStateCompleted
	got.ExitCode = &code
	got.Stderr = "boom"
	got.Delivered = true
	got.CompletedAt = &now
	if err := st.UpdateSlot(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ = st.GetSlot(ctx, "slot_1")
	if got.ExitCode == nil || *got.ExitCode != model.ExitKilledByCoordinator {
		t.Errorf("exit_code = %v, want -105", got.ExitCode)
	}
	if !got.Delivered {
		t.Error("delivered = false, want true")
	}
	if got.Stderr != "boom" {
		t.Errorf("stderr = %q, want boom", got.Stderr)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at = nil")
	}
}

func TestGetSlot_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetSlot(context.Background(), "slot_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestListUndelivered(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	fresh := sampleSlot("slot_fresh", "app_1")

	running := sampleSlot("slot_running", "app_1")
	running.State = model.SlotStateRunning
	running.Delivered = true

	done := sampleSlot("slot_done", "app_1")
	done.State = model.SlotStateCompleted
	done.Delivered = true

	reported := sampleSlot("slot_reported", "app_1")
	reported.State = model.SlotStateReleased
	reported.Delivered = true
	reported.DoneDelivered = true

	coord := sampleSlot("slot_coord", "app_1")
	coord.Coordinator = true

	other := sampleSlot("slot_other", "app_2")

	for _, s := range []*model.Slot{fresh, running, done, reported, coord, other} {
		if err := st.CreateSlot(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	got, err := st.ListUndelivered(ctx, "app_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	if len(ids) != 2 || !ids["slot_fresh"] || !ids["slot_done"] {
		t.Errorf("undelivered = %v, want slot_fresh and slot_done", ids)
	}
}

func TestListSlotsByNodeAndState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	a := sampleSlot("slot_a", "app_1")
	b := sampleSlot("slot_b", "app_1")
	b.NodeID = "node_2"
	b.State = model.SlotStateRunning
	for _, s := range []*model.Slot{a, b} {
		if err := st.CreateSlot(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	byNode, _ := st.ListSlotsByNode(ctx, "node_2")
	if len(byNode) != 1 || byNode[0].ID != "slot_b" {
		t.Errorf("by node = %d slots", len(byNode))
	}
	byState, _ := st.ListSlotsByState(ctx, model.SlotStateAllocated)
	if len(byState) != 1 || byState[0].ID != "slot_a" {
		t.Errorf("by state = %d slots", len(byState))
	}
	byApp, _ := st.ListSlotsByApp(ctx, "app_1")
	if len(byApp) != 2 {
		t.Errorf("by app = %d slots, want 2", len(byApp))
	}
}

// --- Node tests ---

func TestNodeCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n := &model.Node{
		ID:           "node_1",
		Name:         "worker-1",
		Addr:         "worker-1:8042",
		State:        model.NodeStateRunning,
		Capacity:     model.Resource{MemoryMB: 4096, VCores: 4},
		LastSeen:     now,
		RegisteredAt: now,
	}
	if err := st.CreateNode(ctx, n); err != nil {
		t.Fatalf("create: %v", err)
	}

	n.Used = model.Resource{MemoryMB: 1024, VCores: 1}
	n.State = model.NodeStateLost
	if err := st.UpdateNode(ctx, n); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetNode(ctx, "node_1")
	if got == nil {
		t.Fatal("got nil node")
	}
	if got.Free() != (model.Resource{MemoryMB: 3072, VCores: 3}) {
		t.Errorf("free = %v, want <memory:3072MB, vcores:3>", got.Free())
	}
	if got.State != model.NodeStateLost {
		t.Errorf("state = %q, want LOST", got.State)
	}

	nodes, _ := st.ListNodes(ctx)
	if len(nodes) != 1 {
		t.Errorf("list len = %d, want 1", len(nodes))
	}

	if err := st.DeleteNode(ctx, "node_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteNode(ctx, "node_1"); err == nil {
		t.Error("expected error deleting missing node")
	}
	got, _ = st.GetNode(ctx, "node_1")
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}
