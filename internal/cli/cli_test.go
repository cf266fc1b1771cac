package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/jobcoord/internal/broker"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/credentials"
	"github.com/me/jobcoord/internal/logging"
	"github.com/me/jobcoord/internal/server"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/internal/store"
	"github.com/me/jobcoord/pkg/model"
)

type nopLauncher struct{}

func (nopLauncher) StartTask(context.Context, model.Slot, model.LaunchSpec) error { return nil }
func (nopLauncher) StopTask(context.Context, model.Slot) error                    { return nil }

type testBroker struct {
	url  string
	svc  *broker.Service
	loop *broker.Loop
}

// startTestBroker starts a broker with an in-memory SQLite store.
func startTestBroker(t *testing.T) *testBroker {
	t.Helper()
	logger := logging.Discard()
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := broker.NewService(st, nopLauncher{}, broker.Options{AdvertiseURL: "http://broker"}, logger)
	srv := server.New(config.DefaultBrokerConfig(), svc, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testBroker{url: ts.URL, svc: svc, loop: broker.NewLoop(svc, broker.DefaultLoopConfig(), logger)}
}

// writeJob lays out a runnable, a fake coordinator binary and a job config
// in a temp dir and returns the config path and the storage root.
func writeJob(t *testing.T, brokerURL string, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	storeRoot := filepath.Join(dir, "shared")
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
		return p
	}
	runnable := write("work.sh", "#!/bin/sh\necho hi\n")
	coord := write("coordinator-bin", "#!/bin/sh\n")
	aux := write("aux.dat", "auxiliary")

	cfg := fmt.Sprintf(`broker:
  url: %s
storage:
  url: file://%s
app:
  name: cli-test
  files: %s
coordinator:
  binary: %s
runnable:
  path: %s
%s`, brokerURL, storeRoot, aux, coord, runnable, extra)
	return write("job.yaml", cfg), storeRoot
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStage(t *testing.T) {
	cfgPath, root := writeJob(t, "http://localhost:8088", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	st, err := storage.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	// Leftovers of an earlier run are removed.
	stale := storage.Join(cfg.WorkDir(), "stale.txt")
	if _, err := st.Put(context.Background(), stale, strings.NewReader("old")); err != nil {
		t.Fatal(err)
	}

	req, err := Stage(context.Background(), cfg, cfgPath, st, logging.Discard())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	if _, err := st.Stat(context.Background(), stale); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale file stat err = %v, want ErrNotFound", err)
	}
	for _, name := range []string{"work.sh", "job.yaml", "coordinator", "aux.dat"} {
		if _, ok := req.Coordinator.Launch.Files[name]; !ok {
			t.Errorf("launch files missing %s", name)
		}
	}
	if got, want := req.Coordinator.Launch.Command, "./coordinator --config job.yaml"; got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
	if req.Name != "cli-test" || req.Queue != "default" {
		t.Errorf("name/queue = %s/%s, want cli-test/default", req.Name, req.Queue)
	}
	if req.Coordinator.Resource != (model.Resource{MemoryMB: 1024, VCores: 1}) {
		t.Errorf("coordinator resource = %s", req.Coordinator.Resource)
	}
	if req.Coordinator.Launch.AuthBlob != nil {
		t.Error("auth blob set with auth disabled")
	}
}

func TestStage_Auth(t *testing.T) {
	dir := t.TempDir()
	keytab := filepath.Join(dir, "alice.keytab")
	if err := os.WriteFile(keytab, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath, root := writeJob(t, "http://localhost:8088",
		"auth:\n  enabled: true\n  principal: alice\n  keytab: "+keytab+"\n")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	st, err := storage.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	req, err := Stage(context.Background(), cfg, cfgPath, st, logging.Discard())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, ok := req.Coordinator.Launch.Files["alice.keytab"]; !ok {
		t.Error("keytab not staged")
	}
	v := credentials.NewVerifier(map[string][]byte{"alice": []byte("s3cret")})
	principal, err := v.Verify(req.Coordinator.Launch.AuthBlob)
	if err != nil {
		t.Fatalf("verify auth blob: %v", err)
	}
	if principal != "alice" {
		t.Errorf("principal = %q, want alice", principal)
	}
}

func TestSubmitAndFollowUp(t *testing.T) {
	b := startTestBroker(t)
	cfgPath, _ := writeJob(t, b.url, "")

	out, err := execute(t, "submit", "-c", cfgPath, "--detach")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "Application submitted: app_") {
		t.Fatalf("unexpected submit output: %q", out)
	}
	appID := strings.Fields(strings.TrimPrefix(out, "Application submitted: "))[0]

	out, err = execute(t, "--broker", b.url, "status", appID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Application: " + appID, "Name:     cli-test", "State:    ACCEPTED"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "--broker", b.url, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, appID) {
		t.Errorf("list output missing %s:\n%s", appID, out)
	}

	// Run the coordinator slot and let it exit early so there is a log to show.
	ctx := context.Background()
	if _, err := b.svc.RegisterNode(ctx, model.NodeRegistration{Name: "n1", Addr: "127.0.0.1:1", Capacity: model.Resource{MemoryMB: 4096, VCores: 4}}); err != nil {
		t.Fatal(err)
	}
	if err := b.loop.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	slots, err := b.svc.ListSlots(ctx, appID)
	if err != nil || len(slots) != 1 {
		t.Fatalf("slots = %v, %v", slots, err)
	}
	if err := b.svc.SlotStarted(ctx, slots[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := b.svc.SlotCompleted(ctx, slots[0].ID, model.SlotCompletion{ExitCode: 3, Stdout: "coordinator says hi\n"}); err != nil {
		t.Fatal(err)
	}

	out, err = execute(t, "--broker", b.url, "logs", appID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	for _, want := range []string{"=== coordinator " + slots[0].ID, "[stdout]\ncoordinator says hi\n", "[exit code: 3]"} {
		if !strings.Contains(out, want) {
			t.Errorf("logs output missing %q:\n%s", want, out)
		}
	}

	// The app already failed, so killing it is a conflict.
	if _, err := execute(t, "--broker", b.url, "kill", appID); err == nil {
		t.Error("kill of a failed app succeeded")
	}
}

func TestKill(t *testing.T) {
	b := startTestBroker(t)
	cfgPath, _ := writeJob(t, b.url, "")
	out, err := execute(t, "submit", "-c", cfgPath, "--detach")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	appID := strings.Fields(strings.TrimPrefix(out, "Application submitted: "))[0]

	out, err = execute(t, "--broker", b.url, "kill", appID)
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if want := "Application " + appID + ": KILLED"; !strings.Contains(out, want) {
		t.Errorf("kill output = %q, want %q", out, want)
	}
}

func TestSubmit_Failures(t *testing.T) {
	b := startTestBroker(t)
	badCfg, _ := writeJob(t, b.url, "task:\n  count: -1\n")
	downCfg, _ := writeJob(t, "http://127.0.0.1:1", "")

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"missing config flag", []string{"submit"}, 1},
		{"unreadable config", []string{"submit", "-c", filepath.Join(t.TempDir(), "nope.yaml")}, 2},
		{"invalid config", []string{"submit", "-c", badCfg}, 2},
		{"broker unreachable", []string{"submit", "-c", downCfg, "--detach"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := ExitCode(err); got != tt.code {
				t.Errorf("exit code = %d, want %d (err: %v)", got, tt.code, err)
			}
		})
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		state  model.AppState
		status model.FinalStatus
		ok     bool
	}{
		{model.AppStateFinished, model.FinalStatusSucceeded, true},
		{model.AppStateFinished, model.FinalStatusFailed, false},
		{model.AppStateFailed, model.FinalStatusFailed, false},
		{model.AppStateKilled, model.FinalStatusKilled, false},
	}
	for _, tt := range tests {
		err := verdict(&model.Application{ID: "app_1", State: tt.state, FinalStatus: tt.status})
		if (err == nil) != tt.ok {
			t.Errorf("verdict(%s, %s) = %v, want ok=%v", tt.state, tt.status, err, tt.ok)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Errorf("ExitCode(plain) = %d, want 1", got)
	}
	if got := ExitCode(fmt.Errorf("wrapped: %w", &SubmitError{Err: errors.New("boom")})); got != 2 {
		t.Errorf("ExitCode(submit) = %d, want 2", got)
	}
}
