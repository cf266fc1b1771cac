package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/me/jobcoord/pkg/model"
)

func TestJob_Run(t *testing.T) {
	cfg, st := stagedJob(t, "run.sh")
	cfg.Task.Count = 2
	cfg.App.CompletionPollInterval = 0
	put(t, st, "jobcoord/unit/run.sh", "#!/bin/sh\n")

	f := newFakeCluster()
	job := &Job{Broker: f, Launcher: f, Storage: st, Config: cfg, AppID: "app_1", Logger: discard}

	status, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.FinalStatusSucceeded {
		t.Errorf("status = %s", status)
	}
	if f.registers != 1 || len(f.finals) != 1 {
		t.Errorf("registers = %d, unregisters = %d", f.registers, len(f.finals))
	}
	if snap := job.Snapshot(); snap == nil || snap.Finished != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestJob_RegisterFailureIsFatal(t *testing.T) {
	cfg, st := stagedJob(t, "run.sh")
	f := newFakeCluster()
	f.registerErr = errors.New("conflict")
	job := &Job{Broker: f, Launcher: f, Storage: st, Config: cfg, AppID: "app_1", Logger: discard}

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(f.finals) != 0 || len(f.polls) != 0 {
		t.Errorf("coordinator kept going after failed registration: finals=%v polls=%d", f.finals, len(f.polls))
	}
}

func TestJob_SetupFailureUnregistersFailed(t *testing.T) {
	cfg, st := stagedJob(t, "run.sh") // never staged
	f := newFakeCluster()
	job := &Job{Broker: f, Launcher: f, Storage: st, Config: cfg, AppID: "app_1", Logger: discard}

	status, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if status != model.FinalStatusFailed || len(f.finals) != 1 || f.finals[0] != model.FinalStatusFailed {
		t.Errorf("status = %s, finals = %v", status, f.finals)
	}
}

func TestStatusHandler(t *testing.T) {
	job := &Job{Logger: discard}
	srv := httptest.NewServer(StatusHandler(job))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status before start = %d, want 503", resp.StatusCode)
	}

	cfg, st := stagedJob(t, "run.sh")
	cfg.App.CompletionPollInterval = 0
	put(t, st, "jobcoord/unit/run.sh", "x")
	f := newFakeCluster()
	job.Broker, job.Launcher, job.Storage, job.Config = f, f, st, cfg
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Total != 1 || snap.Finished != 1 || snap.Items[0].State != model.WorkItemFinished {
		t.Errorf("snapshot = %+v", snap)
	}
}
