package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestDefaultJobConfig(t *testing.T) {
	cfg := DefaultJobConfig()
	if cfg.App.Name != "submit-test" || cfg.App.Queue != "default" || cfg.App.Priority != 0 {
		t.Errorf("app defaults = %+v", cfg.App)
	}
	if cfg.Coordinator.MemoryMB != 1024 || cfg.Coordinator.VCores != 1 {
		t.Errorf("coordinator defaults = %+v", cfg.Coordinator)
	}
	if cfg.Task.MemoryMB != 1024 || cfg.Task.VCores != 1 || cfg.Task.Count != 1 {
		t.Errorf("task defaults = %+v", cfg.Task)
	}
	if cfg.App.CheckStatusInterval.Duration() != time.Second || cfg.App.CompletionPollInterval.Duration() != time.Second {
		t.Errorf("interval defaults = %v, %v", cfg.App.CheckStatusInterval.Duration(), cfg.App.CompletionPollInterval.Duration())
	}
	if cfg.Runnable.JavaHome != "/usr/bin/java" {
		t.Errorf("JavaHome = %q", cfg.Runnable.JavaHome)
	}
	if got := cfg.WorkDir(); got != "jobcoord/submit-test/" {
		t.Errorf("WorkDir = %q", got)
	}
}

func TestLoad_File(t *testing.T) {
	p := writeConfig(t, `
app:
  name: wordcount
  queue: batch
  priority: 5
  files: "data/a.csv, data/b.csv,,"
  check_status_interval: 250
  completion_poll_interval: 2s
task:
  count: 4
  memory_mb: 512
runnable:
  path: /opt/jobs/wordcount.jar
  arguments: --in a.csv
storage:
  work_dir: jobs/wc
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "wordcount" || cfg.App.Queue != "batch" || cfg.App.Priority != 5 {
		t.Errorf("app = %+v", cfg.App)
	}
	if len(cfg.App.Files) != 2 || cfg.App.Files[1] != "data/b.csv" {
		t.Errorf("Files = %v", cfg.App.Files)
	}
	if cfg.App.CheckStatusInterval.Duration() != 250*time.Millisecond {
		t.Errorf("CheckStatusInterval = %v", cfg.App.CheckStatusInterval.Duration())
	}
	if cfg.App.CompletionPollInterval.Duration() != 2*time.Second {
		t.Errorf("CompletionPollInterval = %v", cfg.App.CompletionPollInterval.Duration())
	}
	if cfg.Task.Count != 4 || cfg.Task.MemoryMB != 512 || cfg.Task.VCores != 1 {
		t.Errorf("task = %+v", cfg.Task)
	}
	if cfg.RunnableName() != "wordcount.jar" {
		t.Errorf("RunnableName = %q", cfg.RunnableName())
	}
	if cfg.WorkDir() != "jobs/wc/" {
		t.Errorf("WorkDir = %q", cfg.WorkDir())
	}
}

func TestLoad_FilesAsList(t *testing.T) {
	p := writeConfig(t, "app:\n  files:\n    - a.txt\n    - b.txt\nrunnable:\n  path: run.sh\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.App.Files) != 2 || cfg.App.Files[0] != "a.txt" {
		t.Errorf("Files = %v", cfg.App.Files)
	}
}

func TestLoad_ExpandAndOverride(t *testing.T) {
	t.Setenv("JOB_HOME", "/data/jobs")
	t.Setenv("JOBCOORD_APP_QUEUE", "urgent")
	t.Setenv("JOBCOORD_TASK_COUNT", "7")
	t.Setenv("JOBCOORD_APP_CHECK_STATUS_INTERVAL", "3s")

	p := writeConfig(t, "runnable:\n  path: ${JOB_HOME}/run.sh\n  arguments: echo $HOME\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runnable.Path != "/data/jobs/run.sh" {
		t.Errorf("Path = %q", cfg.Runnable.Path)
	}
	if cfg.Runnable.Arguments != "echo $HOME" {
		t.Errorf("Arguments = %q, bare $VAR must be kept", cfg.Runnable.Arguments)
	}
	if cfg.App.Queue != "urgent" || cfg.Task.Count != 7 {
		t.Errorf("env overrides not applied: queue=%q count=%d", cfg.App.Queue, cfg.Task.Count)
	}
	if cfg.App.CheckStatusInterval.Duration() != 3*time.Second {
		t.Errorf("CheckStatusInterval = %v", cfg.App.CheckStatusInterval.Duration())
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	p := writeConfig(t, "app:\n  check_status_interval: soon\n")
	if _, err := Load(p); err == nil {
		t.Error("expected error for bad duration")
	}
	t.Setenv("JOBCOORD_TASK_COUNT", "many")
	if _, err := Load(""); err == nil {
		t.Error("expected error for bad env integer")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultJobConfig()
	cfg.Runnable.Path = "run.sh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate default+runnable: %v", err)
	}

	bad := DefaultJobConfig()
	bad.Broker.URL = "localhost"
	bad.Storage.URL = "ftp://x"
	bad.Auth.Enabled = true
	bad.Task.VCores = 0
	bad.App.CompletionPollInterval = 0

	err := bad.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Validate error = %v, want ValidationErrors", err)
	}
	want := []string{"broker.url", "storage.url", "auth.principal", "auth.keytab", "app.completion_poll_interval", "task.vcores", "runnable.path"}
	got := map[string]bool{}
	for _, e := range verrs {
		got[e.Field] = true
	}
	for _, f := range want {
		if !got[f] {
			t.Errorf("missing validation error for %s in %v", f, err)
		}
	}
	if !strings.Contains(err.Error(), "configuration validation failed") {
		t.Errorf("Error() = %q", err.Error())
	}
}
