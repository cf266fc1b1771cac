package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/storage"
)

func stagedJob(t *testing.T, runnable string, files ...string) (*config.JobConfig, storage.Storage) {
	t.Helper()
	st, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	cfg := config.DefaultJobConfig()
	cfg.App.Name = "unit"
	cfg.Runnable.Path = runnable
	cfg.App.Files = files
	return cfg, st
}

func put(t *testing.T, st storage.Storage, key, body string) {
	t.Helper()
	if _, err := st.Put(context.Background(), key, strings.NewReader(body)); err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name     string
		runnable string
		args     string
		count    int
		want     []string
	}{
		{"jar", "/opt/app/job.jar", "--fast", 2, []string{"/usr/bin/java -jar job.jar --fast", "/usr/bin/java -jar job.jar --fast"}},
		{"jar without args", "job.JAR", "", 1, []string{"/usr/bin/java -jar job.JAR"}},
		{"executable", "bin/run.sh", "a b", 3, []string{"./run.sh a b", "./run.sh a b", "./run.sh a b"}},
		{"zero count", "bin/run.sh", "", 0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, st := stagedJob(t, tt.runnable)
			cfg.Runnable.Arguments = tt.args
			cfg.Task.Count = tt.count

			got, err := Commands(context.Background(), cfg, st)
			if err != nil {
				t.Fatalf("Commands: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Commands = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommands_WorkList(t *testing.T) {
	cfg, st := stagedJob(t, "/home/me/steps.txt")
	put(t, st, "jobcoord/unit/steps.txt", "echo one\n\n  echo two  \n# skipped\n")

	got, err := Commands(context.Background(), cfg, st)
	if err != nil {
		t.Fatalf("Commands: %v", err)
	}
	if len(got) != 2 || got[0] != "echo one" || got[1] != "echo two" {
		t.Errorf("Commands = %q", got)
	}
}

func TestCommands_MissingWorkList(t *testing.T) {
	cfg, st := stagedJob(t, "steps.cmds")
	if _, err := Commands(context.Background(), cfg, st); err == nil {
		t.Error("expected error for a work list that was never staged")
	}
}

func TestStagedFiles(t *testing.T) {
	cfg, st := stagedJob(t, "/local/job.jar", "/local/data/in.csv")
	put(t, st, "jobcoord/unit/job.jar", "jar")
	put(t, st, "jobcoord/unit/in.csv", "a,b\n")

	files, err := StagedFiles(context.Background(), cfg, st)
	if err != nil {
		t.Fatalf("StagedFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if files["in.csv"].Size != 4 || files["job.jar"].Location == "" {
		t.Errorf("files = %+v", files)
	}

	cfg.App.Files = append(cfg.App.Files, "missing.bin")
	if _, err := StagedFiles(context.Background(), cfg, st); err == nil {
		t.Error("expected error for unstaged file")
	}
}
