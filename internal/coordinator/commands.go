package coordinator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/pkg/model"
)

// Extensions that mark the runnable as a staged list of commands.
var workListExtensions = []string{".txt", ".list", ".cmds"}

// Commands resolves the work list of the job:
//   - a .jar runnable runs Task.Count times through the configured java;
//   - a work list file (.txt, .list, .cmds) is read from the job's work
//     directory, one command per line;
//   - anything else is run Task.Count times as an executable.
func Commands(ctx context.Context, cfg *config.JobConfig, st storage.Storage) ([]string, error) {
	name := cfg.RunnableName()
	ext := strings.ToLower(path.Ext(name))

	switch {
	case ext == ".jar":
		return repeat(joinCommand(cfg.Runnable.JavaHome, "-jar", name, cfg.Runnable.Arguments), cfg.Task.Count), nil
	case isWorkList(ext):
		key := storage.Join(cfg.WorkDir(), name)
		lines, err := storage.ReadLines(ctx, st, key)
		if err != nil {
			return nil, fmt.Errorf("read work list %s: %w", key, err)
		}
		return lines, nil
	default:
		return repeat(joinCommand("./"+name, cfg.Runnable.Arguments), cfg.Task.Count), nil
	}
}

// StagedFiles describes the files every task localizes: the runnable and
// the auxiliary application files, all taken from the job's work directory.
func StagedFiles(ctx context.Context, cfg *config.JobConfig, st storage.Storage) (map[string]model.LocalFile, error) {
	names := append([]string{cfg.Runnable.Path}, cfg.App.Files...)
	files := make(map[string]model.LocalFile, len(names))
	for _, n := range names {
		base := path.Base(n)
		lf, err := st.Stat(ctx, storage.Join(cfg.WorkDir(), base))
		if err != nil {
			return nil, fmt.Errorf("staged file %s: %w", base, err)
		}
		files[base] = lf
	}
	return files, nil
}

func isWorkList(ext string) bool {
	for _, e := range workListExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func joinCommand(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func repeat(cmd string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = cmd
	}
	return out
}
