package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/me/jobcoord/internal/config"
	"github.com/me/jobcoord/internal/credentials"
	"github.com/me/jobcoord/internal/storage"
	"github.com/me/jobcoord/pkg/model"
)

// coordinatorBinary is the name of the coordinator executable in its slot.
const coordinatorBinary = "coordinator"

// Stage logs in when auth is enabled, recreates the job's work directory in
// shared storage and uploads everything the coordinator needs. It returns the
// submission for the broker.
func Stage(ctx context.Context, cfg *config.JobConfig, configPath string, st storage.Storage, logger *slog.Logger) (model.SubmitRequest, error) {
	var authBlob []byte
	if cfg.Auth.Enabled {
		tok, err := credentials.Login(cfg.Auth.Principal, cfg.Auth.Keytab, credentials.DefaultTTL)
		if err != nil {
			return model.SubmitRequest{}, err
		}
		if authBlob, err = tok.Encode(); err != nil {
			return model.SubmitRequest{}, fmt.Errorf("encode credentials: %w", err)
		}
		logger.Info("logged in", "principal", tok.Principal, "expires", humanize.Time(tok.ExpiresAt))
	}

	workDir := cfg.WorkDir()
	if err := st.RemoveAll(ctx, workDir); err != nil {
		return model.SubmitRequest{}, fmt.Errorf("clean work dir %s: %w", workDir, err)
	}

	uploads := []struct{ name, local string }{
		{filepath.Base(cfg.Runnable.Path), cfg.Runnable.Path},
		{filepath.Base(configPath), configPath},
		{coordinatorBinary, coordinatorPath(cfg)},
	}
	if cfg.Auth.Enabled {
		uploads = append(uploads, struct{ name, local string }{filepath.Base(cfg.Auth.Keytab), cfg.Auth.Keytab})
	}
	for _, f := range cfg.App.Files {
		uploads = append(uploads, struct{ name, local string }{filepath.Base(f), f})
	}

	files := make(map[string]model.LocalFile, len(uploads))
	var total int64
	for _, u := range uploads {
		key := storage.Join(workDir, u.name)
		lf, err := storage.PutFile(ctx, st, key, u.local)
		if err != nil {
			return model.SubmitRequest{}, fmt.Errorf("upload %s: %w", u.local, err)
		}
		logger.Debug("uploaded", "file", u.local, "location", lf.Location, "size", humanize.Bytes(uint64(lf.Size)))
		files[u.name] = lf
		total += lf.Size
	}
	logger.Info("job staged", "work_dir", st.URL()+"/"+workDir, "files", len(files), "size", humanize.Bytes(uint64(total)))

	return model.SubmitRequest{
		Name:     cfg.App.Name,
		Queue:    cfg.App.Queue,
		User:     cfg.App.User,
		Priority: cfg.App.Priority,
		Coordinator: model.CoordinatorSpec{
			Resource: model.Resource{MemoryMB: cfg.Coordinator.MemoryMB, VCores: cfg.Coordinator.VCores},
			Launch: model.LaunchSpec{
				Files:    files,
				Command:  fmt.Sprintf("./%s --config %s", coordinatorBinary, filepath.Base(configPath)),
				AuthBlob: authBlob,
			},
		},
	}, nil
}

// coordinatorPath returns the configured coordinator binary, or the
// "coordinator" executable next to the running client.
func coordinatorPath(cfg *config.JobConfig) string {
	if cfg.Coordinator.Binary != "" {
		return cfg.Coordinator.Binary
	}
	exe, err := os.Executable()
	if err != nil {
		return coordinatorBinary
	}
	return filepath.Join(filepath.Dir(exe), coordinatorBinary)
}
