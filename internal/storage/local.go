package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/jobcoord/pkg/model"
)

// Local is a storage rooted at a directory, typically a shared mount.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) URL() string { return "file://" + filepath.ToSlash(l.root) }

func (l *Local) path(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *Local) Put(_ context.Context, key string, r io.Reader) (model.LocalFile, error) {
	p, err := l.path(key)
	if err != nil {
		return model.LocalFile{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return model.LocalFile{}, err
	}
	f, err := os.Create(p)
	if err != nil {
		return model.LocalFile{}, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return model.LocalFile{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return model.LocalFile{}, err
	}
	return l.stat(key, p)
}

func (l *Local) Stat(_ context.Context, key string) (model.LocalFile, error) {
	p, err := l.path(key)
	if err != nil {
		return model.LocalFile{}, err
	}
	return l.stat(key, p)
}

func (l *Local) stat(key, p string) (model.LocalFile, error) {
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return model.LocalFile{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.LocalFile{}, err
	}
	if fi.IsDir() {
		return model.LocalFile{}, fmt.Errorf("%s is a directory", key)
	}
	return model.LocalFile{
		Location:  "file://" + filepath.ToSlash(p),
		Size:      fi.Size(),
		Timestamp: fi.ModTime().UnixMilli(),
	}, nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return f, err
}

func (l *Local) RemoveAll(_ context.Context, prefix string) error {
	p, err := l.path(prefix)
	if err != nil {
		return err
	}
	if p == l.root {
		return fmt.Errorf("refusing to remove storage root")
	}
	return os.RemoveAll(p)
}

func (l *Local) Key(location string) (string, error) {
	p := strings.TrimPrefix(location, "file://")
	rel, err := filepath.Rel(l.root, filepath.FromSlash(p))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("location %s is outside storage %s", location, l.URL())
	}
	return filepath.ToSlash(rel), nil
}
