// Package storage is the shared storage the client stages job files into and
// node agents localize them from. A storage is rooted at a URL: either a
// local (or network mounted) directory, file:///path, or an S3 prefix,
// s3://bucket/prefix.
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/jobcoord/pkg/model"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Storage is a flat key space of files under one root. Keys use forward
// slashes and never start with one.
type Storage interface {
	// Put writes r under key and returns its localization record.
	Put(ctx context.Context, key string, r io.Reader) (model.LocalFile, error)
	// Stat describes the file under key.
	Stat(ctx context.Context, key string) (model.LocalFile, error)
	// Open returns a reader for the file under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// RemoveAll deletes every file under prefix. A missing prefix is not an error.
	RemoveAll(ctx context.Context, prefix string) error
	// Key maps a location produced by this storage back to its key.
	Key(location string) (string, error)
	// URL returns the root URL of the storage.
	URL() string
}

// New opens the storage rooted at rawURL.
func New(ctx context.Context, rawURL string) (Storage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse storage url: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		return NewLocal(u.Path)
	case "s3":
		return NewS3(ctx, u.Host, strings.Trim(u.Path, "/"))
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// PutFile uploads a local file under key.
func PutFile(ctx context.Context, st Storage, key, localPath string) (model.LocalFile, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return model.LocalFile{}, err
	}
	defer f.Close()
	return st.Put(ctx, key, f)
}

// Fetch localizes a staged file to dest after checking it has not changed
// since it was staged. A zero Timestamp skips the timestamp check.
func Fetch(ctx context.Context, st Storage, want model.LocalFile, dest string) error {
	key, err := st.Key(want.Location)
	if err != nil {
		return err
	}
	got, err := st.Stat(ctx, key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", want.Location, err)
	}
	if got.Size != want.Size {
		return fmt.Errorf("resource %s changed on storage: size %d, expected %d", want.Location, got.Size, want.Size)
	}
	if want.Timestamp != 0 && got.Timestamp != want.Timestamp {
		return fmt.Errorf("resource %s changed on storage: timestamp %d, expected %d", want.Location, got.Timestamp, want.Timestamp)
	}

	r, err := st.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", want.Location, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", want.Location, err)
	}
	return out.Close()
}

// ReadLines returns the trimmed, non-empty lines of the file under key.
// Lines starting with '#' are skipped.
func ReadLines(ctx context.Context, st Storage, key string) ([]string, error) {
	r, err := st.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return lines, nil
}

// Join joins key elements with forward slashes, dropping a leading slash.
func Join(elem ...string) string {
	var parts []string
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid storage key %q", key)
		}
	}
	return key, nil
}
