package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/edvin/dbvault/internal/protocol"
)

// Local keeps artifacts in a directory on the agent host. Backups are
// written there directly, so Local has no upload step.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("local storage: directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve local storage directory: %w", err)
	}
	return &Local{dir: abs}, nil
}

func (s *Local) Type() string { return protocol.StorageLocal }

// Dir is the absolute directory artifacts are kept in.
func (s *Local) Dir() string { return s.dir }

// Place records a finished file in the directory as an artifact.
func (s *Local) Place(path string) (Object, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Object{}, fmt.Errorf("resolve artifact path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Object{}, fmt.Errorf("stat artifact: %w", err)
	}
	return Object{Key: abs, URL: "file://" + filepath.ToSlash(abs), Size: info.Size()}, nil
}

// Download copies the artifact at key, an absolute path, to w.
func (s *Local) Download(_ context.Context, key string, w io.Writer) error {
	f, err := os.Open(key)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("open local backup %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("open local backup: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read local backup %s: %w", key, err)
	}
	return nil
}

func (s *Local) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(key)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat local backup %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes an artifact. Only files below the store directory can be
// deleted.
func (s *Local) Delete(_ context.Context, key string) error {
	abs, err := filepath.Abs(key)
	if err != nil {
		return fmt.Errorf("resolve local backup path: %w", err)
	}
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("local storage: %s is outside %s", key, s.dir)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete local backup %s: %w", key, err)
	}
	return nil
}
