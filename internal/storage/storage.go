// Package storage moves backup artifacts between the agent and their
// destination: S3 compatible object stores, Google Drive, or a local
// directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/protocol"
)

var (
	ErrUnsupported = errors.New("unsupported storage type")
	// ErrNotFound is returned by Download when the artifact does not exist.
	ErrNotFound = errors.New("backup artifact not found")
)

// Object is an artifact as recorded by its store.
type Object struct {
	// Key addresses the artifact for later downloads: the S3 object key, the
	// Drive file id, or an absolute local path.
	Key  string
	URL  string
	Size int64
}

// Store reads artifacts back for restore and verification and manages
// their lifetime.
type Store interface {
	Type() string
	Download(ctx context.Context, key string, w io.Writer) error
	// Exists reports whether the artifact at key is still stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the artifact at key. Deleting a missing artifact is
	// not an error.
	Delete(ctx context.Context, key string) error
}

// Uploader is implemented by network stores. folder groups artifacts of
// one database where the store supports it.
type Uploader interface {
	Upload(ctx context.Context, folder, file string, r io.Reader) (Object, error)
}

// GoogleCredentials is the OAuth client used for Drive access.
type GoogleCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Options carries agent-side defaults.
type Options struct {
	// LocalDir is used when a local target names no directory.
	LocalDir string
	// Google is used when the control plane passed no OAuth client.
	Google GoogleCredentials
	Logger zerolog.Logger
}

// Open returns the store for a storage descriptor.
func Open(ctx context.Context, storageType string, d protocol.Storage, opts Options) (Store, error) {
	switch storageType {
	case protocol.StorageS3:
		return NewS3(d, opts.Logger)
	case protocol.StorageGoogleDrive:
		return NewDrive(ctx, d, opts.Google, opts.Logger)
	case protocol.StorageLocal:
		dir := d.LocalPath
		if dir == "" {
			dir = d.Path
		}
		if dir == "" {
			dir = opts.LocalDir
		}
		return NewLocal(dir)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, storageType)
}

// IsNetwork reports whether artifacts of storageType leave the host.
func IsNetwork(storageType string) bool {
	return storageType == protocol.StorageS3 || storageType == protocol.StorageGoogleDrive
}

// Fetch downloads key from s into the file at path and returns its size.
// A partial file is removed on failure.
func Fetch(ctx context.Context, s Store, key, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}
	w := &countingWriter{w: f}
	err = s.Download(ctx, key, w)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close download file: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return w.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
