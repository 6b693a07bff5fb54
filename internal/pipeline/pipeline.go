// Package pipeline runs backups and restores on the agent. A backup moves a
// database dump through compression and encryption into a store; a restore
// runs the same stages in reverse.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"
)

// ChecksumAlgorithm is the digest recorded for every artifact.
const ChecksumAlgorithm = "sha256"

// Journal records in-flight backups so that an interrupted one can be
// reported after a restart.
type Journal interface {
	Add(jobID, databaseName string, start time.Time) error
	Remove(jobID string) error
}

// Artifact describes a stored backup.
type Artifact struct {
	FileName   string
	Key        string
	URL        string
	Size       int64
	Checksum   string
	Encrypted  bool
	Compressed bool
	// Streamed is set when the artifact never touched the local disk.
	Streamed bool
}

// Runner executes backup and restore jobs. WorkDir is the agent's
// BACKUP_STORAGE_PATH; job directories and restore temp files live below it.
type Runner struct {
	workDir   string
	journal   Journal
	streaming bool
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner. journal may be nil.
func NewRunner(workDir string, journal Journal, logger zerolog.Logger) *Runner {
	return &Runner{
		workDir:   workDir,
		journal:   journal,
		streaming: true,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
}

// DisableStreaming makes every backup take the disk-buffered path.
func (r *Runner) DisableStreaming() { r.streaming = false }

// WorkDir returns the agent's backup storage directory.
func (r *Runner) WorkDir() string { return r.workDir }

// FileName builds the artifact name of a backup of name taken at t:
// <name>_<UTC ISO-8601 with '-' for ':'><ext>[.gz][.enc].
func FileName(name, ext string, t time.Time, compressed, encrypted bool) string {
	ts := strings.ReplaceAll(t.UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	file := safeName(name) + "_" + ts + ext
	if compressed {
		file += ".gz"
	}
	if encrypted {
		file += ".enc"
	}
	return file
}

func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}

// compress writes the gzip form of src to dst.
func compress(dst io.Writer, src io.Reader) error {
	zw := pgzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return fmt.Errorf("compress dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}
	return nil
}

func compressFile(src, dst string) error {
	return transformFile(src, dst, compress)
}

func decompressFile(src, dst string) error {
	return transformFile(src, dst, func(w io.Writer, r io.Reader) error {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		if _, err := io.Copy(w, zr); err != nil {
			return fmt.Errorf("decompress backup: %w", err)
		}
		return nil
	})
}

// transformFile writes fn(src) to dst and removes dst on failure.
func transformFile(src, dst string, fn func(io.Writer, io.Reader) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	err = fn(out, in)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", filepath.Base(dst), cerr)
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// removeFiles deletes paths, logging every failure.
func (r *Runner) removeFiles(logger zerolog.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", p).Msg("failed to remove temp file")
		}
	}
}
