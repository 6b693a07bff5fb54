package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edvin/dbvault/internal/codec"
	"github.com/edvin/dbvault/internal/connector"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/storage"
)

// RestoreRequest restores one stored backup.
type RestoreRequest struct {
	HistoryID    string
	Backup       protocol.Backup
	Encrypted    bool
	PasswordHash string
}

// Restore downloads the artifact, decrypts and decompresses it as needed
// and feeds the result to conn. Every temp file is removed on return; a
// local artifact itself is never touched.
func (r *Runner) Restore(ctx context.Context, req RestoreRequest, conn connector.Connector, store storage.Store, progress ProgressFunc) error {
	logger := r.logger.With().Str("history_id", req.HistoryID).Str("file", req.Backup.FileName).Logger()
	start := r.now()

	t := NewTracker(progress)
	defer t.Close()

	tmpDir := filepath.Join(r.workDir, "temp", "restore")
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		return fmt.Errorf("create restore directory: %w", err)
	}

	var temps []string
	defer func() { r.removeFiles(logger, temps...) }()

	key := req.Backup.Key()
	if key == "" {
		return errors.New("backup has no storage key")
	}
	name := filepath.Base(req.Backup.FileName)

	var src string
	if _, isLocal := store.(*storage.Local); isLocal {
		t.Step(40, "Using local backup file")
		src = key
	} else {
		t.Step(10, "Downloading from "+storeLabel(store.Type()))
		src = filepath.Join(tmpDir, name)
		temps = append(temps, src)
		if _, err := storage.Fetch(ctx, store, key, src); err != nil {
			return fmt.Errorf("download backup: %w", err)
		}
		t.Step(40, "Download complete")
	}

	if req.Encrypted || strings.HasSuffix(name, ".enc") {
		if req.PasswordHash == "" {
			return errors.New("backup is encrypted but no password hash was provided")
		}
		t.Step(45, "Decrypting backup")
		name = strings.TrimSuffix(name, ".enc")
		dst := filepath.Join(tmpDir, name)
		if dst == src {
			dst = filepath.Join(tmpDir, "decrypted_"+name)
		}
		temps = append(temps, dst)
		if err := codec.DecryptFile(src, dst, req.PasswordHash); err != nil {
			return fmt.Errorf("decrypt backup: %w", err)
		}
		src = dst
		t.Step(55, "Decryption complete")
	}

	if strings.HasSuffix(name, ".gz") {
		t.Step(60, "Decompressing backup")
		name = strings.TrimSuffix(name, ".gz")
		dst := filepath.Join(tmpDir, name)
		temps = append(temps, dst)
		if err := decompressFile(src, dst); err != nil {
			return err
		}
		src = dst
		t.Step(70, "Decompression complete")
	}

	t.Step(75, "Restoring to database")
	if err := conn.Restore(ctx, src); err != nil {
		return fmt.Errorf("restore database: %w", err)
	}
	t.Step(95, "Restore complete")
	t.Step(98, "Cleaning up")

	logger.Info().Dur("elapsed", time.Since(start)).Msg("restore completed")
	return nil
}

func storeLabel(storageType string) string {
	switch storageType {
	case protocol.StorageS3:
		return "S3"
	case protocol.StorageGoogleDrive:
		return "Google Drive"
	}
	return storageType
}
