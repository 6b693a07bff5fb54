package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/dbvault/internal/codec"
	"github.com/edvin/dbvault/internal/connector"
	"github.com/edvin/dbvault/internal/storage"
)

const discardTimeout = time.Minute

// BackupRequest is one backup of a database connection.
type BackupRequest struct {
	JobID string
	// Name is the connection name. It prefixes file names and is the
	// storage folder.
	Name         string
	Compress     bool
	Encrypt      bool
	PasswordHash string
}

// Backup dumps conn into store. The dump is streamed straight into the
// store when the connector can stream, the store is a network store and
// compression is on; otherwise it is staged on disk.
func (r *Runner) Backup(ctx context.Context, req BackupRequest, conn connector.Connector, store storage.Store, progress ProgressFunc) (Artifact, error) {
	if req.Encrypt && req.PasswordHash == "" {
		return Artifact{}, errors.New("encryption requested without a password hash")
	}
	logger := r.logger.With().Str("job_id", req.JobID).Str("database", req.Name).Str("storage", store.Type()).Logger()

	start := r.now()
	if r.journal != nil {
		if err := r.journal.Add(req.JobID, req.Name, start); err != nil {
			logger.Error().Err(err).Msg("failed to record job in journal")
		}
		defer func() {
			// A cancelled context means the agent is shutting down. The
			// entry stays so the next start reports the job as interrupted.
			if ctx.Err() != nil {
				return
			}
			if err := r.journal.Remove(req.JobID); err != nil {
				logger.Error().Err(err).Msg("failed to remove job from journal")
			}
		}()
	}

	t := NewTracker(progress)
	defer t.Close()

	var (
		art Artifact
		err error
	)
	streamer, canStream := conn.(connector.Streamer)
	target, isUploader := store.(streamTarget)
	if r.streaming && canStream && isUploader && storage.IsNetwork(store.Type()) && req.Compress {
		art, err = r.stream(ctx, req, conn, streamer, target, t, logger)
	} else {
		art, err = r.staged(ctx, req, conn, store, t, logger)
	}
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("backup failed")
		return Artifact{}, err
	}

	logger.Info().
		Str("file", art.FileName).
		Str("size", humanize.IBytes(uint64(art.Size))).
		Bool("streamed", art.Streamed).
		Dur("elapsed", time.Since(start)).
		Msg("backup completed")
	return art, nil
}

// streamTarget is a network store a backup can be streamed into.
type streamTarget interface {
	storage.Store
	storage.Uploader
}

// discard deletes an incomplete artifact. It does not use the job context,
// which may already be cancelled.
func (r *Runner) discard(store storage.Store, key string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	if err := store.Delete(ctx, key); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("failed to delete incomplete backup")
		return
	}
	logger.Info().Str("key", key).Msg("deleted incomplete backup")
}

// stream runs dump → gzip → encrypt → upload as errgroup stages joined by
// unbuffered pipes. The first failing stage cancels the group, which kills
// the dump process, and closes every pipe with its error.
func (r *Runner) stream(ctx context.Context, req BackupRequest, conn connector.Connector, s connector.Streamer, up streamTarget, t *Tracker, logger zerolog.Logger) (Artifact, error) {
	file := FileName(req.Name, conn.Extension(), r.now(), true, req.Encrypt)
	t.Step(10, "Starting streaming backup")

	g, gctx := errgroup.WithContext(ctx)
	dumpR, dumpW := io.Pipe()
	outR, outW := io.Pipe()

	g.Go(func() error {
		err := s.DumpTo(gctx, dumpW)
		dumpW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := encode(outW, dumpR, req.Encrypt, req.PasswordHash)
		dumpR.CloseWithError(err)
		outW.CloseWithError(err)
		return err
	})

	t.Step(20, "Database stream created, compressing and uploading")
	hash := sha256.New()
	var obj storage.Object
	g.Go(func() error {
		body := &meter{r: io.TeeReader(outR, hash), fn: func(n int64) {
			t.Bytes(scale(n, 20, 95, 0.65), "Streaming upload: "+humanize.IBytes(uint64(n)))
		}}
		var err error
		obj, err = up.Upload(gctx, req.Name, file, body)
		if err != nil {
			outR.CloseWithError(err)
			return err
		}
		outR.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		// The upload can finish before another stage reports its failure;
		// the stored object is then incomplete.
		if obj.Key != "" {
			r.discard(up, obj.Key, logger)
		}
		return Artifact{}, err
	}
	t.Step(98, "Upload complete")

	return Artifact{
		FileName:   file,
		Key:        obj.Key,
		URL:        obj.URL,
		Size:       obj.Size,
		Checksum:   hex.EncodeToString(hash.Sum(nil)),
		Encrypted:  req.Encrypt,
		Compressed: true,
		Streamed:   true,
	}, nil
}

// encode writes the gzip, then optionally encrypted, form of src to dst.
func encode(dst io.Writer, src io.Reader, encrypt bool, passwordHash string) error {
	if !encrypt {
		return compress(dst, src)
	}
	enc, err := codec.NewEncryptWriter(dst, passwordHash)
	if err != nil {
		return err
	}
	if err := compress(enc, src); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish encryption: %w", err)
	}
	return nil
}

// staged dumps to a file and compresses, encrypts and uploads it step by
// step. Network stores stage in <workDir>/job_<id>; local stores stage in
// their own directory and keep the final file.
func (r *Runner) staged(ctx context.Context, req BackupRequest, conn connector.Connector, store storage.Store, t *Tracker, logger zerolog.Logger) (art Artifact, err error) {
	local, isLocal := store.(*storage.Local)
	uploader, isUploader := store.(storage.Uploader)
	if !isLocal && !isUploader {
		return Artifact{}, fmt.Errorf("%w: %s cannot receive backups", storage.ErrUnsupported, store.Type())
	}

	dir := filepath.Join(r.workDir, "job_"+req.JobID)
	if isLocal {
		dir = local.Dir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Artifact{}, fmt.Errorf("create backup directory: %w", err)
	}

	var produced []string
	var final string
	defer func() {
		switch {
		case err != nil:
			r.removeFiles(logger, produced...)
		case isLocal:
			r.removeFiles(logger, produced[:len(produced)-1]...)
		default:
			r.removeFiles(logger, produced...)
		}
		if !isLocal {
			if rerr := os.Remove(dir); rerr != nil && !os.IsNotExist(rerr) {
				logger.Warn().Err(rerr).Str("path", dir).Msg("failed to remove job directory")
			}
		}
	}()

	now := r.now()
	final = filepath.Join(dir, FileName(req.Name, conn.Extension(), now, false, false))

	t.Step(10, "Creating database dump")
	produced = append(produced, final)
	if err := conn.Dump(ctx, final); err != nil {
		return Artifact{}, fmt.Errorf("dump database: %w", err)
	}
	t.Step(50, "Database dump created")

	if req.Compress {
		t.Step(60, "Compressing backup")
		gz := final + ".gz"
		produced = append(produced, gz)
		if err := compressFile(final, gz); err != nil {
			return Artifact{}, err
		}
		final = gz
		t.Step(70, "Compression complete")
	}

	if req.Encrypt {
		t.Step(75, "Encrypting backup")
		enc := final + ".enc"
		produced = append(produced, enc)
		if err := codec.EncryptFile(final, enc, req.PasswordHash); err != nil {
			return Artifact{}, fmt.Errorf("encrypt backup: %w", err)
		}
		final = enc
		t.Step(80, "Encryption complete")
	}

	sum, err := fileChecksum(final)
	if err != nil {
		return Artifact{}, err
	}

	var obj storage.Object
	if isLocal {
		t.Step(90, "Saving to local storage")
		obj, err = local.Place(final)
		if err != nil {
			return Artifact{}, err
		}
	} else {
		obj, err = r.upload(ctx, req.Name, final, uploader, t)
		if err != nil {
			return Artifact{}, err
		}
		t.Step(95, "Upload complete")
	}
	t.Step(98, "Cleaning up")

	return Artifact{
		FileName:   filepath.Base(final),
		Key:        obj.Key,
		URL:        obj.URL,
		Size:       obj.Size,
		Checksum:   sum,
		Encrypted:  req.Encrypt,
		Compressed: req.Compress,
	}, nil
}

func (r *Runner) upload(ctx context.Context, folder, path string, up storage.Uploader, t *Tracker) (storage.Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Object{}, fmt.Errorf("open backup for upload: %w", err)
	}
	defer f.Close()

	var total int64
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}
	t.Step(80, "Uploading backup")
	body := &meter{r: f, fn: func(n int64) {
		if total > 0 {
			t.Bytes(80+int(n*15/total), fmt.Sprintf("Uploading backup (%d%%)", n*100/total))
		}
	}}
	return up.Upload(ctx, folder, filepath.Base(path), body)
}
