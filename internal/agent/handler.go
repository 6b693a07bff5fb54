package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/connector"
	"github.com/edvin/dbvault/internal/pipeline"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/storage"
	"github.com/edvin/dbvault/internal/verify"
)

// testTimeout bounds a connection test so the result arrives before the
// control plane stops waiting.
const testTimeout = 25 * time.Second

// Events is how the handler reports job outcomes.
type Events interface {
	Direct(ctx context.Context, eventType string, payload any)
	Terminal(ctx context.Context, eventType string, payload any)
}

// Handler executes control plane commands. Every command runs in its own
// goroutine; Wait blocks until all of them returned.
type Handler struct {
	connectors connector.Factory
	storage    storage.Options
	runner     *pipeline.Runner
	verifier   *verify.Engine
	events     Events
	logger     zerolog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

func NewHandler(connectors connector.Factory, storageOpts storage.Options, runner *pipeline.Runner, verifier *verify.Engine, events Events, logger zerolog.Logger) *Handler {
	return &Handler{
		connectors: connectors,
		storage:    storageOpts,
		runner:     runner,
		verifier:   verifier,
		events:     events,
		logger:     logger.With().Str("component", "handler").Logger(),
		now:        time.Now,
	}
}

// Handle dispatches one frame from the control plane. A command that fails
// validation is answered with its failure event so the control plane can
// close the history row it opened for it.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.JobExecute:
		var cmd protocol.JobExecuteData
		if h.decode(ctx, env, &cmd) {
			h.spawn(func() { h.backup(ctx, cmd) })
		}
	case protocol.RestoreExecute:
		var cmd protocol.RestoreExecuteData
		if h.decode(ctx, env, &cmd) {
			h.spawn(func() { h.restore(ctx, cmd) })
		}
	case protocol.VerificationExecute:
		var cmd protocol.VerificationExecuteData
		if h.decode(ctx, env, &cmd) {
			h.spawn(func() { h.verify(ctx, cmd) })
		}
	case protocol.DatabaseTest:
		var cmd protocol.DatabaseTestData
		if h.decode(ctx, env, &cmd) {
			h.spawn(func() { h.testDatabase(ctx, cmd) })
		}
	case protocol.HeartbeatAck:
	default:
		h.logger.Warn().Str("event", env.Type).Msg("ignoring unknown command")
	}
}

// Wait blocks until every running command returned.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) spawn(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *Handler) decode(ctx context.Context, env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		h.reject(ctx, env, err)
		return false
	}
	return true
}

// commandIDs are the correlation fields every command carries, read without
// validation.
type commandIDs struct {
	ID        string `json:"id"`
	HistoryID string `json:"historyId"`
	RequestID string `json:"requestId"`
}

// reject reports a command that could not be run. Without a correlation id
// there is nothing the control plane could match, so it is only logged.
func (h *Handler) reject(ctx context.Context, env protocol.Envelope, err error) {
	var ids commandIDs
	_ = json.Unmarshal(env.Data, &ids)
	h.logger.Error().Err(err).Str("event", env.Type).Str("job_id", ids.ID).Str("history_id", ids.HistoryID).Msg("rejected command")

	failed := protocol.FailedData{HistoryID: ids.HistoryID, Error: err.Error(), Timestamp: h.now().UTC()}
	switch env.Type {
	case protocol.JobExecute:
		if ids.ID == "" {
			return
		}
		jobsTotal.WithLabelValues(kindBackup, "rejected").Inc()
		failed.JobID = ids.ID
		h.events.Terminal(ctx, protocol.BackupFailed, failed)
	case protocol.RestoreExecute:
		if ids.HistoryID == "" {
			return
		}
		jobsTotal.WithLabelValues(kindRestore, "rejected").Inc()
		h.events.Terminal(ctx, protocol.RestoreFailed, failed)
	case protocol.VerificationExecute:
		if ids.HistoryID == "" {
			return
		}
		jobsTotal.WithLabelValues(kindVerification, "rejected").Inc()
		h.events.Terminal(ctx, protocol.VerificationFailed, failed)
	case protocol.DatabaseTest:
		if ids.RequestID == "" {
			return
		}
		jobsTotal.WithLabelValues(kindTest, "rejected").Inc()
		h.events.Direct(ctx, protocol.DatabaseTestResult, protocol.DatabaseTestResultData{
			RequestID: ids.RequestID,
			Message:   err.Error(),
		})
	}
}

func (h *Handler) backup(ctx context.Context, cmd protocol.JobExecuteData) {
	logger := h.logger.With().Str("job_id", cmd.ID).Str("history_id", cmd.HistoryID).Str("database", cmd.Database.Name).Logger()
	start := h.now()

	h.events.Direct(ctx, protocol.BackupStarted, protocol.StartedData{
		JobID:        cmd.ID,
		HistoryID:    cmd.HistoryID,
		DatabaseName: cmd.Database.Name,
		DatabaseType: cmd.Database.Type,
		StorageType:  cmd.StorageType,
		Timestamp:    start.UTC(),
	})

	art, err := h.runBackup(ctx, cmd, func(p pipeline.Progress) {
		h.events.Direct(ctx, protocol.BackupProgress, protocol.ProgressData{
			JobID: cmd.ID, HistoryID: cmd.HistoryID, Progress: p.Percent, CurrentStep: p.Step,
		})
	})
	elapsed := h.now().Sub(start)
	jobDuration.WithLabelValues(kindBackup).Observe(elapsed.Seconds())

	if err != nil {
		jobsTotal.WithLabelValues(kindBackup, outcome(ctx)).Inc()
		if ctx.Err() != nil {
			// The journal entry reports this job on the next start.
			logger.Warn().Err(err).Msg("backup aborted by shutdown")
			return
		}
		logger.Error().Err(err).Msg("backup failed")
		h.events.Terminal(ctx, protocol.BackupFailed, protocol.FailedData{
			JobID:     cmd.ID,
			HistoryID: cmd.HistoryID,
			Error:     err.Error(),
			Duration:  elapsed.Milliseconds(),
			Timestamp: h.now().UTC(),
		})
		return
	}

	jobsTotal.WithLabelValues(kindBackup, "success").Inc()
	bytesUploaded.Add(float64(art.Size))
	h.events.Terminal(ctx, protocol.BackupCompleted, protocol.BackupCompletedData{
		JobID:             cmd.ID,
		HistoryID:         cmd.HistoryID,
		Success:           true,
		FileName:          art.FileName,
		FilePath:          art.Key,
		FileSize:          art.Size,
		FileSizeMB:        fmt.Sprintf("%.2f", float64(art.Size)/(1024*1024)),
		StorageType:       cmd.StorageType,
		StorageKey:        art.Key,
		StorageURL:        art.URL,
		IsEncrypted:       art.Encrypted,
		ChecksumAlgorithm: pipeline.ChecksumAlgorithm,
		ChecksumValue:     art.Checksum,
		Duration:          elapsed.Milliseconds(),
		Timestamp:         h.now().UTC(),
	})
}

func (h *Handler) runBackup(ctx context.Context, cmd protocol.JobExecuteData, progress pipeline.ProgressFunc) (pipeline.Artifact, error) {
	conn, err := h.connectors(connectorConfig(cmd.Database))
	if err != nil {
		return pipeline.Artifact{}, err
	}
	store, err := storage.Open(ctx, cmd.StorageType, cmd.Storage, h.storage)
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("open storage: %w", err)
	}
	return h.runner.Backup(ctx, pipeline.BackupRequest{
		JobID:        cmd.ID,
		Name:         cmd.Database.Name,
		Compress:     cmd.Compression,
		Encrypt:      cmd.IsEncrypted,
		PasswordHash: cmd.EncryptionPasswordHash,
	}, conn, store, progress)
}

func (h *Handler) restore(ctx context.Context, cmd protocol.RestoreExecuteData) {
	logger := h.logger.With().Str("history_id", cmd.HistoryID).Str("database", cmd.Database.Name).Logger()
	start := h.now()

	h.events.Direct(ctx, protocol.RestoreStarted, protocol.StartedData{
		HistoryID:      cmd.HistoryID,
		DatabaseName:   cmd.Database.Name,
		DatabaseType:   cmd.Database.Type,
		StorageType:    cmd.StorageType,
		BackupFileName: cmd.Backup.FileName,
		Timestamp:      start.UTC(),
	})

	err := h.runRestore(ctx, cmd, func(p pipeline.Progress) {
		h.events.Direct(ctx, protocol.RestoreProgress, protocol.ProgressData{
			HistoryID: cmd.HistoryID, Progress: p.Percent, CurrentStep: p.Step,
		})
	})
	elapsed := h.now().Sub(start)
	jobDuration.WithLabelValues(kindRestore).Observe(elapsed.Seconds())

	if err != nil {
		jobsTotal.WithLabelValues(kindRestore, outcome(ctx)).Inc()
		logger.Error().Err(err).Msg("restore failed")
		h.events.Terminal(ctx, protocol.RestoreFailed, protocol.FailedData{
			HistoryID: cmd.HistoryID,
			Error:     err.Error(),
			Duration:  elapsed.Milliseconds(),
			Timestamp: h.now().UTC(),
		})
		return
	}

	jobsTotal.WithLabelValues(kindRestore, "success").Inc()
	h.events.Terminal(ctx, protocol.RestoreCompleted, protocol.RestoreCompletedData{
		HistoryID:    cmd.HistoryID,
		Success:      true,
		DatabaseName: cmd.Database.Name,
		Duration:     elapsed.Milliseconds(),
		Timestamp:    h.now().UTC(),
	})
}

func (h *Handler) runRestore(ctx context.Context, cmd protocol.RestoreExecuteData, progress pipeline.ProgressFunc) error {
	conn, err := h.connectors(connectorConfig(cmd.Database))
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, cmd.StorageType, cmd.Storage, h.storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	return h.runner.Restore(ctx, pipeline.RestoreRequest{
		HistoryID:    cmd.HistoryID,
		Backup:       cmd.Backup,
		Encrypted:    cmd.IsEncrypted || cmd.Backup.IsEncrypted,
		PasswordHash: cmd.EncryptionPasswordHash,
	}, conn, store, progress)
}

func (h *Handler) verify(ctx context.Context, cmd protocol.VerificationExecuteData) {
	logger := h.logger.With().Str("history_id", cmd.HistoryID).Str("level", cmd.VerificationLevel).Logger()
	start := h.now()

	h.events.Direct(ctx, protocol.VerificationStarted, protocol.StartedData{
		HistoryID:         cmd.HistoryID,
		DatabaseName:      cmd.Database.Name,
		DatabaseType:      cmd.Database.Type,
		StorageType:       cmd.StorageType,
		BackupFileName:    cmd.Backup.FileName,
		VerificationLevel: cmd.VerificationLevel,
		Timestamp:         start.UTC(),
	})

	// Without a connector the database checks are skipped, the file checks
	// still run.
	conn, err := h.connectors(connectorConfig(cmd.Database))
	if err != nil {
		logger.Warn().Err(err).Msg("no connector for verification, database checks skipped")
		conn = nil
	}

	fail := func(err error) {
		jobsTotal.WithLabelValues(kindVerification, outcome(ctx)).Inc()
		logger.Error().Err(err).Msg("verification failed")
		h.events.Terminal(ctx, protocol.VerificationFailed, protocol.FailedData{
			HistoryID: cmd.HistoryID,
			Error:     err.Error(),
			Duration:  h.now().Sub(start).Milliseconds(),
			Timestamp: h.now().UTC(),
		})
	}

	store, err := storage.Open(ctx, cmd.StorageType, cmd.Storage, h.storage)
	if err != nil {
		fail(fmt.Errorf("open storage: %w", err))
		return
	}
	report, err := h.verifier.Run(ctx, verify.Request{
		HistoryID:    cmd.HistoryID,
		Level:        cmd.VerificationLevel,
		Backup:       cmd.Backup,
		Encrypted:    cmd.IsEncrypted || cmd.Backup.IsEncrypted,
		PasswordHash: cmd.EncryptionPasswordHash,
	}, conn, store, func(p pipeline.Progress) {
		h.events.Direct(ctx, protocol.VerificationProgress, protocol.ProgressData{
			HistoryID: cmd.HistoryID, Progress: p.Percent, CurrentStep: p.Step,
		})
	})
	elapsed := h.now().Sub(start)
	jobDuration.WithLabelValues(kindVerification).Observe(elapsed.Seconds())
	if err != nil {
		fail(err)
		return
	}

	jobsTotal.WithLabelValues(kindVerification, "success").Inc()
	h.events.Terminal(ctx, protocol.VerificationCompleted, protocol.VerificationCompletedData{
		HistoryID:          cmd.HistoryID,
		Duration:           elapsed.Milliseconds(),
		VerificationResult: *report,
		Timestamp:          h.now().UTC(),
	})
}

func (h *Handler) testDatabase(ctx context.Context, cmd protocol.DatabaseTestData) {
	result := protocol.DatabaseTestResultData{RequestID: cmd.RequestID}

	conn, err := h.connectors(connectorConfig(cmd.Config))
	if err == nil {
		tctx, cancel := context.WithTimeout(ctx, testTimeout)
		result.Version, err = conn.Test(tctx)
		cancel()
	}
	if err != nil {
		jobsTotal.WithLabelValues(kindTest, "failure").Inc()
		result.Message = err.Error()
		h.logger.Info().Err(err).Str("request_id", cmd.RequestID).Msg("database connection test failed")
	} else {
		jobsTotal.WithLabelValues(kindTest, "success").Inc()
		result.Success = true
		result.Message = "Connection successful"
	}

	// The control plane waits for this synchronously; a late result is
	// useless, so it is not queued.
	h.events.Direct(ctx, protocol.DatabaseTestResult, result)
}

func connectorConfig(d protocol.Database) connector.Config {
	database := d.Database
	if database == "" {
		database = d.Name
	}
	return connector.Config{
		Type:     d.Type,
		Host:     d.Host,
		Port:     d.Port,
		Username: d.Username,
		Password: d.Password,
		Database: database,
	}
}

func outcome(ctx context.Context) string {
	if ctx.Err() != nil {
		return "aborted"
	}
	return "failure"
}
