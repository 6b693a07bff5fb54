// Package dispatch turns backup, restore, verification and connection-test
// requests into commands pushed to the owning agent, and turns the agent's
// events back into persisted state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/platform"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/registry"
)

const (
	StatusSentToAgent = "sent_to_agent"
	StatusSkipped     = "skipped"
)

const skippedReason = "Agent was not connected; backup skipped. It will be retried at the next scheduled run."

var dispatchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dbvault_dispatch_total",
		Help: "Commands dispatched to agents by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// GoogleCredentials are OAuth client settings passed through to agents for
// Google Drive storage.
type GoogleCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Options tune request/response timeouts.
type Options struct {
	TestTimeout         time.Duration
	VerificationTimeout time.Duration
	Google              GoogleCredentials
}

// Dispatcher routes work to agents through the registry.
type Dispatcher struct {
	store     Store
	registry  *registry.Registry
	observers *registry.Observers
	logger    zerolog.Logger
	opts      Options

	tests         *Pending[protocol.DatabaseTestResultData]
	verifications *Pending[model.VerificationReport]
}

func New(store Store, reg *registry.Registry, observers *registry.Observers, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.TestTimeout == 0 {
		opts.TestTimeout = 30 * time.Second
	}
	if opts.VerificationTimeout == 0 {
		opts.VerificationTimeout = 15 * time.Minute
	}
	return &Dispatcher{
		store:         store,
		registry:      reg,
		observers:     observers,
		logger:        logger.With().Str("component", "dispatcher").Logger(),
		opts:          opts,
		tests:         NewPending[protocol.DatabaseTestResultData](),
		verifications: NewPending[model.VerificationReport](),
	}
}

// PendingCount returns the number of requests waiting for an agent response.
func (d *Dispatcher) PendingCount() int {
	return d.tests.Len() + d.verifications.Len()
}

// ExecuteResult is returned by ExecuteBackup.
type ExecuteResult struct {
	Status    string `json:"status"`
	HistoryID string `json:"history_id"`
	AgentID   string `json:"agent_id"`
}

// ExecuteBackup dispatches one run of a backup job. An offline agent yields a
// skipped history row and no error. A job that already has a running row is
// rejected with ErrAlreadyRunning, an encrypted job without a password hash
// with ErrMissingKey.
func (d *Dispatcher) ExecuteBackup(ctx context.Context, jobID string) (*ExecuteResult, error) {
	job, err := d.store.GetBackupJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get backup job %s: %w", jobID, err)
	}
	if job.IsEncrypted && job.EncryptionPasswordHash == "" {
		dispatchTotal.WithLabelValues("backup", "rejected").Inc()
		return nil, fmt.Errorf("backup job %s: %w", job.ID, ErrMissingKey)
	}
	db, err := d.store.GetDatabase(ctx, job.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("get database %s: %w", job.DatabaseID, err)
	}
	agent, err := d.agentFor(ctx, db)
	if err != nil {
		return nil, err
	}

	sess, ok := d.registry.Lookup(agent.AgentID)
	if !ok {
		h, err := d.store.CreateSkippedBackup(ctx, job.ID, db.ID, skippedReason)
		if err != nil {
			return nil, fmt.Errorf("record skipped backup: %w", err)
		}
		dispatchTotal.WithLabelValues("backup", "skipped").Inc()
		d.logger.Warn().Str("job_id", job.ID).Str("agent_id", agent.AgentID).Msg("agent offline, backup skipped")
		return &ExecuteResult{Status: StatusSkipped, HistoryID: h.ID, AgentID: agent.AgentID}, nil
	}

	storage, err := d.storageFor(ctx, job)
	if err != nil {
		return nil, err
	}

	h, err := d.store.CreateRunningBackup(ctx, job.ID, db.ID)
	if err != nil {
		if errors.Is(err, core.ErrRunningExists) {
			dispatchTotal.WithLabelValues("backup", "rejected").Inc()
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("record running backup: %w", err)
	}

	cmd := protocol.JobExecuteData{
		ID:                     job.ID,
		HistoryID:              h.ID,
		Database:               databaseDescriptor(db),
		BackupType:             orDefault(job.BackupType, "full"),
		Compression:            job.Compression,
		IsEncrypted:            job.IsEncrypted,
		EncryptionPasswordHash: job.EncryptionPasswordHash,
		StorageType:            orDefault(job.StorageType, protocol.StorageLocal),
		Storage:                storage,
	}
	if err := d.push(ctx, sess, protocol.JobExecute, cmd); err != nil {
		if ferr := d.store.FailBackup(ctx, job.ID, h.ID, "Agent is not connected: "+err.Error()); ferr != nil {
			d.logger.Error().Err(ferr).Str("history_id", h.ID).Msg("failed to mark backup failed after push error")
		}
		dispatchTotal.WithLabelValues("backup", "push_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	dispatchTotal.WithLabelValues("backup", "sent").Inc()
	d.logger.Info().Str("job_id", job.ID).Str("history_id", h.ID).Str("agent_id", agent.AgentID).Msg("backup job sent to agent")
	return &ExecuteResult{Status: StatusSentToAgent, HistoryID: h.ID, AgentID: agent.AgentID}, nil
}

// RestoreResult is returned by Restore.
type RestoreResult struct {
	Status           string `json:"status"`
	RestoreHistoryID string `json:"restore_history_id"`
	AgentID          string `json:"agent_id"`
}

// Restore dispatches a restore of a successful backup into its database.
func (d *Dispatcher) Restore(ctx context.Context, historyID string) (*RestoreResult, error) {
	h, db, sess, err := d.prepareArtifactCommand(ctx, historyID)
	if err != nil {
		dispatchTotal.WithLabelValues("restore", outcomeFor(err)).Inc()
		return nil, err
	}
	job, storageType, storage, err := d.artifactStorage(ctx, h)
	if err != nil {
		return nil, err
	}

	rh, err := d.store.CreateRunningRestore(ctx, h.ID, db.ID)
	if err != nil {
		return nil, fmt.Errorf("record running restore: %w", err)
	}

	cmd := protocol.RestoreExecuteData{
		HistoryID:              h.ID,
		RestoreID:              rh.ID,
		Database:               databaseDescriptor(db),
		Backup:                 backupDescriptor(h),
		StorageType:            storageType,
		Storage:                storage,
		IsEncrypted:            h.IsEncrypted,
		EncryptionPasswordHash: passwordHash(h, job),
	}
	if err := d.push(ctx, sess, protocol.RestoreExecute, cmd); err != nil {
		if ferr := d.store.FinishRestore(ctx, h.ID, model.StatusFailed, 0, "Agent is not connected"); ferr != nil {
			d.logger.Error().Err(ferr).Str("history_id", h.ID).Msg("failed to mark restore failed after push error")
		}
		dispatchTotal.WithLabelValues("restore", "push_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	dispatchTotal.WithLabelValues("restore", "sent").Inc()
	d.logger.Info().Str("history_id", h.ID).Str("restore_id", rh.ID).Str("agent_id", sess.AgentID).Msg("restore sent to agent")
	return &RestoreResult{Status: StatusSentToAgent, RestoreHistoryID: rh.ID, AgentID: sess.AgentID}, nil
}

// Verify asks the agent to verify a backup and waits for the report. The
// wait ends with the report, ErrRequestFailed when the agent reports
// failure, or ErrTimeout.
func (d *Dispatcher) Verify(ctx context.Context, historyID, level string) (*model.VerificationReport, error) {
	if !model.ValidLevel(level) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	h, db, sess, err := d.prepareArtifactCommand(ctx, historyID)
	if err != nil {
		dispatchTotal.WithLabelValues("verify", outcomeFor(err)).Inc()
		return nil, err
	}
	job, storageType, storage, err := d.artifactStorage(ctx, h)
	if err != nil {
		return nil, err
	}

	if err := d.verifications.Register(h.ID); err != nil {
		return nil, fmt.Errorf("verification of %s: %w", h.ID, err)
	}

	cmd := protocol.VerificationExecuteData{
		HistoryID:              h.ID,
		Database:               databaseDescriptor(db),
		Backup:                 backupDescriptor(h),
		StorageType:            storageType,
		Storage:                storage,
		VerificationLevel:      level,
		IsEncrypted:            h.IsEncrypted,
		EncryptionPasswordHash: passwordHash(h, job),
	}
	if err := d.push(ctx, sess, protocol.VerificationExecute, cmd); err != nil {
		d.verifications.Cancel(h.ID)
		dispatchTotal.WithLabelValues("verify", "push_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	dispatchTotal.WithLabelValues("verify", "sent").Inc()

	report, err := d.verifications.Wait(ctx, h.ID, d.opts.VerificationTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			d.logger.Warn().Str("history_id", h.ID).Dur("timeout", d.opts.VerificationTimeout).Msg("verification timed out")
		}
		return nil, err
	}
	return &report, nil
}

// TestDatabase asks the agent to open a connection to a database and waits
// for the result.
func (d *Dispatcher) TestDatabase(ctx context.Context, databaseID string) (*protocol.DatabaseTestResultData, error) {
	db, err := d.store.GetDatabase(ctx, databaseID)
	if err != nil {
		return nil, fmt.Errorf("get database %s: %w", databaseID, err)
	}
	agent, err := d.agentFor(ctx, db)
	if err != nil {
		return nil, err
	}
	sess, ok := d.registry.Lookup(agent.AgentID)
	if !ok {
		dispatchTotal.WithLabelValues("test", "offline").Inc()
		return nil, ErrAgentOffline
	}

	requestID := "test_" + platform.NewID()
	if err := d.tests.Register(requestID); err != nil {
		return nil, err
	}
	cmd := protocol.DatabaseTestData{RequestID: requestID, Config: databaseDescriptor(db)}
	if err := d.push(ctx, sess, protocol.DatabaseTest, cmd); err != nil {
		d.tests.Cancel(requestID)
		dispatchTotal.WithLabelValues("test", "push_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	dispatchTotal.WithLabelValues("test", "sent").Inc()

	res, err := d.tests.Wait(ctx, requestID, d.opts.TestTimeout)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (d *Dispatcher) push(ctx context.Context, sess registry.Session, eventType string, payload any) error {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return sess.Conn.Send(ctx, env)
}

func (d *Dispatcher) agentFor(ctx context.Context, db *model.DatabaseConnection) (*model.Agent, error) {
	if db.AgentID == nil || *db.AgentID == "" {
		return nil, ErrNoAgent
	}
	agent, err := d.store.GetAgent(ctx, *db.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", *db.AgentID, err)
	}
	return agent, nil
}

// prepareArtifactCommand loads what restore and verification need and checks
// the agent is connected.
func (d *Dispatcher) prepareArtifactCommand(ctx context.Context, historyID string) (*model.BackupHistory, *model.DatabaseConnection, registry.Session, error) {
	h, err := d.store.GetBackupHistory(ctx, historyID)
	if err != nil {
		return nil, nil, registry.Session{}, fmt.Errorf("get backup history %s: %w", historyID, err)
	}
	if h.Status != model.StatusSuccess {
		return nil, nil, registry.Session{}, ErrNotSuccessful
	}
	db, err := d.store.GetDatabase(ctx, h.DatabaseID)
	if err != nil {
		return nil, nil, registry.Session{}, fmt.Errorf("get database %s: %w", h.DatabaseID, err)
	}
	agent, err := d.agentFor(ctx, db)
	if err != nil {
		return nil, nil, registry.Session{}, err
	}
	sess, ok := d.registry.Lookup(agent.AgentID)
	if !ok {
		return nil, nil, registry.Session{}, ErrAgentOffline
	}
	return h, db, sess, nil
}

// artifactStorage resolves where an artifact lives. A deleted job leaves the
// artifact addressable as local storage.
func (d *Dispatcher) artifactStorage(ctx context.Context, h *model.BackupHistory) (*model.BackupJob, string, protocol.Storage, error) {
	job, err := d.store.GetBackupJob(ctx, h.BackupJobID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, protocol.StorageLocal, protocol.Storage{}, nil
	}
	if err != nil {
		return nil, "", protocol.Storage{}, fmt.Errorf("get backup job %s: %w", h.BackupJobID, err)
	}
	storage, err := d.storageFor(ctx, job)
	if err != nil {
		return nil, "", protocol.Storage{}, err
	}
	return job, orDefault(job.StorageType, protocol.StorageLocal), storage, nil
}

func (d *Dispatcher) storageFor(ctx context.Context, job *model.BackupJob) (protocol.Storage, error) {
	if job.StorageTargetID == nil || *job.StorageTargetID == "" {
		return protocol.Storage{}, nil
	}
	t, err := d.store.GetStorageTarget(ctx, *job.StorageTargetID)
	if err != nil {
		return protocol.Storage{}, fmt.Errorf("get storage target %s: %w", *job.StorageTargetID, err)
	}
	s := protocol.Storage{
		AccessKeyID:     t.AccessKeyID,
		SecretAccessKey: t.SecretAccessKey,
		Region:          t.Region,
		Bucket:          t.Bucket,
		Path:            t.Path,
		Endpoint:        t.Endpoint,
		RefreshToken:    t.RefreshToken,
		FolderID:        t.FolderID,
	}
	if t.StorageType == protocol.StorageGoogleDrive {
		s.GoogleClientID = d.opts.Google.ClientID
		s.GoogleClientSecret = d.opts.Google.ClientSecret
		s.GoogleRedirectURI = d.opts.Google.RedirectURI
	}
	if t.StorageType == protocol.StorageLocal {
		s.LocalPath = t.Path
	}
	return s, nil
}

func databaseDescriptor(db *model.DatabaseConnection) protocol.Database {
	return protocol.Database{
		ID:       db.ID,
		Name:     db.Name,
		Type:     db.Type,
		Host:     db.Host,
		Port:     db.Port,
		Username: db.Username,
		Password: db.Password,
		Database: db.DatabaseName,
	}
}

func backupDescriptor(h *model.BackupHistory) protocol.Backup {
	return protocol.Backup{
		ID:                h.ID,
		FileName:          h.FileName,
		FilePath:          h.FilePath,
		StorageKey:        h.StorageKey,
		FileSize:          h.FileSize,
		IsEncrypted:       h.IsEncrypted,
		ChecksumAlgorithm: h.ChecksumAlgorithm,
		ChecksumValue:     h.ChecksumValue,
	}
}

// passwordHash prefers the hash recorded with the artifact over the job's
// current one, which may have been rotated since.
func passwordHash(h *model.BackupHistory, job *model.BackupJob) string {
	if h.EncryptionPasswordHash != "" {
		return h.EncryptionPasswordHash
	}
	if job != nil {
		return job.EncryptionPasswordHash
	}
	return ""
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrAgentOffline):
		return "offline"
	case errors.Is(err, ErrNoAgent):
		return "no_agent"
	case errors.Is(err, ErrNotSuccessful):
		return "rejected"
	}
	return "error"
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
