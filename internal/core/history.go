package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/platform"
)

const historyColumns = `id, backup_job_id, database_id, status, file_name, file_path, storage_key, file_size,
	checksum_algorithm, checksum_value, is_encrypted, encryption_password_hash, error_message,
	started_at, completed_at, duration_ms, verification_status, verification_method,
	verification_error, verification_completed_at, last_restore_status,
	last_restore_completed_at, last_restore_error`

// runningIndex enforces one running history row per job.
const runningIndex = "backup_history_one_running_per_job"

// latestRunning selects the job's newest running row. $1 is the job id.
const latestRunning = `(SELECT id FROM backup_history
	WHERE backup_job_id = $1 AND status = 'running'
	ORDER BY started_at DESC LIMIT 1)`

type BackupHistoryService struct {
	db  DB
	now func() time.Time
}

func NewBackupHistoryService(db DB) *BackupHistoryService {
	return &BackupHistoryService{db: db, now: time.Now}
}

func (s *BackupHistoryService) GetByID(ctx context.Context, id string) (*model.BackupHistory, error) {
	var h model.BackupHistory
	err := s.db.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM backup_history WHERE id = $1`, id,
	).Scan(historyDest(&h)...)
	if err != nil {
		return nil, fmt.Errorf("get backup history %s: %w", id, mapErr(err))
	}
	return &h, nil
}

// CreateRunning inserts a running row for the job, copying the job's
// encryption settings. The partial unique index makes the check and the
// insert one atomic step.
func (s *BackupHistoryService) CreateRunning(ctx context.Context, jobID, databaseID string) (*model.BackupHistory, error) {
	var h model.BackupHistory
	err := s.db.QueryRow(ctx,
		`INSERT INTO backup_history (id, backup_job_id, database_id, status, is_encrypted, encryption_password_hash, started_at)
		 SELECT $1, j.id, $3, 'running', j.is_encrypted, j.encryption_password_hash, $4
		 FROM backup_jobs j WHERE j.id = $2
		 RETURNING `+historyColumns,
		platform.NewID(), jobID, databaseID, s.now(),
	).Scan(historyDest(&h)...)
	if err != nil {
		if isUniqueViolation(err, runningIndex) {
			return nil, fmt.Errorf("insert running backup for job %s: %w", jobID, ErrRunningExists)
		}
		return nil, fmt.Errorf("insert running backup for job %s: %w", jobID, mapErr(err))
	}
	return &h, nil
}

// CreateSkipped records a run that never reached an agent.
func (s *BackupHistoryService) CreateSkipped(ctx context.Context, jobID, databaseID, reason string) (*model.BackupHistory, error) {
	now := s.now()
	var h model.BackupHistory
	err := s.db.QueryRow(ctx,
		`INSERT INTO backup_history (id, backup_job_id, database_id, status, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, 'skipped', $4, $5, $5)
		 RETURNING `+historyColumns,
		platform.NewID(), jobID, databaseID, reason, now,
	).Scan(historyDest(&h)...)
	if err != nil {
		return nil, fmt.Errorf("insert skipped backup for job %s: %w", jobID, err)
	}
	return &h, nil
}

// Complete marks a run successful and stores the artifact metadata. An empty
// historyID targets the job's latest running row.
func (s *BackupHistoryService) Complete(ctx context.Context, jobID, historyID string, res model.BackupResult) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_history SET status = 'success', file_name = $3, file_path = $4, storage_key = $5,
		        file_size = $6, checksum_algorithm = $7, checksum_value = $8, is_encrypted = $9,
		        duration_ms = $10, completed_at = $11, error_message = NULL
		 WHERE id = COALESCE(NULLIF($2, ''), `+latestRunning+`) AND ($1 = '' OR backup_job_id = $1)`,
		jobID, historyID, res.FileName, res.FilePath, res.StorageKey, res.FileSize,
		res.ChecksumAlgorithm, res.ChecksumValue, res.IsEncrypted, res.DurationMS, s.now(),
	)
	if err != nil {
		return fmt.Errorf("complete backup for job %s: %w", jobID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("complete backup for job %s: %w", jobID, err)
	}
	return s.touchJob(ctx, jobID)
}

// Fail marks a run failed with message. An empty historyID targets the job's
// latest running row.
func (s *BackupHistoryService) Fail(ctx context.Context, jobID, historyID, message string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_history SET status = 'failed', error_message = $3, completed_at = $4,
		        duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($4 - started_at)) * 1000)::bigint)
		 WHERE id = COALESCE(NULLIF($2, ''), `+latestRunning+`) AND ($1 = '' OR backup_job_id = $1) AND status = 'running'`,
		jobID, historyID, message, s.now(),
	)
	if err != nil {
		return fmt.Errorf("fail backup for job %s: %w", jobID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("fail backup for job %s: %w", jobID, err)
	}
	return s.touchJob(ctx, jobID)
}

func (s *BackupHistoryService) touchJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE backup_jobs SET last_run_at = $1, updated_at = $1 WHERE id = $2`, s.now(), jobID); err != nil {
		return fmt.Errorf("update last run of job %s: %w", jobID, err)
	}
	return nil
}

// SaveVerification stores a verification outcome. A checksum computed during
// verification fills in a missing one.
func (s *BackupHistoryService) SaveVerification(ctx context.Context, id string, report model.VerificationReport) error {
	var algo, value *string
	if report.ComputedChecksum != nil {
		algo, value = &report.ComputedChecksum.Algorithm, &report.ComputedChecksum.Value
	}
	var verr *string
	if report.Error != "" {
		verr = &report.Error
	} else if failed := report.Failed(); len(failed) > 0 {
		msg := fmt.Sprintf("failed checks: %v", failed)
		verr = &msg
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_history SET verification_status = $2, verification_method = $3,
		        verification_error = $4, verification_completed_at = $5,
		        checksum_algorithm = CASE WHEN checksum_value = '' AND $6::text IS NOT NULL THEN $6 ELSE checksum_algorithm END,
		        checksum_value = CASE WHEN checksum_value = '' AND $7::text IS NOT NULL THEN $7 ELSE checksum_value END
		 WHERE id = $1`,
		id, report.OverallStatus, report.VerificationMethod, verr, s.now(), algo, value,
	)
	if err != nil {
		return fmt.Errorf("save verification of %s: %w", id, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("save verification of %s: %w", id, err)
	}
	return nil
}

func (s *BackupHistoryService) FailVerification(ctx context.Context, id, message string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_history SET verification_status = $2, verification_error = $3, verification_completed_at = $4
		 WHERE id = $1`,
		id, model.VerificationFailed, message, s.now(),
	)
	if err != nil {
		return fmt.Errorf("fail verification of %s: %w", id, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("fail verification of %s: %w", id, err)
	}
	return nil
}

func historyDest(h *model.BackupHistory) []any {
	return []any{&h.ID, &h.BackupJobID, &h.DatabaseID, &h.Status, &h.FileName, &h.FilePath,
		&h.StorageKey, &h.FileSize, &h.ChecksumAlgorithm, &h.ChecksumValue, &h.IsEncrypted,
		&h.EncryptionPasswordHash, &h.ErrorMessage, &h.StartedAt, &h.CompletedAt, &h.DurationMS,
		&h.VerificationStatus, &h.VerificationMethod, &h.VerificationError,
		&h.VerificationCompletedAt, &h.LastRestoreStatus, &h.LastRestoreCompletedAt, &h.LastRestoreError}
}
