package dispatch

import (
	"context"

	"github.com/edvin/dbvault/internal/model"
)

// Store is the persistence the dispatcher records state transitions in.
// internal/core implements it on Postgres.
type Store interface {
	GetBackupJob(ctx context.Context, id string) (*model.BackupJob, error)
	GetDatabase(ctx context.Context, id string) (*model.DatabaseConnection, error)
	GetStorageTarget(ctx context.Context, id string) (*model.StorageTarget, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetBackupHistory(ctx context.Context, id string) (*model.BackupHistory, error)

	// CreateRunningBackup inserts a running history row. It fails with
	// core.ErrRunningExists when the job already has one.
	CreateRunningBackup(ctx context.Context, jobID, databaseID string) (*model.BackupHistory, error)
	CreateSkippedBackup(ctx context.Context, jobID, databaseID, reason string) (*model.BackupHistory, error)
	// CompleteBackup and FailBackup target historyID, or the job's latest
	// running row when historyID is empty.
	CompleteBackup(ctx context.Context, jobID, historyID string, res model.BackupResult) error
	FailBackup(ctx context.Context, jobID, historyID, message string) error

	CreateRunningRestore(ctx context.Context, backupHistoryID, databaseID string) (*model.RestoreHistory, error)
	// FinishRestore closes the latest running restore of a backup.
	FinishRestore(ctx context.Context, backupHistoryID, status string, durationMS int64, message string) error

	SaveVerification(ctx context.Context, backupHistoryID string, report model.VerificationReport) error
	FailVerification(ctx context.Context, backupHistoryID, message string) error

	SetAgentStatus(ctx context.Context, agentID, status string) error
	TouchAgent(ctx context.Context, agentID string) error
}
