package core

import (
	"context"
	"fmt"

	"github.com/edvin/dbvault/internal/model"
)

type Services struct {
	Agent         *AgentService
	Database      *DatabaseService
	StorageTarget *StorageTargetService
	BackupJob     *BackupJobService
	BackupHistory *BackupHistoryService
	Restore       *RestoreService

	db DB
}

func NewServices(db DB) *Services {
	return &Services{
		Agent:         NewAgentService(db),
		Database:      NewDatabaseService(db),
		StorageTarget: NewStorageTargetService(db),
		BackupJob:     NewBackupJobService(db),
		BackupHistory: NewBackupHistoryService(db),
		Restore:       NewRestoreService(db),
		db:            db,
	}
}

// Owner returns the user id owning a job, backup or database.
func (s *Services) Owner(ctx context.Context, kind, id string) (string, error) {
	q, err := ownerQuery(kind)
	if err != nil {
		return "", err
	}
	var userID string
	if err := s.db.QueryRow(ctx, q, id).Scan(&userID); err != nil {
		return "", fmt.Errorf("get owner of %s %s: %w", kind, id, mapErr(err))
	}
	return userID, nil
}

// The methods below let *Services serve as the dispatcher's store.

func (s *Services) GetBackupJob(ctx context.Context, id string) (*model.BackupJob, error) {
	return s.BackupJob.GetByID(ctx, id)
}

func (s *Services) GetDatabase(ctx context.Context, id string) (*model.DatabaseConnection, error) {
	return s.Database.GetByID(ctx, id)
}

func (s *Services) GetStorageTarget(ctx context.Context, id string) (*model.StorageTarget, error) {
	return s.StorageTarget.GetByID(ctx, id)
}

func (s *Services) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.Agent.GetByID(ctx, id)
}

func (s *Services) GetBackupHistory(ctx context.Context, id string) (*model.BackupHistory, error) {
	return s.BackupHistory.GetByID(ctx, id)
}

func (s *Services) CreateRunningBackup(ctx context.Context, jobID, databaseID string) (*model.BackupHistory, error) {
	return s.BackupHistory.CreateRunning(ctx, jobID, databaseID)
}

func (s *Services) CreateSkippedBackup(ctx context.Context, jobID, databaseID, reason string) (*model.BackupHistory, error) {
	return s.BackupHistory.CreateSkipped(ctx, jobID, databaseID, reason)
}

func (s *Services) CompleteBackup(ctx context.Context, jobID, historyID string, res model.BackupResult) error {
	return s.BackupHistory.Complete(ctx, jobID, historyID, res)
}

func (s *Services) FailBackup(ctx context.Context, jobID, historyID, message string) error {
	return s.BackupHistory.Fail(ctx, jobID, historyID, message)
}

func (s *Services) CreateRunningRestore(ctx context.Context, backupHistoryID, databaseID string) (*model.RestoreHistory, error) {
	return s.Restore.CreateRunning(ctx, backupHistoryID, databaseID)
}

func (s *Services) FinishRestore(ctx context.Context, backupHistoryID, status string, durationMS int64, message string) error {
	return s.Restore.Finish(ctx, backupHistoryID, status, durationMS, message)
}

func (s *Services) SaveVerification(ctx context.Context, backupHistoryID string, report model.VerificationReport) error {
	return s.BackupHistory.SaveVerification(ctx, backupHistoryID, report)
}

func (s *Services) FailVerification(ctx context.Context, backupHistoryID, message string) error {
	return s.BackupHistory.FailVerification(ctx, backupHistoryID, message)
}

func (s *Services) SetAgentStatus(ctx context.Context, agentID, status string) error {
	return s.Agent.SetStatus(ctx, agentID, status)
}

func (s *Services) TouchAgent(ctx context.Context, agentID string) error {
	return s.Agent.Touch(ctx, agentID)
}
