package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/platform"
)

type RestoreService struct {
	db  DB
	now func() time.Time
}

func NewRestoreService(db DB) *RestoreService {
	return &RestoreService{db: db, now: time.Now}
}

// CreateRunning inserts a running restore row and marks the backup's last
// restore as running.
func (s *RestoreService) CreateRunning(ctx context.Context, backupHistoryID, databaseID string) (*model.RestoreHistory, error) {
	var r model.RestoreHistory
	err := s.db.QueryRow(ctx,
		`INSERT INTO restore_history (id, backup_history_id, database_id, status, started_at)
		 VALUES ($1, $2, $3, 'running', $4)
		 RETURNING id, backup_history_id, database_id, status, error_message, started_at, completed_at, duration_ms`,
		platform.NewID(), backupHistoryID, databaseID, s.now(),
	).Scan(&r.ID, &r.BackupHistoryID, &r.DatabaseID, &r.Status, &r.ErrorMessage,
		&r.StartedAt, &r.CompletedAt, &r.DurationMS)
	if err != nil {
		return nil, fmt.Errorf("insert restore for backup %s: %w", backupHistoryID, err)
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE backup_history SET last_restore_status = 'running', last_restore_error = NULL WHERE id = $1`,
		backupHistoryID); err != nil {
		return nil, fmt.Errorf("mark backup %s restore running: %w", backupHistoryID, err)
	}
	return &r, nil
}

// Finish closes the latest running restore of a backup and mirrors the
// outcome onto the backup row.
func (s *RestoreService) Finish(ctx context.Context, backupHistoryID, status string, durationMS int64, message string) error {
	var errMsg *string
	if message != "" {
		errMsg = &message
	}
	now := s.now()

	tag, err := s.db.Exec(ctx,
		`UPDATE restore_history SET status = $2, error_message = $3, completed_at = $4, duration_ms = $5
		 WHERE id = (SELECT id FROM restore_history
		             WHERE backup_history_id = $1 AND status = 'running'
		             ORDER BY started_at DESC LIMIT 1)`,
		backupHistoryID, status, errMsg, now, durationMS,
	)
	if err != nil {
		return fmt.Errorf("finish restore of backup %s: %w", backupHistoryID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("finish restore of backup %s: %w", backupHistoryID, err)
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE backup_history SET last_restore_status = $2, last_restore_completed_at = $3, last_restore_error = $4
		 WHERE id = $1`,
		backupHistoryID, status, now, errMsg); err != nil {
		return fmt.Errorf("record last restore of backup %s: %w", backupHistoryID, err)
	}
	return nil
}
