package core

import (
	"context"
	"fmt"

	"github.com/edvin/dbvault/internal/model"
)

// DatabaseService reads database connections. Their CRUD surface lives
// outside the control plane.
type DatabaseService struct {
	db DB
}

func NewDatabaseService(db DB) *DatabaseService {
	return &DatabaseService{db: db}
}

func (s *DatabaseService) GetByID(ctx context.Context, id string) (*model.DatabaseConnection, error) {
	var d model.DatabaseConnection
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, agent_id, name, type, host, port, username, password, database_name, created_at, updated_at
		 FROM database_connections WHERE id = $1`, id,
	).Scan(&d.ID, &d.UserID, &d.AgentID, &d.Name, &d.Type, &d.Host, &d.Port,
		&d.Username, &d.Password, &d.DatabaseName, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get database connection %s: %w", id, mapErr(err))
	}
	return &d, nil
}

type StorageTargetService struct {
	db DB
}

func NewStorageTargetService(db DB) *StorageTargetService {
	return &StorageTargetService{db: db}
}

func (s *StorageTargetService) GetByID(ctx context.Context, id string) (*model.StorageTarget, error) {
	var t model.StorageTarget
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, storage_type, region, bucket, path, endpoint,
		        access_key_id, secret_access_key, refresh_token, folder_id, created_at, updated_at
		 FROM storage_targets WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &t.StorageType, &t.Region, &t.Bucket, &t.Path, &t.Endpoint,
		&t.AccessKeyID, &t.SecretAccessKey, &t.RefreshToken, &t.FolderID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get storage target %s: %w", id, mapErr(err))
	}
	return &t, nil
}

type BackupJobService struct {
	db DB
}

func NewBackupJobService(db DB) *BackupJobService {
	return &BackupJobService{db: db}
}

func (s *BackupJobService) GetByID(ctx context.Context, id string) (*model.BackupJob, error) {
	var j model.BackupJob
	err := s.db.QueryRow(ctx,
		`SELECT id, database_id, storage_target_id, storage_type, backup_type, compression,
		        is_encrypted, encryption_password_hash, verification_level, last_run_at, created_at, updated_at
		 FROM backup_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.DatabaseID, &j.StorageTargetID, &j.StorageType, &j.BackupType, &j.Compression,
		&j.IsEncrypted, &j.EncryptionPasswordHash, &j.VerificationLevel, &j.LastRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get backup job %s: %w", id, mapErr(err))
	}
	return &j, nil
}

// ownerQuery resolves the owning user through the resource's database
// connection.
func ownerQuery(kind string) (string, error) {
	switch kind {
	case "database":
		return `SELECT user_id FROM database_connections WHERE id = $1`, nil
	case "job":
		return `SELECT d.user_id FROM backup_jobs j
		        JOIN database_connections d ON d.id = j.database_id
		        WHERE j.id = $1`, nil
	case "backup":
		return `SELECT d.user_id FROM backup_history h
		        JOIN database_connections d ON d.id = h.database_id
		        WHERE h.id = $1`, nil
	}
	return "", fmt.Errorf("unknown resource kind %q", kind)
}
