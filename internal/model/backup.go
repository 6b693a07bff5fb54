package model

import "time"

// DatabaseConnection is a database reachable only through its agent.
type DatabaseConnection struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      *string   `json:"agent_id,omitempty"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	Password     string    `json:"-"`
	DatabaseName string    `json:"database_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StorageTarget holds the credentials for one cloud or local destination.
type StorageTarget struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	StorageType     string    `json:"storage_type"`
	Region          string    `json:"region,omitempty"`
	Bucket          string    `json:"bucket,omitempty"`
	Path            string    `json:"path,omitempty"`
	Endpoint        string    `json:"endpoint,omitempty"`
	AccessKeyID     string    `json:"-"`
	SecretAccessKey string    `json:"-"`
	RefreshToken    string    `json:"-"`
	FolderID        string    `json:"folder_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BackupJob is a backup definition. Scheduling happens elsewhere.
type BackupJob struct {
	ID                     string     `json:"id"`
	DatabaseID             string     `json:"database_id"`
	StorageTargetID        *string    `json:"storage_target_id,omitempty"`
	StorageType            string     `json:"storage_type"`
	BackupType             string     `json:"backup_type"`
	Compression            bool       `json:"compression"`
	IsEncrypted            bool       `json:"is_encrypted"`
	EncryptionPasswordHash string     `json:"-"`
	VerificationLevel      string     `json:"verification_level"`
	LastRunAt              *time.Time `json:"last_run_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// BackupHistory is one execution of a backup job.
type BackupHistory struct {
	ID                      string     `json:"id"`
	BackupJobID             string     `json:"backup_job_id"`
	DatabaseID              string     `json:"database_id"`
	Status                  string     `json:"status"`
	FileName                string     `json:"file_name"`
	FilePath                string     `json:"file_path"`
	StorageKey              string     `json:"storage_key,omitempty"`
	FileSize                int64      `json:"file_size"`
	ChecksumAlgorithm       string     `json:"checksum_algorithm,omitempty"`
	ChecksumValue           string     `json:"checksum_value,omitempty"`
	IsEncrypted             bool       `json:"is_encrypted"`
	EncryptionPasswordHash  string     `json:"-"`
	ErrorMessage            *string    `json:"error_message,omitempty"`
	StartedAt               time.Time  `json:"started_at"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	DurationMS              int64      `json:"duration_ms"`
	VerificationStatus      *string    `json:"verification_status,omitempty"`
	VerificationMethod      *string    `json:"verification_method,omitempty"`
	VerificationError       *string    `json:"verification_error,omitempty"`
	VerificationCompletedAt *time.Time `json:"verification_completed_at,omitempty"`
	LastRestoreStatus       *string    `json:"last_restore_status,omitempty"`
	LastRestoreCompletedAt  *time.Time `json:"last_restore_completed_at,omitempty"`
	LastRestoreError        *string    `json:"last_restore_error,omitempty"`
}

// RestoreHistory tracks one restore of a backup.
type RestoreHistory struct {
	ID              string     `json:"id"`
	BackupHistoryID string     `json:"backup_history_id"`
	DatabaseID      string     `json:"database_id"`
	Status          string     `json:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMS      int64      `json:"duration_ms"`
}

// BackupResult is the artifact metadata reported by an agent on success.
type BackupResult struct {
	FileName          string
	FilePath          string
	StorageKey        string
	FileSize          int64
	ChecksumAlgorithm string
	ChecksumValue     string
	IsEncrypted       bool
	DurationMS        int64
}
